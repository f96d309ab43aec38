package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"audittrail/internal/auditconfig"
	"audittrail/internal/classify"
	"audittrail/internal/config"
	"audittrail/internal/infra"

	"gopkg.in/yaml.v3"
)

// auditgen 从 YAML 实体模式生成审计配置产物。
// 默认输出 JSON 到 stdout；-save 时写入配置仓库供运行时加载。
func main() {
	schemaPath := flag.String("schema", "", "实体模式 YAML 文件或目录")
	level := flag.String("level", "", "审计级别下限 none/basic/detailed/full（可选）")
	outDir := flag.String("out", "", "JSON 产物输出目录，为空时输出到 stdout")
	save := flag.Bool("save", false, "生成后写入配置仓库")
	env := flag.String("env", "dev", "配置环境 dev/prod/test")
	flag.Parse()

	if *schemaPath == "" {
		log.Fatal("缺少 -schema 参数")
	}

	var minimum auditconfig.AuditLevel
	if *level != "" {
		parsed, err := auditconfig.ParseLevel(*level)
		if err != nil {
			log.Fatalf("非法审计级别 %q: %v", *level, err)
		}
		minimum = parsed
	}

	schemas, err := loadSchemas(*schemaPath)
	if err != nil {
		log.Fatalf("加载实体模式失败: %v", err)
	}
	if len(schemas) == 0 {
		log.Fatalf("%s 中没有实体模式", *schemaPath)
	}

	// 配置文件提供部署级保留期覆盖；不保存时允许缺省，回退生成器默认值
	var retention classify.RetentionPolicy
	cfg, cfgErr := config.Load(*env, "")
	if cfgErr == nil {
		retention = cfg.Audit.Retention.Policy()
	}

	var store *auditconfig.Store
	if *save {
		if cfgErr != nil {
			log.Fatalf("加载配置失败: %v", cfgErr)
		}
		db, err := infra.InitDatabase(&cfg.Database)
		if err != nil {
			log.Fatalf("初始化数据库失败: %v", err)
		}
		defer infra.CloseDatabase()

		store = auditconfig.NewStore(db)
		if err := store.Migrate(); err != nil {
			log.Fatalf("初始化配置仓库失败: %v", err)
		}
	}

	ctx := context.Background()
	for _, schema := range schemas {
		generated, err := auditconfig.Generate(schema, auditconfig.Options{
			MinimumLevel: minimum,
			Retention:    retention,
		})
		if err != nil {
			log.Fatalf("生成实体 %s 的配置失败: %v", schema.EntityName, err)
		}

		if store != nil {
			saved, err := store.Save(ctx, generated)
			if err != nil {
				log.Fatalf("保存实体 %s 的配置失败: %v", schema.EntityName, err)
			}
			generated = saved
		}

		if err := writeArtifact(generated, *outDir); err != nil {
			log.Fatalf("输出实体 %s 的配置失败: %v", schema.EntityName, err)
		}
	}
}

// loadSchemas 读取单个 YAML 文件或目录下的全部 .yaml/.yml 文件
func loadSchemas(path string) ([]auditconfig.EntitySchema, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		return parseSchemaFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	var schemas []auditconfig.EntitySchema
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		parsed, err := parseSchemaFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		schemas = append(schemas, parsed...)
	}
	return schemas, nil
}

// parseSchemaFile 解析 YAML，支持单文件多文档
func parseSchemaFile(path string) ([]auditconfig.EntitySchema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var schemas []auditconfig.EntitySchema
	dec := yaml.NewDecoder(f)
	for {
		var schema auditconfig.EntitySchema
		if err := dec.Decode(&schema); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		schemas = append(schemas, schema)
	}
	return schemas, nil
}

func writeArtifact(cfg *auditconfig.EntityConfig, outDir string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if outDir == "" {
		fmt.Println(string(data))
		return nil
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s_v%d.json", strings.ToLower(cfg.EntityName), cfg.Version)
	return os.WriteFile(filepath.Join(outDir, name), data, 0o644)
}
