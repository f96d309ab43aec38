package store

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Archiver 分区冷归档器。
// 分区被 TTL 清理前可整体落为 gzip JSON 文件（Archived 状态）。
type Archiver struct {
	archivePath   string
	compressLevel int
}

// ArchiveConfig 归档配置
type ArchiveConfig struct {
	ArchivePath   string // 归档文件存储路径
	CompressLevel int    // 压缩级别 (1-9)
}

// NewArchiver 创建归档器
func NewArchiver(config ArchiveConfig) *Archiver {
	if config.CompressLevel <= 0 || config.CompressLevel > 9 {
		config.CompressLevel = gzip.BestCompression
	}
	if config.ArchivePath == "" {
		config.ArchivePath = "./archive/audit"
	}
	return &Archiver{
		archivePath:   config.ArchivePath,
		compressLevel: config.CompressLevel,
	}
}

// ArchivePartition 将整个分区写入归档文件并标记 Archived
func (a *Archiver) ArchivePartition(ctx context.Context, s *Store, p Partition) (string, error) {
	var records []Record
	err := s.db.WithContext(ctx).Table(p.Table).Find(&records).Error
	if err != nil {
		return "", fmt.Errorf("读取分区 %s 失败: %w", p.Key, err)
	}

	for i := range records {
		records[i].Status = "archived"
	}

	yearDir := filepath.Join(a.archivePath, p.Key[:4])
	if err := os.MkdirAll(yearDir, 0755); err != nil {
		return "", fmt.Errorf("创建归档目录失败: %w", err)
	}

	// 文件名格式: audit_20260829.json.gz
	filename := filepath.Join(yearDir, fmt.Sprintf("audit_%s.json.gz", p.Key))

	file, err := os.Create(filename)
	if err != nil {
		return "", fmt.Errorf("创建归档文件失败: %w", err)
	}
	defer file.Close()

	gzWriter, err := gzip.NewWriterLevel(file, a.compressLevel)
	if err != nil {
		return "", fmt.Errorf("创建 gzip 写入器失败: %w", err)
	}
	defer gzWriter.Close()

	encoder := json.NewEncoder(gzWriter)
	if err := encoder.Encode(records); err != nil {
		return "", fmt.Errorf("编码归档记录失败: %w", err)
	}

	err = s.db.WithContext(ctx).Model(&Partition{}).
		Where("key = ?", p.Key).
		Update("archived", true).Error
	if err != nil {
		return "", err
	}

	return filename, nil
}

// ArchiveInfo 归档文件信息
type ArchiveInfo struct {
	Path     string    `json:"path"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
}

// ListArchives 列出归档文件，新者在前
func (a *Archiver) ListArchives() ([]ArchiveInfo, error) {
	var archives []ArchiveInfo

	err := filepath.Walk(a.archivePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".gz" {
			archives = append(archives, ArchiveInfo{
				Path:     path,
				Size:     info.Size(),
				ModTime:  info.ModTime(),
				Filename: info.Name(),
			})
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].ModTime.After(archives[j].ModTime)
	})
	return archives, nil
}

// RestoreArchive 从归档文件读回记录（离线核查用）
func (a *Archiver) RestoreArchive(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开归档文件失败: %w", err)
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("创建 gzip 读取器失败: %w", err)
	}
	defer gzReader.Close()

	var records []Record
	decoder := json.NewDecoder(gzReader)
	if err := decoder.Decode(&records); err != nil {
		return nil, fmt.Errorf("解码归档记录失败: %w", err)
	}
	return records, nil
}
