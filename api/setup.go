package api

import (
	"context"
	"fmt"
	"os"

	auditHandlers "audittrail/api/handlers/audit"
	"audittrail/internal/auditconfig"
	"audittrail/internal/capture"
	"audittrail/internal/config"
	"audittrail/internal/infra/queue"
	"audittrail/internal/kms"
	"audittrail/internal/logger"
	"audittrail/internal/processor"
	"audittrail/internal/store"
	"audittrail/internal/stream"
	"audittrail/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App 组装完成的应用：路由、后台任务服务器和需要有序停止的组件
type App struct {
	Router   *gin.Engine
	Worker   *worker.Server
	DBPlugin *capture.DatabaseAdapter

	proc     *processor.Processor
	apiQueue *capture.Queue
	dbQueue  *capture.Queue
	sysQueue *capture.Queue
	frontend *capture.FrontendAdapter
	system   *capture.SystemAdapter
	queueCli queue.Client
}

// Setup 组装整个审计子系统
func Setup(db *gorm.DB, cfg *config.Config) (*App, error) {
	// 密钥与脱敏
	keys := kms.NewLocalKeyService()
	salt := os.Getenv(cfg.Audit.Processor.HashSaltEnv)
	if salt == "" {
		salt = "audittrail_dev_salt"
		logger.Warn("未配置哈希盐，使用开发默认值",
			zap.String("env_var", cfg.Audit.Processor.HashSaltEnv))
	}
	masker := processor.NewMasker(salt, keys, "audit-default")

	// 配置产物仓库
	configs := auditconfig.NewStore(db)
	if err := configs.Migrate(); err != nil {
		return nil, fmt.Errorf("初始化配置仓库失败: %w", err)
	}

	// 审计存储
	storeOpts := []store.Option{store.WithKeyService(keys)}
	if cfg.Audit.Store.ArchivePath != "" && cfg.Audit.Store.ArchiveBefore {
		storeOpts = append(storeOpts, store.WithArchiver(store.NewArchiver(store.ArchiveConfig{
			ArchivePath:   cfg.Audit.Store.ArchivePath,
			CompressLevel: cfg.Audit.Store.CompressLevel,
		})))
	}
	st := store.NewStore(db, storeOpts...)
	if err := st.Migrate(); err != nil {
		return nil, fmt.Errorf("初始化审计存储失败: %w", err)
	}

	// 死信出口依赖 Redis，不可用时退化为仅日志
	var dead processor.DeadLetter
	var queueCli queue.Client
	redisProbe := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisProbe.Ping(context.Background()).Err(); err != nil {
		logger.Warn("Redis 不可用，死信队列与定时清理被禁用", zap.Error(err))
	} else {
		queueCli = queue.NewClient(cfg.Redis)
		dead = queueCli
	}
	_ = redisProbe.Close()

	// 处理器
	proc := processor.NewProcessor(configs, masker, st, dead, processor.Options{
		Workers:       cfg.Audit.Processor.Workers,
		QueueSize:     cfg.Audit.Processor.QueueSize,
		MaxRetries:    cfg.Audit.Processor.MaxRetries,
		Backoff:       cfg.Audit.Processor.Backoff(),
		CompressLevel: cfg.Audit.Store.CompressLevel,
	})

	hub := stream.NewHub()
	proc.OnPersisted(hub.Publish)
	proc.Start()

	// 采集队列与适配器
	dropPolicy := capture.DropPolicy(cfg.Audit.Capture.DropPolicy)
	apiQueue := capture.NewQueue("api", cfg.Audit.Capture.QueueSize, dropPolicy, proc)
	dbQueue := capture.NewQueue("database", cfg.Audit.Capture.QueueSize, dropPolicy, proc)
	sysQueue := capture.NewQueue("system", cfg.Audit.Capture.QueueSize, dropPolicy, proc)
	apiQueue.Start()
	dbQueue.Start()
	sysQueue.Start()

	apiAdapter := capture.NewAPIAdapter(apiQueue, cfg.Audit.Capture)
	dbAdapter := capture.NewDatabaseAdapter(dbQueue, configs, proc)

	frontend := capture.NewFrontendAdapter(proc,
		cfg.Audit.Capture.FrontendBatch,
		cfg.Audit.Capture.FrontendFlushInterval())
	frontend.Start()

	// 快照只取审计段，避免数据库/Redis 凭据进入漂移 diff
	system := capture.NewSystemAdapter(sysQueue,
		cfg.Audit.System.SnapshotEvery(),
		cfg.Audit.System.MemoryThreshold,
		func() interface{} { return cfg.Audit })
	system.Start()

	// HTTP 层
	auditHandler := auditHandlers.NewAuditHandler(apiQueue, frontend, st, configs, proc, hub, cfg.Audit.Retention.Policy())
	exportHandler := auditHandlers.NewExportHandler(store.NewExporter(st))

	router := NewRouter(cfg, apiAdapter, auditHandler, exportHandler, db)

	workerServer := worker.NewServer(cfg.Redis, proc, st, logger.Get())

	return &App{
		Router:   router,
		Worker:   workerServer,
		DBPlugin: dbAdapter,
		proc:     proc,
		apiQueue: apiQueue,
		dbQueue:  dbQueue,
		sysQueue: sysQueue,
		frontend: frontend,
		system:   system,
		queueCli: queueCli,
	}, nil
}

// Shutdown 按依赖顺序停止：先停采集，再排空队列，最后停处理器
func (a *App) Shutdown(ctx context.Context) {
	a.system.Stop()

	if err := a.frontend.Stop(ctx); err != nil {
		logger.Warn("前端适配器停止异常", zap.Error(err))
	}
	for _, q := range []*capture.Queue{a.apiQueue, a.dbQueue, a.sysQueue} {
		if err := q.Stop(ctx); err != nil {
			logger.Warn("采集队列停止异常", zap.Error(err))
		}
	}
	if err := a.proc.Stop(ctx); err != nil {
		logger.Warn("处理器停止异常", zap.Error(err))
	}
	if a.queueCli != nil {
		_ = a.queueCli.Close()
	}
}
