package processor

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"audittrail/internal/auditconfig"
	"audittrail/internal/classify"
	"audittrail/internal/event"
	"audittrail/internal/logger"
	"audittrail/internal/metrics"
	"audittrail/internal/store"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConfigSource 实体审计配置来源
type ConfigSource interface {
	Latest(ctx context.Context, entityName string) (*auditconfig.EntityConfig, error)
}

// DeadLetter 死信出口：重试耗尽的事件交由它兜底
type DeadLetter interface {
	Capture(ctx context.Context, ev *event.Event, cause string) error
}

// Options 处理器参数
type Options struct {
	Workers       int           // 分片工作协程数，0 表示按 CPU 数
	QueueSize     int           // 单分片队列容量
	MaxRetries    int           // 持久化重试上限
	Backoff       time.Duration // 初始退避，指数递增
	CompressLevel int           // gzip 压缩级别
}

func (o *Options) fill() {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = 100 * time.Millisecond
	}
	if o.CompressLevel <= 0 || o.CompressLevel > gzip.BestCompression {
		o.CompressLevel = gzip.DefaultCompression
	}
}

// maxBackoff 单次退避上限
const maxBackoff = 30 * time.Second

// Processor 审计事件处理器。
// 事件按 实体类型:实体ID 哈希分片，同一实体的事件
// 始终落在同一分片上由单协程顺序处理，保证实体内先后次序。
type Processor struct {
	configs ConfigSource
	masker  *Masker
	store   *store.Store
	dead    DeadLetter
	opts    Options

	queues []chan *event.Event
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	onPersisted func(rec *store.Record, ev *event.Event)
}

// NewProcessor 创建处理器。dead 可以为 nil（无死信出口，仅记日志）。
func NewProcessor(configs ConfigSource, masker *Masker, st *store.Store, dead DeadLetter, opts Options) *Processor {
	opts.fill()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Processor{
		configs: configs,
		masker:  masker,
		store:   st,
		dead:    dead,
		opts:    opts,
		queues:  make([]chan *event.Event, opts.Workers),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range p.queues {
		p.queues[i] = make(chan *event.Event, opts.QueueSize)
	}
	return p
}

// OnPersisted 注册持久化完成回调（实时推送等），回调在工作协程内执行
func (p *Processor) OnPersisted(fn func(rec *store.Record, ev *event.Event)) {
	p.mu.Lock()
	p.onPersisted = fn
	p.mu.Unlock()
}

// Start 启动全部分片工作协程
func (p *Processor) Start() {
	for i := range p.queues {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	logger.Info("审计事件处理器已启动",
		zap.Int("workers", p.opts.Workers),
		zap.Int("queue_size", p.opts.QueueSize))
}

// Stop 优雅停止：排空已入队事件后返回，ctx 超时则放弃等待
func (p *Processor) Stop(ctx context.Context) error {
	for _, q := range p.queues {
		close(q)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("处理器停止超时，仍有事件未排空: %w", ctx.Err())
	}
	p.cancel()
	return err
}

// Enqueue 异步提交事件。
// 分片队列满时阻塞等待，背压由适配器侧的有界队列吸收。
func (p *Processor) Enqueue(ev *event.Event) error {
	ev.EnsureDefaults()
	shard := p.shardOf(ev)

	select {
	case p.queues[shard] <- ev:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("%w: 处理器已停止", event.ErrCapture)
	}
}

// Process 同步处理单个事件：脱敏、序列化、写入存储
func (p *Processor) Process(ctx context.Context, ev *event.Event) error {
	rec, err := p.BuildRecord(ctx, ev)
	if err != nil {
		return err
	}
	return p.store.Insert(ctx, rec)
}

// ProcessWith 在调用方事务内同步处理，供数据库适配器的强一致路径使用
func (p *Processor) ProcessWith(ctx context.Context, tx *gorm.DB, ev *event.Event) error {
	rec, err := p.BuildRecord(ctx, ev)
	if err != nil {
		return err
	}
	return p.store.InsertWith(ctx, tx, rec)
}

// shardOf 计算事件所属分片
func (p *Processor) shardOf(ev *event.Event) int {
	h := fnv.New32a()
	h.Write([]byte(ev.EntityType))
	h.Write([]byte{':'})
	h.Write([]byte(ev.EntityID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// runWorker 单分片处理循环，事件按入队顺序串行处理
func (p *Processor) runWorker(shard int) {
	defer p.wg.Done()

	for ev := range p.queues[shard] {
		start := time.Now()
		p.handle(ev)
		metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	}
}

// handle 带重试地处理单个事件。
// 加密失败时事件留在当前协程重试而不丢弃；
// 持久化重试耗尽后转入死信出口。
func (p *Processor) handle(ev *event.Event) {
	var rec *store.Record

	// 构建阶段：加密协作方不可用时无限退避重试，事件不丢失
	backoff := p.opts.Backoff
	for {
		var err error
		rec, err = p.BuildRecord(p.ctx, ev)
		if err == nil {
			break
		}
		if !errors.Is(err, event.ErrEncryption) {
			logger.Error("审计事件构建失败，事件被丢弃",
				zap.String("event_id", ev.ID),
				zap.String("entity_type", ev.EntityType),
				zap.Error(err))
			p.deadLetter(ev, err.Error())
			return
		}

		metrics.EncryptionFailures.Inc()
		logger.Error("加密协作方调用失败，事件保留待重试",
			zap.String("event_id", ev.ID),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if !p.sleep(backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}

	// 持久化阶段：有界重试
	backoff = p.opts.Backoff
	for attempt := 0; ; attempt++ {
		err := p.store.Insert(p.ctx, rec)
		if err == nil {
			p.notifyPersisted(rec, ev)
			return
		}

		if attempt >= p.opts.MaxRetries {
			logger.Error("持久化重试耗尽，事件转入死信",
				zap.String("event_id", ev.ID),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			p.deadLetter(ev, err.Error())
			return
		}

		metrics.PersistRetries.Inc()
		logger.Warn("审计记录写入失败，准备重试",
			zap.String("event_id", ev.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if !p.sleep(backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (p *Processor) notifyPersisted(rec *store.Record, ev *event.Event) {
	p.mu.RLock()
	fn := p.onPersisted
	p.mu.RUnlock()
	if fn != nil {
		fn(rec, ev)
	}
}

func (p *Processor) deadLetter(ev *event.Event, cause string) {
	if p.dead == nil {
		return
	}
	if err := p.dead.Capture(context.Background(), ev, cause); err != nil {
		logger.Error("事件写入死信队列失败",
			zap.String("event_id", ev.ID),
			zap.Error(err))
		return
	}
	metrics.DeadLettered.Inc()
}

// sleep 可中断的退避等待，处理器停止时返回 false
func (p *Processor) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-p.ctx.Done():
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// BuildRecord 将归一化事件转换为可持久化记录：
// 查配置、脱敏、评分、建索引、压缩（必要时加密）载荷、计算 TTL。
func (p *Processor) BuildRecord(ctx context.Context, ev *event.Event) (*store.Record, error) {
	ev.EnsureDefaults()

	cfg := p.lookupConfig(ctx, ev.EntityType)

	masked, residual, err := p.masker.MaskEvent(ctx, ev, cfg)
	if err != nil {
		return nil, err
	}

	if masked.RiskScore == nil {
		score := RiskScore(ev, cfg)
		masked.RiskScore = &score
	}

	payload, err := json.Marshal(masked)
	if err != nil {
		return nil, fmt.Errorf("%w: 序列化事件失败: %v", event.ErrPersistence, err)
	}
	compressed, err := p.compress(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: 压缩载荷失败: %v", event.ErrPersistence, err)
	}

	encrypted := false
	keyID := ""
	if residual {
		if p.masker.keys == nil {
			return nil, fmt.Errorf("%w: 载荷需要加密但未配置密钥服务", event.ErrEncryption)
		}
		cipher, err := p.masker.keys.Encrypt(ctx, compressed, p.masker.KeyID())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", event.ErrEncryption, err)
		}
		compressed = cipher
		encrypted = true
		keyID = p.masker.KeyID()
	}

	var tags []byte
	if len(ev.Tags) > 0 {
		tags, _ = json.Marshal(ev.Tags)
	}

	rec := &store.Record{
		ID:            masked.ID,
		Timestamp:     masked.Timestamp.UTC(),
		EntityType:    masked.EntityType,
		EntityID:      masked.EntityID,
		Operation:     string(masked.Operation),
		UserID:        masked.UserID,
		SessionID:     masked.SessionID,
		IPAddress:     masked.IPAddress,
		CorrelationID: masked.CorrelationID,
		Source:        string(masked.Source),
		RiskScore:     *masked.RiskScore,
		Status:        string(event.StatusPersisted),
		ExpiresAt:     masked.Timestamp.UTC().Add(time.Duration(p.retentionDays(ev, cfg)) * 24 * time.Hour),
		SearchTokens:  store.JoinTokens(BuildTokens(masked, cfg, p.masker)),
		Tags:          tags,
		Payload:       compressed,
		Encrypted:     encrypted,
		KeyID:         keyID,
	}
	if masked.Performance != nil {
		rec.DurationMs = masked.Performance.DurationMs
		rec.StatusCode = masked.Performance.StatusCode
	}
	return rec, nil
}

func (p *Processor) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, p.opts.CompressLevel)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// lookupConfig 查实体最新配置，未生成配置的实体按默认策略处理
func (p *Processor) lookupConfig(ctx context.Context, entityType string) *auditconfig.EntityConfig {
	if p.configs == nil {
		return nil
	}
	cfg, err := p.configs.Latest(ctx, entityType)
	if err != nil {
		if !errors.Is(err, event.ErrConfiguration) {
			logger.Warn("查询实体审计配置失败，按默认策略处理",
				zap.String("entity_type", entityType),
				zap.Error(err))
		}
		return nil
	}
	return cfg
}

// retentionDays 记录保留天数 = 所有被捕获字段的最小保留期
func (p *Processor) retentionDays(ev *event.Event, cfg *auditconfig.EntityConfig) int {
	fields := make(map[string]struct{})
	for f := range ev.OldValues {
		fields[f] = struct{}{}
	}
	for f := range ev.NewValues {
		fields[f] = struct{}{}
	}
	for f := range ev.ChangeSet {
		fields[f] = struct{}{}
	}

	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}

	if cfg != nil {
		return cfg.MinRetentionDays(names)
	}
	return classify.DefaultRetentionPolicy().NonSensitive
}
