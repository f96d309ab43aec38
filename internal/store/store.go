package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"audittrail/internal/event"
	"audittrail/internal/kms"
	"audittrail/internal/logger"
	"audittrail/internal/metrics"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store 追加式审计日志存储。
// 按 UTC 日物理分区；写入分区局部，不同分区的并发写入互不竞争。
type Store struct {
	db   *gorm.DB
	keys kms.KeyService
	now  func() time.Time

	// 分区建表互斥；既有分区的写入不经过该锁
	mu         sync.Mutex
	partitions map[string]bool

	archiver      *Archiver
	archiveBefore bool
}

// Option Store 构造选项
type Option func(*Store)

// WithNowFunc 注入时钟（TTL 测试用）
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithKeyService 注入密钥服务，查询引擎解码加密载荷时使用
func WithKeyService(keys kms.KeyService) Option {
	return func(s *Store) { s.keys = keys }
}

// WithArchiver 删除分区前先写入冷归档
func WithArchiver(a *Archiver) Option {
	return func(s *Store) {
		s.archiver = a
		s.archiveBefore = true
	}
}

// NewStore 创建存储
func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:         db,
		now:        func() time.Time { return time.Now().UTC() },
		partitions: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate 创建登记表与保全表
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Partition{}, &EntityHold{})
}

// partitionKey 计算时间所属的分区键
func partitionKey(t time.Time) string {
	return t.UTC().Format("20060102")
}

// partitionTable 分区物理表名
func partitionTable(key string) string {
	return "audit_events_" + key
}

// ensurePartition 确保分区表存在并登记。
// 建表是幂等 DDL，始终在调用方事务之外执行。
func (s *Store) ensurePartition(ctx context.Context, key string) (string, error) {
	table := partitionTable(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.partitions[key] {
		return table, nil
	}

	if err := s.db.WithContext(ctx).Table(table).AutoMigrate(&Record{}); err != nil {
		return "", fmt.Errorf("创建分区表 %s 失败: %w", table, err)
	}

	p := &Partition{Key: key, Table: table, CreatedAt: s.now()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(p).Error
	if err != nil {
		return "", fmt.Errorf("登记分区 %s 失败: %w", key, err)
	}

	s.partitions[key] = true
	return table, nil
}

// Insert 写入一条记录。同一 ID 重复提交是幂等的（首次写入生效）。
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	return s.insert(ctx, s.db, rec)
}

// InsertWith 在调用方提供的事务句柄内写入，
// 供数据库变更适配器的同步路径使用：审计写入与业务变更同生共死。
func (s *Store) InsertWith(ctx context.Context, tx *gorm.DB, rec *Record) error {
	return s.insert(ctx, tx, rec)
}

func (s *Store) insert(ctx context.Context, db *gorm.DB, rec *Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: 记录缺少 ID", event.ErrPersistence)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	if rec.Status == "" {
		rec.Status = string(event.StatusPersisted)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	// 实体保全覆盖新写入的记录
	if !rec.LegalHold && s.entityOnHold(ctx, rec.EntityType, rec.EntityID) {
		rec.LegalHold = true
	}

	table, err := s.ensurePartition(ctx, partitionKey(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("%w: %v", event.ErrPersistence, err)
	}

	err = db.WithContext(ctx).Table(table).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("%w: %v", event.ErrPersistence, err)
	}

	metrics.RecordsPersisted.Inc()
	return nil
}

// entityOnHold 查询实体是否处于法律保全
func (s *Store) entityOnHold(ctx context.Context, entityType, entityID string) bool {
	if entityType == "" || entityID == "" {
		return false
	}
	var count int64
	s.db.WithContext(ctx).Model(&EntityHold{}).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Count(&count)
	return count > 0
}

// listPartitions 返回登记的全部分区，按键升序
func (s *Store) listPartitions(ctx context.Context) ([]Partition, error) {
	var parts []Partition
	err := s.db.WithContext(ctx).Order("key ASC").Find(&parts).Error
	if err != nil {
		return nil, err
	}
	return parts, nil
}

// partitionsInRange 返回与时间范围相交的分区
func (s *Store) partitionsInRange(ctx context.Context, start, end *time.Time) ([]Partition, error) {
	parts, err := s.listPartitions(ctx)
	if err != nil {
		return nil, err
	}

	var out []Partition
	for _, p := range parts {
		if start != nil && p.Key < partitionKey(*start) {
			continue
		}
		if end != nil && p.Key > partitionKey(*end) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// GetByID 按 ID 取单条记录（倒序扫描分区，新记录优先命中）
func (s *Store) GetByID(ctx context.Context, id string) (*Record, error) {
	parts, err := s.listPartitions(ctx)
	if err != nil {
		return nil, err
	}

	for i := len(parts) - 1; i >= 0; i-- {
		var rec Record
		err := s.db.WithContext(ctx).Table(parts[i].Table).
			Where("id = ?", id).
			Take(&rec).Error
		if err == nil {
			if s.visible(&rec) {
				return &rec, nil
			}
			return nil, gorm.ErrRecordNotFound
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// visible 记录是否对查询可见：未过期，或处于法律保全
func (s *Store) visible(rec *Record) bool {
	if rec.LegalHold {
		return true
	}
	return rec.ExpiresAt.After(s.now())
}

// SetLegalHold 对单条记录设置/解除法律保全
func (s *Store) SetLegalHold(ctx context.Context, id string, hold bool) error {
	parts, err := s.listPartitions(ctx)
	if err != nil {
		return err
	}

	for _, p := range parts {
		result := s.db.WithContext(ctx).Table(p.Table).
			Where("id = ?", id).
			Update("legal_hold", hold)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

// HoldEntity 对实体设置法律保全：登记保全并覆盖既有记录
func (s *Store) HoldEntity(ctx context.Context, entityType, entityID, reason string) error {
	hold := &EntityHold{
		EntityType: entityType,
		EntityID:   entityID,
		Reason:     reason,
		CreatedAt:  s.now(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(hold).Error
	if err != nil {
		return err
	}

	parts, err := s.listPartitions(ctx)
	if err != nil {
		return err
	}
	for _, p := range parts {
		err := s.db.WithContext(ctx).Table(p.Table).
			Where("entity_type = ? AND entity_id = ?", entityType, entityID).
			Update("legal_hold", true).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// Purge 删除全部记录均已过期且无保全的分区。
// 返回被删除的分区键。配置了归档器时先落冷归档再删除。
func (s *Store) Purge(ctx context.Context) ([]string, error) {
	parts, err := s.listPartitions(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var purged []string

	for _, p := range parts {
		var blocking int64
		err := s.db.WithContext(ctx).Table(p.Table).
			Where("expires_at > ? OR legal_hold = ?", now, true).
			Count(&blocking).Error
		if err != nil {
			return purged, err
		}
		if blocking > 0 {
			continue
		}

		if s.archiveBefore && s.archiver != nil && !p.Archived {
			if _, err := s.archiver.ArchivePartition(ctx, s, p); err != nil {
				logger.Error("分区归档失败，跳过清理",
					zap.String("partition", p.Key),
					zap.Error(err),
				)
				continue
			}
			metrics.PartitionsArchived.Inc()
		}

		if err := s.db.WithContext(ctx).Migrator().DropTable(p.Table); err != nil {
			return purged, fmt.Errorf("删除分区 %s 失败: %w", p.Key, err)
		}
		if err := s.db.WithContext(ctx).Delete(&Partition{}, "key = ?", p.Key).Error; err != nil {
			return purged, err
		}

		s.mu.Lock()
		delete(s.partitions, p.Key)
		s.mu.Unlock()

		metrics.PartitionsPurged.Inc()
		purged = append(purged, p.Key)
		logger.Info("分区已清理", zap.String("partition", p.Key))
	}

	sort.Strings(purged)
	return purged, nil
}

// Decode 还原记录的事件载荷：先解密（如有）再解压
func (s *Store) Decode(ctx context.Context, rec *Record) (*event.Event, error) {
	payload := rec.Payload

	if rec.Encrypted {
		if s.keys == nil {
			return nil, fmt.Errorf("记录 %s 已加密但未配置密钥服务", rec.ID)
		}
		plain, err := s.keys.Decrypt(ctx, payload, rec.KeyID)
		if err != nil {
			return nil, fmt.Errorf("解密载荷失败: %w", err)
		}
		payload = plain
	}

	gz, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("解压载荷失败: %w", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("读取载荷失败: %w", err)
	}

	var ev event.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("解析载荷失败: %w", err)
	}
	return &ev, nil
}
