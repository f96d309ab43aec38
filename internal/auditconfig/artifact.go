package auditconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"audittrail/internal/event"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ConfigRecord 持久化的配置工件。
// 每次重新生成写入新版本，旧版本保留不改。
type ConfigRecord struct {
	ID         string         `gorm:"type:uuid;primaryKey" json:"id"`
	EntityName string         `gorm:"type:varchar(200);not null;uniqueIndex:idx_config_entity_version" json:"entity_name"`
	Version    int            `gorm:"not null;uniqueIndex:idx_config_entity_version" json:"version"`
	AuditLevel string         `gorm:"type:varchar(20);not null" json:"audit_level"`
	Payload    datatypes.JSON `gorm:"not null" json:"payload"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (r *ConfigRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return nil
}

// TableName 指定表名
func (ConfigRecord) TableName() string {
	return "audit_entity_configs"
}

// Store 配置工件存取服务
type Store struct {
	db *gorm.DB
}

// NewStore 创建配置存取服务
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate 建表
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&ConfigRecord{})
}

// Save 写入配置的下一个版本并返回保存后的配置。
// 版本号基于当前最大版本递增，配置本身从不被原地修改。
func (s *Store) Save(ctx context.Context, cfg *EntityConfig) (*EntityConfig, error) {
	var maxVersion int
	err := s.db.WithContext(ctx).
		Model(&ConfigRecord{}).
		Where("entity_name = ?", cfg.EntityName).
		Select("COALESCE(MAX(version), 0)").
		Scan(&maxVersion).Error
	if err != nil {
		return nil, fmt.Errorf("查询配置版本失败: %w", err)
	}

	saved := *cfg
	saved.Version = maxVersion + 1

	payload, err := json.Marshal(&saved)
	if err != nil {
		return nil, fmt.Errorf("序列化配置失败: %w", err)
	}

	record := &ConfigRecord{
		EntityName: saved.EntityName,
		Version:    saved.Version,
		AuditLevel: string(saved.AuditLevel),
		Payload:    payload,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("保存配置失败: %w", err)
	}

	return &saved, nil
}

// Latest 获取实体的最新配置；不存在时返回 ErrConfiguration 包装错误
func (s *Store) Latest(ctx context.Context, entityName string) (*EntityConfig, error) {
	var record ConfigRecord
	err := s.db.WithContext(ctx).
		Where("entity_name = ?", entityName).
		Order("version DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: 实体 %s 没有审计配置", event.ErrConfiguration, entityName)
		}
		return nil, err
	}

	var cfg EntityConfig
	if err := json.Unmarshal(record.Payload, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置工件失败: %w", err)
	}
	return &cfg, nil
}

// List 列出全部实体的最新配置记录
func (s *Store) List(ctx context.Context) ([]ConfigRecord, error) {
	var records []ConfigRecord
	err := s.db.WithContext(ctx).
		Order("entity_name ASC, version DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	// 仅保留每个实体的最高版本
	latest := make([]ConfigRecord, 0, len(records))
	seen := make(map[string]bool)
	for _, r := range records {
		if seen[r.EntityName] {
			continue
		}
		seen[r.EntityName] = true
		latest = append(latest, r)
	}
	return latest, nil
}
