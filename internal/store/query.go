package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"audittrail/internal/event"
	"audittrail/internal/metrics"

	"gorm.io/gorm"
)

// Criteria 查询条件
type Criteria struct {
	StartDate      *time.Time        `json:"start_date" form:"start_date"`
	EndDate        *time.Time        `json:"end_date" form:"end_date"`
	EntityType     string            `json:"entity_type" form:"entity_type"`
	EntityID       string            `json:"entity_id" form:"entity_id"`
	UserID         string            `json:"user_id" form:"user_id"`
	Operations     []event.Operation `json:"operations" form:"operations"`
	IPAddress      string            `json:"ip_address" form:"ip_address"`
	CorrelationID  string            `json:"correlation_id" form:"correlation_id"`
	Tags           []string          `json:"tags" form:"tags"`
	SearchText     string            `json:"search_text" form:"search_text"`
	Limit          int               `json:"limit" form:"limit"`
	Offset         int               `json:"offset" form:"offset"`
	OrderBy        string            `json:"order_by" form:"order_by"`
	OrderDirection string            `json:"order_direction" form:"order_direction"`
}

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// 允许的排序列
var orderableColumns = map[string]bool{
	"timestamp":  true,
	"risk_score": true,
	"created_at": true,
}

// Validate 校验并规范化查询条件；非法条件返回 ErrQuery 包装错误
func (c *Criteria) Validate() error {
	if c.Limit < 0 {
		return fmt.Errorf("%w: limit 不能为负数", event.ErrQuery)
	}
	if c.Limit == 0 {
		c.Limit = defaultLimit
	}
	if c.Limit > maxLimit {
		return fmt.Errorf("%w: limit 超过上限 %d", event.ErrQuery, maxLimit)
	}
	if c.Offset < 0 {
		return fmt.Errorf("%w: offset 不能为负数", event.ErrQuery)
	}
	if c.StartDate != nil && c.EndDate != nil && c.EndDate.Before(*c.StartDate) {
		return fmt.Errorf("%w: 结束时间早于开始时间", event.ErrQuery)
	}

	if c.OrderBy == "" {
		c.OrderBy = "timestamp"
	}
	if !orderableColumns[c.OrderBy] {
		return fmt.Errorf("%w: 不支持按 %s 排序", event.ErrQuery, c.OrderBy)
	}

	switch strings.ToLower(c.OrderDirection) {
	case "":
		c.OrderDirection = "desc"
	case "asc", "desc":
		c.OrderDirection = strings.ToLower(c.OrderDirection)
	default:
		return fmt.Errorf("%w: 排序方向必须为 asc 或 desc", event.ErrQuery)
	}

	for _, op := range c.Operations {
		switch op {
		case event.OpCreate, event.OpUpdate, event.OpDelete, event.OpSelect:
		default:
			return fmt.Errorf("%w: 未知操作类型 %s", event.ErrQuery, op)
		}
	}

	return nil
}

// StoredEvent 查询结果条目：记录元数据 + 还原后的事件（脱敏形态）
type StoredEvent struct {
	Record Record       `json:"record"`
	Event  *event.Event `json:"event,omitempty"`
}

// Result 分页查询结果
type Result struct {
	Items []StoredEvent `json:"items"`
	Total int64         `json:"total"` // 总数提示
}

// Query 按条件检索。快照式读取已提交分区，不阻塞写入也不被写入阻塞。
// 全文检索只匹配预计算的 token 列，绝不触碰原始敏感字段。
func (s *Store) Query(ctx context.Context, c Criteria) (*Result, error) {
	if err := c.Validate(); err != nil {
		metrics.QueriesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	parts, err := s.partitionsInRange(ctx, c.StartDate, c.EndDate)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	var (
		rows  []Record
		total int64
	)
	for _, p := range parts {
		q := s.applyCriteria(s.db.WithContext(ctx).Table(p.Table), c)

		var count int64
		if err := q.Count(&count).Error; err != nil {
			metrics.QueriesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		total += count
		if count == 0 {
			continue
		}

		var partRows []Record
		if err := q.Find(&partRows).Error; err != nil {
			metrics.QueriesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		rows = append(rows, partRows...)
	}

	s.sortRecords(rows, c)

	// 跨分区合并后统一分页
	start := c.Offset
	if start > len(rows) {
		start = len(rows)
	}
	end := start + c.Limit
	if end > len(rows) {
		end = len(rows)
	}
	rows = rows[start:end]

	items := make([]StoredEvent, 0, len(rows))
	for i := range rows {
		item := StoredEvent{Record: rows[i]}
		if ev, err := s.Decode(ctx, &rows[i]); err == nil {
			item.Event = ev
		}
		items = append(items, item)
	}

	metrics.QueriesTotal.WithLabelValues("ok").Inc()
	return &Result{Items: items, Total: total}, nil
}

// applyCriteria 构建分区内的过滤条件
func (s *Store) applyCriteria(q *gorm.DB, c Criteria) *gorm.DB {
	// TTL 可见性：未过期或处于法律保全
	q = q.Where("expires_at > ? OR legal_hold = ?", s.now(), true)

	if c.StartDate != nil {
		q = q.Where("timestamp >= ?", *c.StartDate)
	}
	if c.EndDate != nil {
		q = q.Where("timestamp <= ?", *c.EndDate)
	}
	if c.EntityType != "" {
		q = q.Where("entity_type = ?", c.EntityType)
	}
	if c.EntityID != "" {
		q = q.Where("entity_id = ?", c.EntityID)
	}
	if c.UserID != "" {
		q = q.Where("user_id = ?", c.UserID)
	}
	if len(c.Operations) > 0 {
		ops := make([]string, len(c.Operations))
		for i, op := range c.Operations {
			ops[i] = string(op)
		}
		q = q.Where("operation IN ?", ops)
	}
	if c.IPAddress != "" {
		q = q.Where("ip_address = ?", c.IPAddress)
	}
	if c.CorrelationID != "" {
		q = q.Where("correlation_id = ?", c.CorrelationID)
	}
	for _, tag := range c.Tags {
		q = q.Where("search_tokens LIKE ?", "%"+tokenPattern("tag:"+tag)+"%")
	}
	if c.SearchText != "" {
		for _, tok := range SplitTokens(c.SearchText) {
			q = q.Where("search_tokens LIKE ?", "%"+tokenPattern(tok)+"%")
		}
	}

	return q
}

// tokenPattern token 在列中以空格分隔存储，匹配时带上边界空格
func tokenPattern(tok string) string {
	return " " + strings.ToLower(tok) + " "
}

// SplitTokens 将检索文本切分为小写 token
func SplitTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', ',', ';', '/', '\\':
			return true
		}
		return false
	})

	var out []string
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// JoinTokens 将 token 集合编码为带边界空格的检索列
func JoinTokens(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	return " " + strings.Join(tokens, " ") + " "
}

// sortRecords 按条件排序合并结果
func (s *Store) sortRecords(rows []Record, c Criteria) {
	asc := c.OrderDirection == "asc"
	sort.SliceStable(rows, func(i, j int) bool {
		var less bool
		switch c.OrderBy {
		case "risk_score":
			if rows[i].RiskScore == rows[j].RiskScore {
				less = rows[i].Timestamp.Before(rows[j].Timestamp)
			} else {
				less = rows[i].RiskScore < rows[j].RiskScore
			}
		case "created_at":
			less = rows[i].CreatedAt.Before(rows[j].CreatedAt)
		default:
			less = rows[i].Timestamp.Before(rows[j].Timestamp)
		}
		if asc {
			return less
		}
		return !less
	})
}
