package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"audittrail/internal/event"
)

// Period 聚合粒度
type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// AggregateCriteria 聚合条件
type AggregateCriteria struct {
	Period     Period          `json:"period" form:"period"`
	StartDate  *time.Time      `json:"start_date" form:"start_date"`
	EndDate    *time.Time      `json:"end_date" form:"end_date"`
	EntityType string          `json:"entity_type" form:"entity_type"`
	Operation  event.Operation `json:"operation" form:"operation"`
}

// Validate 校验聚合条件
func (c *AggregateCriteria) Validate() error {
	switch c.Period {
	case PeriodHour, PeriodDay, PeriodWeek, PeriodMonth:
	case "":
		c.Period = PeriodDay
	default:
		return fmt.Errorf("%w: 不支持的聚合粒度 %s", event.ErrQuery, c.Period)
	}
	if c.StartDate != nil && c.EndDate != nil && c.EndDate.Before(*c.StartDate) {
		return fmt.Errorf("%w: 结束时间早于开始时间", event.ErrQuery)
	}
	return nil
}

// Bucket 单个时间桶的聚合结果
type Bucket struct {
	PeriodStart   time.Time `json:"period_start"`
	Count         int64     `json:"count"`
	UniqueUsers   int64     `json:"unique_users"`
	AvgDurationMs float64   `json:"avg_duration_ms,omitempty"`
	ErrorRate     float64   `json:"error_rate,omitempty"`
}

// Aggregate 按粒度聚合：事件计数、独立用户数、平均响应耗时与错误率。
// 后两项仅对携带性能数据的记录有意义。
func (s *Store) Aggregate(ctx context.Context, c AggregateCriteria) ([]Bucket, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	parts, err := s.partitionsInRange(ctx, c.StartDate, c.EndDate)
	if err != nil {
		return nil, err
	}

	type acc struct {
		count      int64
		users      map[string]bool
		durTotal   int64
		durCount   int64
		statusAll  int64
		statusErrs int64
	}
	buckets := make(map[time.Time]*acc)

	for _, p := range parts {
		q := s.db.WithContext(ctx).Table(p.Table).
			Select("timestamp", "user_id", "duration_ms", "status_code").
			Where("expires_at > ? OR legal_hold = ?", s.now(), true)
		if c.StartDate != nil {
			q = q.Where("timestamp >= ?", *c.StartDate)
		}
		if c.EndDate != nil {
			q = q.Where("timestamp <= ?", *c.EndDate)
		}
		if c.EntityType != "" {
			q = q.Where("entity_type = ?", c.EntityType)
		}
		if c.Operation != "" {
			q = q.Where("operation = ?", string(c.Operation))
		}

		var rows []Record
		if err := q.Find(&rows).Error; err != nil {
			return nil, err
		}

		for _, r := range rows {
			key := truncatePeriod(r.Timestamp, c.Period)
			b := buckets[key]
			if b == nil {
				b = &acc{users: make(map[string]bool)}
				buckets[key] = b
			}
			b.count++
			if r.UserID != "" {
				b.users[r.UserID] = true
			}
			if r.DurationMs > 0 {
				b.durTotal += r.DurationMs
				b.durCount++
			}
			if r.StatusCode > 0 {
				b.statusAll++
				if r.StatusCode >= 400 {
					b.statusErrs++
				}
			}
		}
	}

	out := make([]Bucket, 0, len(buckets))
	for start, b := range buckets {
		bucket := Bucket{
			PeriodStart: start,
			Count:       b.count,
			UniqueUsers: int64(len(b.users)),
		}
		if b.durCount > 0 {
			bucket.AvgDurationMs = float64(b.durTotal) / float64(b.durCount)
		}
		if b.statusAll > 0 {
			bucket.ErrorRate = float64(b.statusErrs) / float64(b.statusAll)
		}
		out = append(out, bucket)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].PeriodStart.Before(out[j].PeriodStart)
	})
	return out, nil
}

// truncatePeriod 将时间戳对齐到所属桶的起点
func truncatePeriod(t time.Time, p Period) time.Time {
	t = t.UTC()
	switch p {
	case PeriodHour:
		return t.Truncate(time.Hour)
	case PeriodWeek:
		day := t.Truncate(24 * time.Hour)
		// 周一对齐
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(24 * time.Hour)
	}
}
