package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ExportFormat 导出格式
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// exportMaxRows 单次导出条数上限
const exportMaxRows = 10000

// ExportResult 导出结果
type ExportResult struct {
	Data        []byte `json:"data,omitempty"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	TotalCount  int    `json:"totalCount"`
}

// Exporter 审计记录导出器。
// 导出的是查询引擎可见的脱敏形态，原始敏感值不会出现在导出文件里。
type Exporter struct {
	store *Store
}

// NewExporter 创建导出器
func NewExporter(s *Store) *Exporter {
	return &Exporter{store: s}
}

// Export 按条件导出审计记录
func (e *Exporter) Export(ctx context.Context, criteria Criteria, format ExportFormat) (*ExportResult, error) {
	if criteria.Limit <= 0 || criteria.Limit > exportMaxRows {
		criteria.Limit = exportMaxRows
	}

	result, err := e.store.Query(ctx, criteria)
	if err != nil {
		return nil, fmt.Errorf("查询审计记录失败: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102_150405")

	switch format {
	case FormatCSV:
		return e.exportCSV(result.Items, timestamp)
	case FormatJSON:
		return e.exportJSON(result.Items, timestamp)
	default:
		return e.exportJSON(result.Items, timestamp)
	}
}

func (e *Exporter) exportCSV(items []StoredEvent, timestamp string) (*ExportResult, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{"ID", "时间", "实体类型", "实体ID", "操作", "用户ID", "来源", "关联ID", "风险评分", "变更详情"}
	if err := writer.Write(header); err != nil {
		return nil, err
	}

	for _, item := range items {
		changes := ""
		if item.Event != nil && item.Event.ChangeSet != nil {
			if b, err := json.Marshal(item.Event.ChangeSet); err == nil {
				changes = string(b)
			}
		}

		row := []string{
			item.Record.ID,
			item.Record.Timestamp.Format(time.RFC3339),
			item.Record.EntityType,
			item.Record.EntityID,
			item.Record.Operation,
			item.Record.UserID,
			item.Record.Source,
			item.Record.CorrelationID,
			strconv.Itoa(item.Record.RiskScore),
			changes,
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}

	return &ExportResult{
		Data:        buf.Bytes(),
		Filename:    fmt.Sprintf("audit_events_%s.csv", timestamp),
		ContentType: "text/csv; charset=utf-8",
		TotalCount:  len(items),
	}, nil
}

func (e *Exporter) exportJSON(items []StoredEvent, timestamp string) (*ExportResult, error) {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, err
	}

	return &ExportResult{
		Data:        data,
		Filename:    fmt.Sprintf("audit_events_%s.json", timestamp),
		ContentType: "application/json; charset=utf-8",
		TotalCount:  len(items),
	}, nil
}
