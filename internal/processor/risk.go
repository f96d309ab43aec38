package processor

import (
	"net"

	"audittrail/internal/auditconfig"
	"audittrail/internal/event"
)

// operationWeight 操作基础风险权重
var operationWeight = map[event.Operation]int{
	event.OpCreate: 10,
	event.OpSelect: 10,
	event.OpUpdate: 20,
	event.OpDelete: 35,
}

// levelWeight 实体审计级别附加权重，级别越高的实体风险基线越高
var levelWeight = map[auditconfig.AuditLevel]int{
	auditconfig.LevelNone:     0,
	auditconfig.LevelBasic:    0,
	auditconfig.LevelDetailed: 10,
	auditconfig.LevelFull:     20,
}

// severityWeight 安全事件级别附加权重
var severityWeight = map[event.Severity]int{
	event.SeverityInfo:     0,
	event.SeverityWarning:  10,
	event.SeverityError:    15,
	event.SeverityCritical: 25,
}

// RiskScore 计算事件风险评分（0~100）。
// 纯函数：同一事件与配置恒产出相同分值。
func RiskScore(ev *event.Event, cfg *auditconfig.EntityConfig) int {
	score := operationWeight[ev.Operation]

	if cfg != nil {
		score += levelWeight[cfg.AuditLevel]
		// 本次变更触及敏感字段
		for field := range ev.ChangeSet {
			if f := cfg.FieldByName(field); f != nil && f.IsSensitive {
				score += 15
				break
			}
		}
	}

	// 非工作时段操作
	hour := ev.Timestamp.UTC().Hour()
	if hour < 6 || hour >= 22 {
		score += 15
	}

	// 来源为公网地址
	if ip := net.ParseIP(ev.IPAddress); ip != nil {
		if !ip.IsLoopback() && !ip.IsPrivate() {
			score += 10
		}
	}

	if ev.Security != nil {
		score += severityWeight[ev.Security.Severity]
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}
