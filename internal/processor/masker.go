package processor

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"audittrail/internal/auditconfig"
	"audittrail/internal/classify"
	"audittrail/internal/event"
	"audittrail/internal/kms"
)

// RedactionMarker 固定脱敏标记
const RedactionMarker = "[REDACTED]"

// Masker 字段脱敏器。
// hash/partial/full 是确定性变换：相同输入恒产出相同脱敏值；
// encrypt 委托密钥服务，密文携带 keyID 前缀。
type Masker struct {
	salt  string
	keys  kms.KeyService
	keyID string
}

// NewMasker 创建脱敏器
func NewMasker(salt string, keys kms.KeyService, keyID string) *Masker {
	if keyID == "" {
		keyID = "audit-default"
	}
	return &Masker{salt: salt, keys: keys, keyID: keyID}
}

// KeyID 当前写入使用的密钥标识
func (m *Masker) KeyID() string {
	return m.keyID
}

// HashToken 生成短确定性单向摘要
func (m *Masker) HashToken(value string) string {
	sum := sha256.Sum256([]byte(m.salt + value))
	return "h:" + hex.EncodeToString(sum[:])[:12]
}

// MaskValue 按策略变换单个值
func (m *Masker) MaskValue(ctx context.Context, strategy classify.MaskingStrategy, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}

	str := fmt.Sprintf("%v", value)

	switch strategy {
	case classify.MaskNone, "":
		return value, nil
	case classify.MaskHash:
		return m.HashToken(str), nil
	case classify.MaskFull:
		return RedactionMarker, nil
	case classify.MaskPartial:
		return partialMask(str), nil
	case classify.MaskEncrypt:
		if m.keys == nil {
			return nil, fmt.Errorf("%w: 未配置密钥服务", event.ErrEncryption)
		}
		cipher, err := m.keys.Encrypt(ctx, []byte(str), m.keyID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", event.ErrEncryption, err)
		}
		return "enc:" + m.keyID + ":" + base64.StdEncoding.EncodeToString(cipher), nil
	default:
		// 未知策略按完全遮盖处理
		return RedactionMarker, nil
	}
}

// partialMask 部分可见脱敏。
// 邮箱保留首字符与域名；其他值保留首尾字符。
func partialMask(s string) string {
	if at := strings.IndexByte(s, '@'); at > 0 {
		return s[:1] + "***@" + s[at+1:]
	}
	if len(s) <= 2 {
		return RedactionMarker
	}
	return s[:1] + strings.Repeat("*", len(s)-2) + s[len(s)-1:]
}

// MaskEvent 对事件应用实体配置中的字段脱敏策略，返回脱敏副本。
// residual 表示脱敏后仍有敏感衍生内容（哈希/密文），
// 序列化层据此决定是否整体加密载荷。
func (m *Masker) MaskEvent(ctx context.Context, ev *event.Event, cfg *auditconfig.EntityConfig) (*event.Event, bool, error) {
	masked := *ev
	residual := false

	if cfg == nil {
		return &masked, false, nil
	}

	strategyOf := func(field string) classify.MaskingStrategy {
		if f := cfg.FieldByName(field); f != nil && f.IsSensitive {
			return f.MaskingStrategy
		}
		return classify.MaskNone
	}

	maskMap := func(values map[string]interface{}) (map[string]interface{}, error) {
		if values == nil {
			return nil, nil
		}
		out := make(map[string]interface{}, len(values))
		for field, val := range values {
			strategy := strategyOf(field)
			if strategy == classify.MaskNone {
				out[field] = val
				continue
			}
			mv, err := m.MaskValue(ctx, strategy, val)
			if err != nil {
				return nil, err
			}
			out[field] = mv
			if strategy == classify.MaskHash || strategy == classify.MaskEncrypt {
				residual = true
			}
		}
		return out, nil
	}

	var err error
	if masked.OldValues, err = maskMap(ev.OldValues); err != nil {
		return nil, false, err
	}
	if masked.NewValues, err = maskMap(ev.NewValues); err != nil {
		return nil, false, err
	}

	if ev.ChangeSet != nil {
		cs := make(map[string]event.FieldChange, len(ev.ChangeSet))
		for field, change := range ev.ChangeSet {
			strategy := strategyOf(field)
			if strategy == classify.MaskNone {
				cs[field] = change
				continue
			}
			oldMasked, err := m.MaskValue(ctx, strategy, change.Old)
			if err != nil {
				return nil, false, err
			}
			newMasked, err := m.MaskValue(ctx, strategy, change.New)
			if err != nil {
				return nil, false, err
			}
			cs[field] = event.FieldChange{Old: oldMasked, New: newMasked}
			if strategy == classify.MaskHash || strategy == classify.MaskEncrypt {
				residual = true
			}
		}
		masked.ChangeSet = cs
	}

	return &masked, residual, nil
}
