package classify

import (
	"regexp"
	"strings"
)

// PIIType 个人敏感信息类型
type PIIType string

const (
	PIIEmail      PIIType = "email"      // 邮箱
	PIISSN        PIIType = "ssn"        // 社会保障号 / 证件号
	PIICreditCard PIIType = "creditCard" // 银行卡号
	PIIPhone      PIIType = "phone"      // 电话号码
	PIIAddress    PIIType = "address"    // 地址
	PIIName       PIIType = "name"       // 姓名
	PIICredential PIIType = "credential" // 凭据（密码、密钥、令牌）
	PIINone       PIIType = "none"       // 非敏感
)

// MaskingStrategy 脱敏策略
type MaskingStrategy string

const (
	MaskFull    MaskingStrategy = "full"    // 完全遮盖
	MaskPartial MaskingStrategy = "partial" // 部分可见
	MaskHash    MaskingStrategy = "hash"    // 单向哈希
	MaskEncrypt MaskingStrategy = "encrypt" // 加密（交由密钥服务）
	MaskNone    MaskingStrategy = "none"    // 不处理
)

// rule 分类规则：按顺序逐条匹配字段名，首个命中者生效
type rule struct {
	pattern *regexp.Regexp
	piiType PIIType
}

// rules 静态有序规则表。
// credential 必须排在最前，避免 api_key_name 之类的字段被 name 规则抢先命中。
var rules = []rule{
	{regexp.MustCompile(`(?i)(password|passwd|secret|credential|api_?key|access_?key|private_?key|token)`), PIICredential},
	{regexp.MustCompile(`(?i)(ssn|social_?security|national_?id|id_?card)`), PIISSN},
	{regexp.MustCompile(`(?i)(credit_?card|card_?(number|no)|ccnum|iban)`), PIICreditCard},
	{regexp.MustCompile(`(?i)e?[-_]?mail`), PIIEmail},
	{regexp.MustCompile(`(?i)(phone|mobile|telephone|fax)`), PIIPhone},
	{regexp.MustCompile(`(?i)(address|street|city|zipcode|postal)`), PIIAddress},
	{regexp.MustCompile(`(?i)^((first|last|full|middle|sur|given|nick)[-_]?name|name)$`), PIIName},
}

// Classify 根据字段名推断 PII 类型。
// annotation 为字段上的显式标注，始终优先于规则匹配；
// 无标注且无规则命中时按非敏感处理（保守默认，下游可通过标注覆盖）。
func Classify(fieldName string, annotation PIIType) PIIType {
	if annotation != "" {
		return annotation
	}

	name := strings.TrimSpace(fieldName)
	for _, r := range rules {
		if r.pattern.MatchString(name) {
			return r.piiType
		}
	}
	return PIINone
}

// IsSensitive 判断类型是否为敏感类型
func IsSensitive(t PIIType) bool {
	return t != PIINone && t != ""
}

// StrategyFor 按 PII 类型分配脱敏策略
func StrategyFor(t PIIType) MaskingStrategy {
	switch t {
	case PIICredential:
		return MaskHash
	case PIISSN, PIICreditCard:
		return MaskEncrypt
	case PIIEmail:
		return MaskPartial
	case PIINone, "":
		return MaskNone
	default:
		return MaskFull
	}
}

// RetentionPolicy 保留期策略（单位：天），零值字段回退到默认值
type RetentionPolicy struct {
	Credential   int // 凭据类
	Financial    int // ssn / creditCard
	Sensitive    int // 其余敏感类型
	NonSensitive int // 非敏感
}

// DefaultRetentionPolicy 默认保留期
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		Credential:   90,
		Financial:    365,
		Sensitive:    1095,
		NonSensitive: 2555,
	}
}

// RetentionFor 按 PII 类型分配保留天数
func (p RetentionPolicy) RetentionFor(t PIIType) int {
	pick := func(v, fallback int) int {
		if v > 0 {
			return v
		}
		return fallback
	}

	def := DefaultRetentionPolicy()
	switch t {
	case PIICredential:
		return pick(p.Credential, def.Credential)
	case PIISSN, PIICreditCard:
		return pick(p.Financial, def.Financial)
	case PIINone, "":
		return pick(p.NonSensitive, def.NonSensitive)
	default:
		return pick(p.Sensitive, def.Sensitive)
	}
}
