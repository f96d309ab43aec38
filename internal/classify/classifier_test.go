package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		fieldName string
		want      PIIType
	}{
		{"password", PIICredential},
		{"api_key", PIICredential},
		{"apikey", PIICredential},
		{"refresh_token", PIICredential},
		{"ssn", PIISSN},
		{"social_security_number", PIISSN},
		{"credit_card", PIICreditCard},
		{"card_number", PIICreditCard},
		{"email", PIIEmail},
		{"user_email", PIIEmail},
		{"phone", PIIPhone},
		{"mobile_number", PIIPhone},
		{"home_address", PIIAddress},
		{"zipcode", PIIAddress},
		{"first_name", PIIName},
		{"name", PIIName},
		{"created_at", PIINone},
		{"status", PIINone},
		{"amount", PIINone},
	}

	for _, tt := range tests {
		t.Run(tt.fieldName, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.fieldName, ""))
		})
	}
}

func TestClassify_OrderedFirstMatchWins(t *testing.T) {
	// api_key_name 同时能被 credential 与 name 规则覆盖，
	// 规则表有序，credential 在前必须胜出
	assert.Equal(t, PIICredential, Classify("api_key_name", ""))
}

func TestClassify_AnnotationOverride(t *testing.T) {
	// 显式标注优先于规则匹配
	assert.Equal(t, PIISSN, Classify("external_ref", PIISSN))
	assert.Equal(t, PIINone, Classify("password", PIINone))
}

func TestStrategyFor(t *testing.T) {
	assert.Equal(t, MaskHash, StrategyFor(PIICredential))
	assert.Equal(t, MaskEncrypt, StrategyFor(PIISSN))
	assert.Equal(t, MaskEncrypt, StrategyFor(PIICreditCard))
	assert.Equal(t, MaskPartial, StrategyFor(PIIEmail))
	assert.Equal(t, MaskFull, StrategyFor(PIIPhone))
	assert.Equal(t, MaskFull, StrategyFor(PIIAddress))
	assert.Equal(t, MaskFull, StrategyFor(PIIName))
	assert.Equal(t, MaskNone, StrategyFor(PIINone))
}

func TestRetentionFor(t *testing.T) {
	p := DefaultRetentionPolicy()

	assert.Equal(t, 90, p.RetentionFor(PIICredential))
	assert.Equal(t, 365, p.RetentionFor(PIISSN))
	assert.Equal(t, 365, p.RetentionFor(PIICreditCard))
	assert.Equal(t, 1095, p.RetentionFor(PIIEmail))
	assert.Equal(t, 2555, p.RetentionFor(PIINone))
}

func TestRetentionFor_PolicyOverride(t *testing.T) {
	// 部署策略可按类别覆盖默认保留期，未覆盖的字段回落默认值
	p := RetentionPolicy{Credential: 30}

	assert.Equal(t, 30, p.RetentionFor(PIICredential))
	assert.Equal(t, 365, p.RetentionFor(PIISSN))
}
