package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// KeyService 密钥管理协作方接口。
// 审计子系统只依赖该接口，真实实现（外部 KMS）在部署时注入。
type KeyService interface {
	Encrypt(ctx context.Context, plaintext []byte, keyID string) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte, keyID string) ([]byte, error)
}

// LocalKeyService 本地 AES-GCM 实现。
// 主密钥种子取自环境变量，按 keyID 派生子密钥。
// 密钥轮换只影响新写入的记录：已落盘的密文保留写入时的 keyID，
// 解密时继续使用当时的派生密钥。
type LocalKeyService struct {
	mu   sync.Mutex
	seed []byte
	keys map[string][]byte
}

// NewLocalKeyService 创建本地密钥服务
func NewLocalKeyService() *LocalKeyService {
	seed := strings.TrimSpace(os.Getenv("AUDIT_MASTER_KEY"))
	if seed == "" {
		seed = "audittrail_dev_master_key_change_me"
	}
	return &LocalKeyService{
		seed: []byte(seed),
		keys: make(map[string][]byte),
	}
}

// deriveKey 由主种子和 keyID 派生 256 位子密钥
func (s *LocalKeyService) deriveKey(keyID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.keys[keyID]; ok {
		return key
	}
	sum := sha256.Sum256(append(append([]byte{}, s.seed...), []byte(keyID)...))
	key := sum[:]
	s.keys[keyID] = key
	return key
}

// Encrypt 使用 AES-GCM 加密，返回包含随机 Nonce 的密文
func (s *LocalKeyService) Encrypt(ctx context.Context, plaintext []byte, keyID string) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("待加密内容不能为空")
	}

	block, err := aes.NewCipher(s.deriveKey(keyID))
	if err != nil {
		return nil, fmt.Errorf("初始化密钥失败: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("初始化 GCM 失败: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("生成随机数失败: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt 对 Encrypt 生成的密文进行解密
func (s *LocalKeyService) Decrypt(ctx context.Context, ciphertext []byte, keyID string) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("密文不能为空")
	}

	block, err := aes.NewCipher(s.deriveKey(keyID))
	if err != nil {
		return nil, fmt.Errorf("初始化密钥失败: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("初始化 GCM 失败: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("密文长度无效")
	}

	plain, err := gcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("解密失败: %w", err)
	}
	return plain, nil
}
