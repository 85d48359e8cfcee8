package kms

import (
	"github.com/tjfoc/gmsm/sm3"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// 应用盐，建议发布时用 -ldflags 覆盖
	appSalt = "MacMonitor_Audit_S@lt_2026_GM"

	// SM4 密钥 128 位
	keyLen = 16

	iterations = 4096
)

// deriveKey 硬件指纹 -> PBKDF2(SM3) -> 16字节 SM4 密钥
func deriveKey(fingerprint string) []byte {
	return pbkdf2.Key([]byte(fingerprint), []byte(appSalt), iterations, keyLen, sm3.New)
}
