// Package security 本地数据保护
package security

import (
	"fmt"
	"os"
	"sync"

	"github.com/jianbinzhang1987/mac-monitor/internal/security/gmcipher"
	"github.com/jianbinzhang1987/mac-monitor/internal/security/kms"
)

// localEngine 是一个单例 SM4 引擎，用于本地落盘数据（截屏图片等）的加解密
// 密钥由硬件指纹派生，换机器后历史文件无法解开，这是预期行为
var (
	localEngine *gmcipher.Engine
	initOnce    sync.Once
)

// Setup 初始化安全模块
// 必须在截屏存储可用之前调用（main.go 启动阶段）
func Setup() error {
	var err error
	initOnce.Do(func() {
		// 1. 初始化密钥管理服务 (KMS)
		// 这会触发硬件指纹采集和密钥派生
		if e := kms.Default.Initialize(); e != nil {
			err = fmt.Errorf("security setup failed: %v", e)
			return
		}

		// 2. 初始化本地加解密引擎
		localEngine = gmcipher.New(kms.Default)
	})
	return err
}

// ==========================================
// 本地数据加解密
// ==========================================

// EncryptLocal 使用本机硬件密钥加密数据
func EncryptLocal(plaintext []byte) ([]byte, error) {
	if localEngine == nil {
		return nil, fmt.Errorf("security module not setup. call security.Setup() first")
	}
	return localEngine.Encrypt(plaintext)
}

// DecryptLocal 使用本机硬件密钥解密数据
func DecryptLocal(ciphertext []byte) ([]byte, error) {
	if localEngine == nil {
		return nil, fmt.Errorf("security module not setup. call security.Setup() first")
	}
	return localEngine.Decrypt(ciphertext)
}

// ==========================================
// 文件级封装 (截屏图片落盘 / 上报前还原)
// ==========================================

// EncryptToFile 加密并写入文件
// 0600: 审计图片仅限本进程读取
func EncryptToFile(plaintext []byte, path string) error {
	blob, err := EncryptLocal(plaintext)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0600); err != nil {
		return fmt.Errorf("failed to write encrypted file %s: %w", path, err)
	}
	return nil
}

// DecryptFromFile 读取并解密文件
func DecryptFromFile(path string) ([]byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read encrypted file %s: %w", path, err)
	}
	return DecryptLocal(blob)
}
