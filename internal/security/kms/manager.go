// Package kms 设备密钥管理
// 密钥由硬件指纹派生，仅驻留内存，从不落盘
package kms

import (
	"fmt"
	"sync"
)

// Manager 持有与本机绑定的 SM4 密钥
// 换机器后指纹变化，历史密文无法还原，这是预期行为
type Manager struct {
	mu  sync.RWMutex
	key []byte
}

// Default 进程级单例，由 security.Setup 初始化
var Default = &Manager{}

// Initialize 采集硬件指纹并派生密钥，重复调用幂等
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.key) != 0 {
		return nil
	}

	fp, err := hardwareFingerprint()
	if err != nil {
		return fmt.Errorf("kms init error: %v", err)
	}
	m.key = deriveKey(fp)
	return nil
}

// GetKey 返回密钥副本，防止调用方改写底层数组
func (m *Manager) GetKey() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.key) == 0 {
		return nil, fmt.Errorf("kms not initialized")
	}
	out := make([]byte, len(m.key))
	copy(out, m.key)
	return out, nil
}
