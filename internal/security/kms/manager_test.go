package kms

import (
	"bytes"
	"testing"
)

func TestInitializeDerivesKey(t *testing.T) {
	m := &Manager{}

	// 1. 未初始化时拿不到密钥
	if _, err := m.GetKey(); err == nil {
		t.Fatal("expected error before Initialize")
	}

	// 2. 初始化后密钥长度为 SM4 要求的 16 字节
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	key, err := m.GetKey()
	if err != nil {
		t.Fatalf("GetKey failed: %v", err)
	}
	if len(key) != 16 {
		t.Errorf("key length = %d, want 16", len(key))
	}

	// 3. 重复初始化幂等，密钥不变
	if err := m.Initialize(); err != nil {
		t.Fatalf("second Initialize failed: %v", err)
	}
	again, err := m.GetKey()
	if err != nil {
		t.Fatalf("GetKey after re-init failed: %v", err)
	}
	if !bytes.Equal(key, again) {
		t.Error("key changed across Initialize calls")
	}
}

func TestGetKeyReturnsCopy(t *testing.T) {
	m := &Manager{}
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	k1, _ := m.GetKey()
	k1[0] ^= 0xFF
	k2, _ := m.GetKey()
	if bytes.Equal(k1, k2) {
		t.Error("mutating the returned key leaked into the manager")
	}
}
