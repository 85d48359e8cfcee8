// Package ca 审计根证书与站点证书签发
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jianbinzhang1987/mac-monitor/internal/logger"
)

// ==========================================
// 常量
// ==========================================

const (
	// rootSerial 根证书序列号固定
	// 终端把根证书导入系统信任链后以序列号识别，重新生成时必须保持一致
	rootSerial = 123456789

	// 根证书有效期窗口固定，保证同一把私钥重新签发出的证书字节稳定
	rootNotBefore = "2024-01-01T00:00:00Z"
	rootNotAfter  = "2034-01-01T00:00:00Z"

	rootCommonName = "MacMonitor Audit Root CA"

	// 站点证书有效期 (签发时刻起算)
	leafValidity = 365 * 24 * time.Hour
)

// ==========================================
// CertificateAuthority
// ==========================================

// CertificateAuthority 根证书持有者与站点证书签发缓存
type CertificateAuthority struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	rootPEM  []byte

	mu    sync.RWMutex
	cache map[string]*tls.Certificate

	// 站点证书序列号递增
	leafSerial int64
}

// Load 加载或生成根证书
// certPath/keyPath 存在则加载，否则生成并落盘
func Load(certPath, keyPath string) (*CertificateAuthority, error) {
	a := &CertificateAuthority{
		cache:      make(map[string]*tls.Certificate),
		leafSerial: 1,
	}

	if fileExists(certPath) && fileExists(keyPath) {
		if err := a.loadRoot(certPath, keyPath); err != nil {
			return nil, err
		}
		logger.Info("Root CA loaded", "cert", certPath)
		return a, nil
	}

	if err := a.generateRoot(); err != nil {
		return nil, err
	}
	if err := a.persistRoot(certPath, keyPath); err != nil {
		return nil, err
	}
	logger.Info("Root CA generated", "cert", certPath, "serial", rootSerial)
	return a, nil
}

// RootPEM 根证书 PEM (代理 /ssl 路径与 get_cert 命令下发用)
func (a *CertificateAuthority) RootPEM() []byte {
	out := make([]byte, len(a.rootPEM))
	copy(out, a.rootPEM)
	return out
}

// ==========================================
// 站点证书签发
// ==========================================

// CertForDomain 取目标域名的站点证书
// 懒生成 + 缓存：同一域名第二次调用返回同一个 *tls.Certificate
func (a *CertificateAuthority) CertForDomain(domain string) (*tls.Certificate, error) {
	// 快路径：读锁查缓存
	a.mu.RLock()
	cert, ok := a.cache[domain]
	a.mu.RUnlock()
	if ok {
		return cert, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// 双重检查：拿写锁期间可能已被其他协程生成
	if cert, ok := a.cache[domain]; ok {
		return cert, nil
	}

	cert, err := a.signLeaf(domain)
	if err != nil {
		return nil, err
	}
	a.cache[domain] = cert
	logger.Debug("Leaf certificate issued", "domain", domain)
	return cert, nil
}

// TLSConfigForDomain 直接给 tls.Server 用的配置
func (a *CertificateAuthority) TLSConfigForDomain(domain string) (*tls.Config, error) {
	cert, err := a.CertForDomain(domain)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{*cert}}, nil
}

func (a *CertificateAuthority) signLeaf(domain string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	a.leafSerial++
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(a.leafSerial),
		Subject: pkix.Name{
			CommonName: domain,
		},
		DNSNames:    []string{domain},
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    now.Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	// 直连 IP 的场景 (CONNECT 目标是裸IP)，SAN 需要 IP 条目
	if ip := net.ParseIP(domain); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.rootCert, &key.PublicKey, a.rootKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf for %s: %w", domain, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, a.rootCert.Raw},
		PrivateKey:  key,
	}, nil
}

// ==========================================
// 根证书生成 / 持久化 / 加载
// ==========================================

func (a *CertificateAuthority) generateRoot() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate root key: %w", err)
	}

	notBefore, _ := time.Parse(time.RFC3339, rootNotBefore)
	notAfter, _ := time.Parse(time.RFC3339, rootNotAfter)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(rootSerial),
		Subject: pkix.Name{
			CommonName:   rootCommonName,
			Organization: []string{"MacMonitor"},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("self-sign root: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}

	a.rootCert = cert
	a.rootKey = key
	a.rootPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return nil
}

func (a *CertificateAuthority) persistRoot(certPath, keyPath string) error {
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return fmt.Errorf("create ca dir: %w", err)
		}
	}

	if err := os.WriteFile(certPath, a.rootPEM, 0644); err != nil {
		return fmt.Errorf("write root cert: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(a.rootKey),
	})
	// 0600: 根私钥泄露等于全网可伪造
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write root key: %w", err)
	}
	return nil
}

func (a *CertificateAuthority) loadRoot(certPath, keyPath string) error {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return fmt.Errorf("read root cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("read root key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return fmt.Errorf("invalid root cert pem: %s", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse root cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("invalid root key pem: %s", keyPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse root key: %w", err)
	}

	a.rootCert = cert
	a.rootKey = key
	a.rootPEM = certPEM
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
