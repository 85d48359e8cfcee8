// Package gmcipher 国密对称加解密
package gmcipher

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/tjfoc/gmsm/sm4"
)

// KeyProvider 提供对称密钥
// 引擎不关心密钥来自哪里（KMS、测试桩都行）
type KeyProvider interface {
	GetKey() ([]byte, error)
}

// Engine SM4-CBC 加解密引擎
// 落盘格式固定为 [16字节IV][密文]，IV 每次随机生成
type Engine struct {
	keys KeyProvider
}

func New(kp KeyProvider) *Engine {
	return &Engine{keys: kp}
}

// newBlock 取当前密钥并构造 cipher.Block
func (e *Engine) newBlock() (cipher.Block, error) {
	key, err := e.keys.GetKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %v", err)
	}
	block, err := sm4.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid sm4 key: %v", err)
	}
	return block, nil
}

// Encrypt SM4-CBC 加密，返回 IV+密文
func (e *Engine) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := e.newBlock()
	if err != nil {
		return nil, err
	}

	padded := padBlock(plaintext, sm4.BlockSize)

	// IV 放在输出头部，解密端从同一位置取回
	out := make([]byte, sm4.BlockSize+len(padded))
	iv := out[:sm4.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %v", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[sm4.BlockSize:], padded)
	return out, nil
}

// Decrypt 解密 Encrypt 的输出
func (e *Engine) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < sm4.BlockSize {
		return nil, errors.New("ciphertext too short")
	}
	iv, body := blob[:sm4.BlockSize], blob[sm4.BlockSize:]
	if len(body)%sm4.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}

	block, err := e.newBlock()
	if err != nil {
		return nil, err
	}

	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	return stripPad(plain)
}

// padBlock PKCS#7 补码
func padBlock(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// stripPad PKCS#7 去码，校验每个填充字节
func stripPad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("input data empty")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if b != byte(n) {
			return nil, errors.New("invalid padding bytes")
		}
	}
	return data[:len(data)-n], nil
}
