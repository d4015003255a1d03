package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// Encrypter 加密算法 (Transform Type 1)
// 密钥参数为完整密钥材料，AEAD 的材料末尾带 4 字节盐
type Encrypter interface {
	ID() uint16
	Encrypt(plaintext []byte, key []byte, iv []byte, aad []byte) ([]byte, error)
	Decrypt(ciphertext []byte, key []byte, iv []byte, aad []byte) ([]byte, error)
	IVSize() int
	BlockSize() int
	// KeySize 不含盐的密钥长度
	KeySize() int
	// KeyMaterialSize 需要从 prf+ 中切出的长度
	KeyMaterialSize() int
	IsAEAD() bool
	// ICVSize 仅 AEAD 有意义
	ICVSize() int
}

var (
	errNotBlockAligned = errors.New("数据未按块对齐")
	errGCMKeyTooShort  = errors.New("GCM 密钥材料过短")
)

type aesCBC struct {
	keySize int
}

func (e *aesCBC) ID() uint16           { return 12 }
func (e *aesCBC) IVSize() int          { return aes.BlockSize }
func (e *aesCBC) BlockSize() int       { return aes.BlockSize }
func (e *aesCBC) KeySize() int         { return e.keySize }
func (e *aesCBC) KeyMaterialSize() int { return e.keySize }
func (e *aesCBC) IsAEAD() bool         { return false }
func (e *aesCBC) ICVSize() int         { return 0 }

// Encrypt 填充由调用者负责
func (e *aesCBC) Encrypt(plaintext []byte, key []byte, iv []byte, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, errNotBlockAligned
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out, nil
}

func (e *aesCBC) Decrypt(ciphertext []byte, key []byte, iv []byte, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errNotBlockAligned
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

// AES-GCM, RFC 5282: 密钥材料 = 密钥 | 4 字节盐, nonce = 盐 | 8 字节 IV
type aesGCM struct {
	id      uint16
	icvSize int
	keySize int
}

func (e *aesGCM) ID() uint16           { return e.id }
func (e *aesGCM) IVSize() int          { return 8 }
func (e *aesGCM) BlockSize() int       { return 4 }
func (e *aesGCM) KeySize() int         { return e.keySize }
func (e *aesGCM) KeyMaterialSize() int { return e.keySize + 4 }
func (e *aesGCM) IsAEAD() bool         { return true }
func (e *aesGCM) ICVSize() int         { return e.icvSize }

func (e *aesGCM) aead(key []byte) (cipher.AEAD, []byte, error) {
	if len(key) < 4 {
		return nil, nil, errGCMKeyTooShort
	}
	block, err := aes.NewCipher(key[:len(key)-4])
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, e.icvSize)
	if err != nil {
		return nil, nil, err
	}
	return gcm, key[len(key)-4:], nil
}

func (e *aesGCM) nonce(salt, iv []byte) []byte {
	n := make([]byte, 0, 12)
	n = append(n, salt...)
	return append(n, iv...)
}

func (e *aesGCM) Encrypt(plaintext []byte, key []byte, iv []byte, aad []byte) ([]byte, error) {
	gcm, salt, err := e.aead(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, e.nonce(salt, iv), plaintext, aad), nil
}

func (e *aesGCM) Decrypt(ciphertext []byte, key []byte, iv []byte, aad []byte) ([]byte, error) {
	gcm, salt, err := e.aead(key)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, e.nonce(salt, iv), ciphertext, aad)
}

// GetEncrypter 使用默认 128 位密钥
func GetEncrypter(id uint16) (Encrypter, error) {
	return GetEncrypterWithKeyLen(id, 0)
}

// GetEncrypterWithKeyLen keyLenBits 来自 Key Length 属性，0 表示默认
func GetEncrypterWithKeyLen(id uint16, keyLenBits int) (Encrypter, error) {
	keySize := 16
	if keyLenBits != 0 {
		switch keyLenBits {
		case 128, 192, 256:
			keySize = keyLenBits / 8
		default:
			return nil, fmt.Errorf("无效的密钥长度: %d", keyLenBits)
		}
	}

	switch id {
	case 12: // ENCR_AES_CBC
		return &aesCBC{keySize: keySize}, nil
	case 19: // ENCR_AES_GCM_12
		return &aesGCM{id: id, icvSize: 12, keySize: keySize}, nil
	case 20: // ENCR_AES_GCM_16
		return &aesGCM{id: id, icvSize: 16, keySize: keySize}, nil
	default:
		return nil, fmt.Errorf("不支持的加密算法: %d", id)
	}
}

// RandomBytes 从 crypto/rand 读取 n 字节
func RandomBytes(n int) ([]byte, error) {
	return RandomBytesFrom(rand.Reader, n)
}

// RandomBytesFrom 从指定随机源读取，测试中用于注入确定性输入
func RandomBytesFrom(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(r, b)
	return b, err
}
