// Package codec реализует конверт полезной нагрузки чата: ключ выводится из
// пароля через PBKDF2-HMAC-SHA256, текст шифруется AES-256-GCM.
//
// Формат конверта (hex в нижнем регистре, через двоеточие):
//
//	hex(salt[16]) : hex(nonce[12]) : hex(ciphertext||tag)
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	Iterations = 100000
	SaltSize   = 16
	NonceSize  = 12
	KeySize    = 32
	tagSize    = 16
)

// ErrDecrypt возвращается при любой ошибке расшифровки. Битый конверт и
// неверный ключ неразличимы.
var ErrDecrypt = errors.New("codec: unable to decrypt")

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, Iterations, KeySize, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt шифрует plaintext ключом из passphrase. Соль и nonce новые на каждый
// вызов. Ошибка возможна только при сбое системного RNG.
func Encrypt(plaintext, passphrase string) (string, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("codec.Encrypt: salt: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("codec.Encrypt: nonce: %w", err)
	}

	aead, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("codec.Encrypt: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)

	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt открывает конверт, созданный Encrypt.
func Decrypt(envelope, passphrase string) (string, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		return "", ErrDecrypt
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil || len(salt) != SaltSize {
		return "", ErrDecrypt
	}
	nonce, err := hex.DecodeString(parts[1])
	if err != nil || len(nonce) != NonceSize {
		return "", ErrDecrypt
	}
	sealed, err := hex.DecodeString(parts[2])
	if err != nil || len(sealed) < tagSize {
		return "", ErrDecrypt
	}

	aead, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return "", ErrDecrypt
	}
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// DecryptOrEmpty возвращает "", если конверт не открывается.
func DecryptOrEmpty(envelope, passphrase string) string {
	if envelope == "" {
		return ""
	}
	s, err := Decrypt(envelope, passphrase)
	if err != nil {
		return ""
	}
	return s
}
