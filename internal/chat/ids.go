package chat

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

const (
	keyAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*()-_=+"
	keyLength      = 32
	userIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	userIDLength   = 7
	userIDPrefix   = "user_"
)

// NewChatID возвращает случайный UUIDv4 для id чата.
func NewChatID() string {
	return uuid.NewString()
}

// NewKey возвращает ключ из 32 символов keyAlphabet.
func NewKey() string {
	return randomString(keyAlphabet, keyLength)
}

// NewUserID возвращает "user_" и 7 символов base36.
func NewUserID() string {
	return userIDPrefix + randomString(userIDAlphabet, userIDLength)
}

func randomString(alphabet string, n int) string {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("chat: crypto/rand unavailable: " + err.Error())
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b)
}
