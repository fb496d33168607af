package chat

import (
	"regexp"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChatID(t *testing.T) {
	id := NewChatID()
	u, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), u.Version())
	assert.NotEqual(t, id, NewChatID())
}

func TestNewKey(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		k := NewKey()
		require.Len(t, k, 32)
		for _, r := range k {
			assert.True(t, strings.ContainsRune(keyAlphabet, r), "unexpected %q", r)
		}
		seen[k] = true
	}
	assert.Len(t, seen, 50)
}

func TestNewUserID(t *testing.T) {
	re := regexp.MustCompile(`^user_[0-9a-z]{7}$`)
	for i := 0; i < 50; i++ {
		assert.Regexp(t, re, NewUserID())
	}
}
