package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	token, err := Generate()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token, Prefix))
	assert.True(t, IsWellFormed(token))
}

func TestGenerateUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := Generate()
		require.NoError(t, err)
		require.False(t, seen[token], "duplicate token generated")
		seen[token] = true
	}
}

func TestFromEntropyDeterministic(t *testing.T) {
	entropy := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	a, err := FromEntropy(entropy)
	require.NoError(t, err)
	b, err := FromEntropy(entropy)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestFromEntropyWrongLength(t *testing.T) {
	_, err := FromEntropy([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestIsWellFormed(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"empty", "", false},
		{"prefix only", Prefix, false},
		{"wrong prefix", "other_v1_abc", false},
		{"invalid base58", Prefix + "0OIl", false},
		{"truncated", Prefix + "abc", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsWellFormed(tt.token))
		})
	}

	token, err := Generate()
	require.NoError(t, err)
	assert.True(t, IsWellFormed(token))
}

func TestIsWellFormedRejectsCorruption(t *testing.T) {
	token, err := Generate()
	require.NoError(t, err)

	// Flip one character of the base58 body. The checksum should catch it.
	body := []byte(token)
	i := len(Prefix)
	if body[i] == '2' {
		body[i] = '3'
	} else {
		body[i] = '2'
	}

	assert.False(t, IsWellFormed(string(body)))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("abc", "abc"))
	assert.False(t, Equal("abc", "abd"))
	assert.False(t, Equal("abc", "abcd"))
}

func TestDisplay(t *testing.T) {
	assert.Equal(t, "short", Display("short"))
	assert.Equal(t, "valet_v1_abc...", Display("valet_v1_abcdefghij"))
}
