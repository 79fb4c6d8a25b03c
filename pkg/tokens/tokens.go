// Package tokens generates and validates device session tokens.
//
// Token format: valet_v1_ + base58(entropy + checksum). The 16-bit checksum
// lets the gateway reject corrupted tokens before touching the database.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"
)

const (
	// Prefix identifies valet session tokens.
	Prefix = "valet_v1_"

	// EntropyBytes is the number of random bytes (128-bit entropy).
	EntropyBytes = 16

	// ChecksumBytes is the number of checksum bytes appended to the entropy.
	ChecksumBytes = 2

	// base58Alphabet excludes the confusable characters 0, O, I and l.
	base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
)

// Generate creates a new session token.
func Generate() (string, error) {
	entropy := make([]byte, EntropyBytes)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("failed to generate random entropy: %w", err)
	}
	return FromEntropy(entropy)
}

// FromEntropy creates a token from caller-provided entropy (useful for tests).
func FromEntropy(entropy []byte) (string, error) {
	if len(entropy) != EntropyBytes {
		return "", fmt.Errorf("entropy must be exactly %d bytes", EntropyBytes)
	}

	data := make([]byte, 0, EntropyBytes+ChecksumBytes)
	data = append(data, entropy...)
	data = append(data, checksum(entropy)...)

	return Prefix + base58Encode(data), nil
}

// IsWellFormed reports whether a token has the valet prefix, decodes to the
// expected length, and carries a matching checksum. It does not consult any
// store; a well-formed token may still be unknown, superseded or expired.
func IsWellFormed(token string) bool {
	if len(token) <= len(Prefix) || token[:len(Prefix)] != Prefix {
		return false
	}

	data, err := base58Decode(token[len(Prefix):])
	if err != nil || len(data) != EntropyBytes+ChecksumBytes {
		return false
	}

	entropy := data[:EntropyBytes]
	provided := data[EntropyBytes:]

	return Equal(string(provided), string(checksum(entropy)))
}

// Equal performs a constant-time comparison of two token strings.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		// Burn a comparison anyway to keep timing flat.
		dummy := make([]byte, 32)
		subtle.ConstantTimeCompare(dummy, dummy)
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Display returns a shortened token suitable for logs.
func Display(token string) string {
	if len(token) < 12 {
		return token
	}
	return token[:12] + "..."
}

// checksum derives the 16-bit corruption check from the entropy.
func checksum(entropy []byte) []byte {
	hash := sha256.Sum256(entropy)
	return hash[:ChecksumBytes]
}

func base58Encode(input []byte) string {
	if len(input) == 0 {
		return ""
	}

	num := new(big.Int).SetBytes(input)
	base := big.NewInt(58)
	zero := big.NewInt(0)
	remainder := new(big.Int)

	var result []byte
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, remainder)
		result = append([]byte{base58Alphabet[remainder.Int64()]}, result...)
	}

	// Leading zero bytes encode as '1'.
	for _, b := range input {
		if b != 0 {
			break
		}
		result = append([]byte{base58Alphabet[0]}, result...)
	}

	return string(result)
}

func base58Decode(input string) ([]byte, error) {
	if len(input) == 0 {
		return nil, nil
	}

	charMap := make(map[byte]int64, len(base58Alphabet))
	for i := 0; i < len(base58Alphabet); i++ {
		charMap[base58Alphabet[i]] = int64(i)
	}

	num := big.NewInt(0)
	base := big.NewInt(58)
	for i := 0; i < len(input); i++ {
		val, ok := charMap[input[i]]
		if !ok {
			return nil, fmt.Errorf("invalid base58 character: %c", input[i])
		}
		num.Mul(num, base)
		num.Add(num, big.NewInt(val))
	}

	result := num.Bytes()
	for i := 0; i < len(input) && input[i] == base58Alphabet[0]; i++ {
		result = append([]byte{0}, result...)
	}

	return result, nil
}
