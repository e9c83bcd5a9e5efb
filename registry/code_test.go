package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomGenerator_MatchesFormat(t *testing.T) {
	gen := NewRandomGenerator(DefaultAlphabet, DefaultCodeLength)
	format := CodeFormat{Length: DefaultCodeLength, Alphabet: DefaultAlphabet}

	seen := make(map[byte]bool)
	for i := 0; i < 2000; i++ {
		code, err := gen.Generate()
		require.NoError(t, err)
		require.True(t, format.Valid(code), "generated code %q does not match format", code)
		for j := 0; j < len(code); j++ {
			seen[code[j]] = true
		}
	}

	// 12000 draws over 31 symbols hit every symbol.
	assert.Len(t, seen, len(DefaultAlphabet))
}

func TestRandomGenerator_CustomAlphabet(t *testing.T) {
	gen := NewRandomGenerator("xy", 8)
	code, err := gen.Generate()
	require.NoError(t, err)
	assert.Len(t, code, 8)
	assert.Empty(t, strings.Trim(code, "xy"))
}

func TestCodeFormat_Valid(t *testing.T) {
	format := CodeFormat{Length: 6, Alphabet: DefaultAlphabet}

	tests := []struct {
		code  string
		valid bool
	}{
		{"k3j9qz", true},
		{"abcdef", true},
		{"k3j9q", false},
		{"k3j9qzz", false},
		{"K3J9QZ", false},
		{"k3j9q1", false}, // 1 is ambiguous
		{"k3j9ql", false}, // so is l
		{"k3j9q!", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.valid, format.Valid(tt.code))
		})
	}
}

func TestWords(t *testing.T) {
	assert.Equal(t, "kilo-three-juliet-nine-quebec-zulu", Words("k3j9qz"))

	code, err := FromWords("kilo-three-juliet-nine-quebec-zulu")
	require.NoError(t, err)
	assert.Equal(t, "k3j9qz", code)

	code, err = FromWords("Kilo Three juliet-NINE quebec zulu")
	require.NoError(t, err)
	assert.Equal(t, "k3j9qz", code)
}

func TestFromWords_Unknown(t *testing.T) {
	_, err := FromWords("kilo-banana")
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = FromWords(" - ")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "k3j9qz", Normalize("  K3J9QZ \n"))
	assert.Equal(t, "k3j9qz", Normalize("kilo-three-juliet-nine-quebec-zulu"))
	// Unknown words are left for format validation to reject.
	assert.Equal(t, "kilo-nope", Normalize("kilo-nope"))
}
