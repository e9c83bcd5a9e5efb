package registry

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// Generator produces candidate codes. Uniqueness is enforced by the Store.
type Generator interface {
	Generate() (string, error)
}

// RandomGenerator draws codes uniformly from an alphabet using crypto/rand.
type RandomGenerator struct {
	alphabet string
	length   int
	max      *big.Int
}

func NewRandomGenerator(alphabet string, length int) *RandomGenerator {
	return &RandomGenerator{
		alphabet: alphabet,
		length:   length,
		max:      big.NewInt(int64(len(alphabet))),
	}
}

func (g *RandomGenerator) Generate() (string, error) {
	code := make([]byte, g.length)
	for i := range code {
		n, err := rand.Int(rand.Reader, g.max)
		if err != nil {
			return "", fmt.Errorf("rand.Int: %w", err)
		}
		code[i] = g.alphabet[n.Int64()]
	}
	return string(code), nil
}

// CodeFormat checks codes against the configured length and alphabet.
type CodeFormat struct {
	Length   int
	Alphabet string
}

// Valid reports whether code has the right length and only alphabet characters.
func (f CodeFormat) Valid(code string) bool {
	if len(code) != f.Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(f.Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

// Normalize turns user input into a canonical code: it trims, lowercases and
// converts the word form. It does not validate.
func Normalize(input string) string {
	s := strings.ToLower(strings.TrimSpace(input))
	if strings.ContainsAny(s, "- ") {
		if code, err := FromWords(s); err == nil {
			return code
		}
	}
	return s
}

var charWords = map[byte]string{
	'a': "alpha", 'b': "bravo", 'c': "charlie", 'd': "delta", 'e': "echo",
	'f': "foxtrot", 'g': "golf", 'h': "hotel", 'i': "india", 'j': "juliet",
	'k': "kilo", 'l': "lima", 'm': "mike", 'n': "november", 'o': "oscar",
	'p': "papa", 'q': "quebec", 'r': "romeo", 's': "sierra", 't': "tango",
	'u': "uniform", 'v': "victor", 'w': "whiskey", 'x': "xray", 'y': "yankee",
	'z': "zulu",
	'0': "zero", '1': "one", '2': "two", '3': "three", '4': "four",
	'5': "five", '6': "six", '7': "seven", '8': "eight", '9': "nine",
}

var wordChars = func() map[string]byte {
	m := make(map[string]byte, len(charWords))
	for c, w := range charWords {
		m[w] = c
	}
	return m
}()

// Words renders a code as hyphen-joined spelling words ("k3" -> "kilo-three").
func Words(code string) string {
	words := make([]string, 0, len(code))
	for i := 0; i < len(code); i++ {
		w, ok := charWords[code[i]]
		if !ok {
			w = string(code[i])
		}
		words = append(words, w)
	}
	return strings.Join(words, "-")
}

// FromWords parses a word form back into a code. Words may be separated by
// hyphens or spaces.
func FromWords(text string) (string, error) {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return r == '-' || r == ' '
	})
	if len(fields) == 0 {
		return "", ErrInvalidCode
	}

	code := make([]byte, 0, len(fields))
	for _, f := range fields {
		c, ok := wordChars[f]
		if !ok {
			return "", fmt.Errorf("unknown word %q: %w", f, ErrInvalidCode)
		}
		code = append(code, c)
	}
	return string(code), nil
}
