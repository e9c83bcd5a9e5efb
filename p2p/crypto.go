package p2p

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

const (
	KeySize   = 32
	nonceSize = 24
)

var ErrDecryptionFailed = errors.New("decryption failed")

// KeyPair is an ephemeral Curve25519 key pair, one per transfer.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair generates a new keypair for encryption
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("box.GenerateKey: %w", err)
	}
	return KeyPair{Public: *pub, Private: *priv}, nil
}

// Sealer encrypts and authenticates messages between two peers with NaCl box.
// Both sides derive the same shared key, so one Sealer serves both directions.
type Sealer struct {
	shared [KeySize]byte
}

func NewSealer(peerPublic [KeySize]byte, own KeyPair) *Sealer {
	s := &Sealer{}
	box.Precompute(&s.shared, &peerPublic, &own.Private)
	return s
}

// Seal encrypts msg. The random nonce is prepended to the ciphertext.
func (s *Sealer) Seal(msg []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, nonceSize, nonceSize+len(msg)+box.Overhead)
	copy(out, nonce[:])
	return box.SealAfterPrecomputation(out, msg, &nonce, &s.shared), nil
}

// Open decrypts a message produced by Seal on the other side.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+box.Overhead {
		return nil, fmt.Errorf("message too short (%d bytes): %w", len(sealed), ErrDecryptionFailed)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	msg, ok := box.OpenAfterPrecomputation(nil, sealed[nonceSize:], &nonce, &s.shared)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return msg, nil
}
