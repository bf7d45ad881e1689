package worker

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope codec names accepted by NewCodec.
const (
	CodecPlain  = "plain"
	CodecSealed = "sealed"
)

// ErrEnvelope is returned when an envelope blob cannot be opened.
var ErrEnvelope = errors.New("worker: invalid envelope")

// Codec transforms the inner message of an envelope. Both directions are
// keyed by the event id the envelope travels under.
type Codec interface {
	Encode(plain string, eventID uint64) (string, error)
	Decode(blob string, eventID uint64) (string, error)
}

// NewCodec builds the codec named kind. The sealed codec needs a secret.
func NewCodec(kind, secret string) (Codec, error) {
	switch kind {
	case "", CodecPlain:
		return PlainCodec{}, nil
	case CodecSealed:
		return NewSealedCodec(secret)
	default:
		return nil, fmt.Errorf("worker: unknown envelope codec %q", kind)
	}
}

// PlainCodec passes the inner message through unchanged.
type PlainCodec struct{}

func (PlainCodec) Encode(plain string, _ uint64) (string, error) { return plain, nil }
func (PlainCodec) Decode(blob string, _ uint64) (string, error)  { return blob, nil }

// SealedCodec encrypts the inner message with XChaCha20-Poly1305. The key
// is the BLAKE2b-256 digest of the shared secret and the event id is bound
// as additional data, so a blob only opens under the event it was sealed
// for. Blobs are base64url(nonce || ciphertext).
type SealedCodec struct {
	key [chacha20poly1305.KeySize]byte
}

// NewSealedCodec derives the key from secret.
func NewSealedCodec(secret string) (*SealedCodec, error) {
	if secret == "" {
		return nil, fmt.Errorf("worker: sealed envelope codec requires a secret")
	}
	return &SealedCodec{key: blake2b.Sum256([]byte(secret))}, nil
}

func eventAD(eventID uint64) []byte {
	var ad [8]byte
	binary.BigEndian.PutUint64(ad[:], eventID)
	return ad[:]
}

func (c *SealedCodec) Encode(plain string, eventID uint64) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("worker: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plain), eventAD(eventID))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (c *SealedCodec) Decode(blob string, eventID uint64) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	aead, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: %d bytes is too short", ErrEnvelope, len(raw))
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, eventAD(eventID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	return string(plain), nil
}
