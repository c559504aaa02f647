package bridge

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrTokenFormat  = errors.New("bridge: invalid response token format")
	ErrTokenInvalid = errors.New("bridge: invalid response token")
)

// maxTokenLen bounds the client-supplied data decoded for a response name.
const maxTokenLen = 256

// TokenKeySize is the key length accepted by NewTokenCodec.
const TokenKeySize = chacha20poly1305.KeySize

// tokenAAD binds sealed tokens to their use as response names.
var tokenAAD = []byte("rpcbridge:response")

// responseToken is the sealed content of a virtual response name.
type responseToken struct {
	Serial  uint64 `cbor:"1,keyasint"`
	Created int64  `cbor:"2,keyasint"`
}

// TokenCodec seals response serials into opaque, URL-safe names so clients
// cannot guess or forge the paths of other callers' responses.
//
// Format: base64url(nonce || AEAD.Seal(cbor(token))) using XChaCha20-Poly1305
// with a random nonce per token.
type TokenCodec struct {
	aead cipher.AEAD
}

// NewTokenCodec creates a codec keyed with key. An empty key selects a random
// per-process key, which invalidates outstanding names on restart.
func NewTokenCodec(key []byte) (*TokenCodec, error) {
	if len(key) == 0 {
		key = make([]byte, TokenKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("bridge: token key: %w", err)
	}
	return &TokenCodec{aead: aead}, nil
}

// Seal returns the name for serial created at the given time.
func (c *TokenCodec) Seal(serial uint64, created time.Time) (string, error) {
	plain, err := cbor.Marshal(responseToken{Serial: serial, Created: created.UnixNano()})
	if err != nil {
		return "", err
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, plain, tokenAAD)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open verifies name and returns the serial and creation time sealed in it.
func (c *TokenCodec) Open(name string) (uint64, time.Time, error) {
	if len(name) == 0 || len(name) > maxTokenLen {
		return 0, time.Time{}, ErrTokenFormat
	}
	sealed, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return 0, time.Time{}, ErrTokenFormat
	}
	if len(sealed) < c.aead.NonceSize()+c.aead.Overhead() {
		return 0, time.Time{}, ErrTokenFormat
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, tokenAAD)
	if err != nil {
		return 0, time.Time{}, ErrTokenInvalid
	}
	var tok responseToken
	if err := cbor.Unmarshal(plain, &tok); err != nil {
		return 0, time.Time{}, ErrTokenInvalid
	}
	return tok.Serial, time.Unix(0, tok.Created), nil
}
