// Package token builds the encrypted bearer tokens the relay daemon accepts on
// its websocket endpoint.
//
// Wire format:
//
//	base64( {"iv":"<base64 iv>","value":"<base64 ciphertext>"} )
//
// where the ciphertext is AES-256-CBC with PKCS#7 padding over
//
//	{"connection":{"type":"<protocol>","settings":{...}}}
//
// The relay decodes the same shape with the same shared key; any change to
// the padding, cipher mode or JSON envelope makes it reject every token
// without saying why.
package token

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/csai/lab-shell/internal/registry"
)

const (
	// CipherAES256CBC is the only cipher the relay daemon is configured with.
	CipherAES256CBC = "aes-256-cbc"
	KeySize         = 32
	IVSize          = aes.BlockSize
)

var (
	ErrInvalidKeyLength  = errors.New("invalid_key_length")
	ErrSerialization     = errors.New("serialization_error")
	ErrUnsupportedCipher = errors.New("unsupported_cipher")
)

type payload struct {
	Connection connection `json:"connection"`
}

type connection struct {
	Type     registry.Protocol   `json:"type"`
	Settings registry.Parameters `json:"settings"`
}

type envelope struct {
	IV    string `json:"iv"`
	Value string `json:"value"`
}

// Codec encodes profiles under one shared key. It holds no mutable state and
// may be shared by any number of sessions.
type Codec struct {
	key  []byte
	rand io.Reader
}

type Option func(*Codec)

// WithRandom replaces the IV source. Tests only.
func WithRandom(r io.Reader) Option {
	return func(c *Codec) { c.rand = r }
}

func New(cipherName string, key []byte, opts ...Option) (*Codec, error) {
	if cipherName != "" && cipherName != CipherAES256CBC {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCipher, cipherName)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyLength, len(key), KeySize)
	}
	c := &Codec{key: append([]byte(nil), key...), rand: rand.Reader}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Encode draws a fresh IV on every call.
func (c *Codec) Encode(ctx context.Context, p registry.TargetProfile) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return encode(p, c.key, c.rand)
}

// Encode is the one-shot form of Codec.Encode using crypto/rand.
func Encode(p registry.TargetProfile, key []byte) (string, error) {
	return encode(p, key, rand.Reader)
}

func encode(p registry.TargetProfile, key []byte, rnd io.Reader) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyLength, len(key), KeySize)
	}
	plain, err := marshalPayload(p)
	if err != nil {
		return "", err
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rnd, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKeyLength, err)
	}
	padded := pkcs7Pad(plain, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	env, err := json.Marshal(envelope{
		IV:    base64.StdEncoding.EncodeToString(iv),
		Value: base64.StdEncoding.EncodeToString(out),
	})
	if err != nil {
		return "", fmt.Errorf("%w: envelope: %v", ErrSerialization, err)
	}
	return base64.StdEncoding.EncodeToString(env), nil
}

// CheckParameters reports the first parameter a token could not carry. The
// error wraps ErrSerialization.
func CheckParameters(params registry.Parameters) error {
	for _, kv := range params {
		if err := checkValue(kv.Value); err != nil {
			return fmt.Errorf("%w: param %q: %v", ErrSerialization, kv.Key, err)
		}
	}
	return nil
}

func marshalPayload(p registry.TargetProfile) ([]byte, error) {
	if err := CheckParameters(p.Parameters); err != nil {
		return nil, err
	}
	settings := p.Parameters
	if settings == nil {
		settings = registry.Parameters{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload{Connection: connection{Type: p.Protocol, Settings: settings}}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// checkValue restricts settings to what the relay's settings object accepts:
// strings, booleans and finite numbers.
func checkValue(v any) error {
	switch x := v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		json.Number:
		return nil
	case float32:
		return checkFloat(float64(x))
	case float64:
		return checkFloat(x)
	case nil:
		return errors.New("null value")
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}

func checkFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return errors.New("non-finite number")
	}
	return nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}
