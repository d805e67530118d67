// Package protocol defines the wire types shared between the connlib
// session runtime and the portal: opaque identifiers and keys, the
// Phoenix-style control-plane frame, and the client/gateway message
// payloads carried inside it.
//
// All messages are JSON-encoded. This package has no dependency on the
// rest of connlib so it can be imported by both client and gateway
// binaries, and by anything that speaks the portal protocol (e.g. tests
// standing in for the portal).
package protocol

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length in bytes of a WireGuard key (Curve25519) or a
// preshared key.
const KeySize = 32

// Key is an opaque 32-byte blob used for public keys and preshared keys.
// It is base64-encoded on the wire. Equality must be constant-time since
// keys are secret material in the preshared-key case.
type Key [KeySize]byte

// GeneratePrivateKey generates a new random Curve25519 private key,
// clamped per RFC 7748 §5.
func GeneratePrivateKey(rng interface {
	Read([]byte) (int, error)
}) (Key, error) {
	var k Key
	if _, err := rng.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("generating random key: %w", err)
	}
	clampPrivateKey(&k)
	return k, nil
}

// PublicKey derives the Curve25519 public key from a private key.
func PublicKey(private Key) Key {
	var pub Key
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&private))
	return pub
}

// ParseKey decodes a base64-encoded key string into a Key.
func ParseKey(s string) (Key, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("decoding base64 key: %w", err)
	}
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("invalid key length: got %d, want %d", len(b), KeySize)
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// String returns the base64-encoded representation of the key.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// IsZero reports whether the key is the zero value.
func (k Key) IsZero() bool {
	var zero Key
	return k == zero
}

// Equal reports whether two keys are equal, in constant time.
func (k Key) Equal(other Key) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// MarshalText implements encoding.TextMarshaler for JSON/TOML encoding.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for JSON/TOML decoding.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// clampPrivateKey applies the Curve25519 clamping from RFC 7748 §5:
//   - clear the three least significant bits of the first byte
//   - clear the most significant bit of the last byte
//   - set the second most significant bit of the last byte
func clampPrivateKey(k *Key) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
