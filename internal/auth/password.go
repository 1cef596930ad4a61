package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (OWASP recommendation).
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 1
	argonKeyLen  = 32
	argonSaltLen = 16
)

// phcPrefix starts every hash produced by HashPassword.
const phcPrefix = "$argon2id$"

// ErrInvalidHash is returned for strings that are not Argon2id PHC hashes.
var ErrInvalidHash = errors.New("invalid password hash")

// HashPassword hashes password with a fresh random salt.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		phcPrefix, argon2.Version,
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword reports whether password matches encoded. The comparison is
// constant time.
func VerifyPassword(password, encoded string) (bool, error) {
	h, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}

	candidate := argon2.IDKey([]byte(password), h.salt, h.time, h.memory, h.threads, uint32(len(h.key))) //nolint:gosec // G115: key length always fits uint32
	return subtle.ConstantTimeCompare(h.key, candidate) == 1, nil
}

// CheckHash validates the format of encoded without verifying a password.
func CheckHash(encoded string) error {
	_, err := decodeHash(encoded)
	return err
}

type phcHash struct {
	time    uint32
	memory  uint32
	threads uint8
	salt    []byte
	key     []byte
}

func decodeHash(encoded string) (phcHash, error) {
	var h phcHash

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 { //nolint:mnd // "", algorithm, version, params, salt, key
		return h, fmt.Errorf("%w: want 6 $-delimited fields, got %d", ErrInvalidHash, len(parts))
	}
	if parts[1] != "argon2id" {
		return h, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidHash, parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return h, fmt.Errorf("%w: version: %w", ErrInvalidHash, err)
	}
	if version != argon2.Version {
		return h, fmt.Errorf("%w: unsupported version %d", ErrInvalidHash, version)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.memory, &h.time, &h.threads); err != nil {
		return h, fmt.Errorf("%w: parameters: %w", ErrInvalidHash, err)
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return h, fmt.Errorf("%w: salt: %w", ErrInvalidHash, err)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return h, fmt.Errorf("%w: key: %w", ErrInvalidHash, err)
	}
	if len(h.key) == 0 {
		return h, fmt.Errorf("%w: empty key", ErrInvalidHash)
	}
	return h, nil
}
