package auth

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInvalidCredentials is returned for an unknown operator or a wrong
// password. The two cases are not distinguished.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Operators maps operator names to Argon2id password hashes.
type Operators map[string]string

// Validate checks every configured hash.
func (o Operators) Validate() error {
	names := make([]string, 0, len(o))
	for name := range o {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if name == "" {
			errs = append(errs, errors.New("operator name is empty"))
			continue
		}
		if err := CheckHash(o[name]); err != nil {
			errs = append(errs, fmt.Errorf("operator %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Authenticate verifies password for name. Unknown names are checked
// against a dummy hash so both failure paths take the same time.
func (o Operators) Authenticate(name, password string) error {
	encoded, ok := o[name]
	if !ok {
		encoded = dummyHash()
	}

	match, err := VerifyPassword(password, encoded)
	if err != nil {
		return fmt.Errorf("operator %q: %w", name, err)
	}
	if !ok || !match {
		return ErrInvalidCredentials
	}
	return nil
}

var (
	dummyOnce    sync.Once
	dummyEncoded string
)

func dummyHash() string {
	dummyOnce.Do(func() {
		// Only fails when the system random source does.
		dummyEncoded, _ = HashPassword("stsupervisor-dummy")
	})
	return dummyEncoded
}
