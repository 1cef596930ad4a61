package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestHashPassword_RoundTrip(t *testing.T) {
	hash, err := HashPassword("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=3,p=1$") {
		t.Errorf("hash = %q, want argon2id PHC prefix", hash)
	}

	tests := []struct {
		password string
		want     bool
	}{
		{"correct-horse-battery-staple", true},
		{"wrong-password", false},
		{"", false},
	}
	for _, tt := range tests {
		ok, err := VerifyPassword(tt.password, hash)
		if err != nil {
			t.Fatalf("VerifyPassword(%q) error = %v", tt.password, err)
		}
		if ok != tt.want {
			t.Errorf("VerifyPassword(%q) = %v, want %v", tt.password, ok, tt.want)
		}
	}
}

func TestHashPassword_UniqueSalts(t *testing.T) {
	h1, err := HashPassword("same")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashPassword("same")
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("two hashes of the same password should differ")
	}
}

func TestCheckHash_InvalidFormat(t *testing.T) {
	tests := []struct {
		name string
		hash string
	}{
		{"empty", ""},
		{"plaintext", "hunter2"},
		{"wrong algorithm", "$bcrypt$v=19$m=65536,t=3,p=1$c2FsdA$aGFzaA"},
		{"too few parts", "$argon2id$v=19$m=65536,t=3,p=1"},
		{"wrong version", "$argon2id$v=16$m=65536,t=3,p=1$c2FsdA$aGFzaA"},
		{"bad params", "$argon2id$v=19$m=x$c2FsdA$aGFzaA"},
		{"bad salt", "$argon2id$v=19$m=65536,t=3,p=1$!!!$aGFzaA"},
		{"empty key", "$argon2id$v=19$m=65536,t=3,p=1$c2FsdA$"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := CheckHash(tt.hash); !errors.Is(err, ErrInvalidHash) {
				t.Errorf("CheckHash() error = %v, want ErrInvalidHash", err)
			}
		})
	}
}

func TestOperators_Authenticate(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	ops := Operators{"admin": hash}

	tests := []struct {
		name     string
		user     string
		password string
		wantErr  error
	}{
		{"valid", "admin", "s3cret", nil},
		{"wrong password", "admin", "nope", ErrInvalidCredentials},
		{"unknown operator", "guest", "s3cret", ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ops.Authenticate(tt.user, tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Authenticate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestOperators_Validate(t *testing.T) {
	hash, err := HashPassword("x")
	if err != nil {
		t.Fatal(err)
	}
	if err := (Operators{"admin": hash}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	err = Operators{"admin": hash, "bob": "plain", "": hash}.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil for bad entries")
	}
	if !strings.Contains(err.Error(), `operator "bob"`) || !strings.Contains(err.Error(), "name is empty") {
		t.Errorf("Validate() error = %v", err)
	}
}
