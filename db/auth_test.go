package db

import (
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
)

func makeSSHA512(password, salt string) string {
	h := sha512.New()
	h.Write([]byte(password))
	h.Write([]byte(salt))
	return base64.StdEncoding.EncodeToString(append(h.Sum(nil), []byte(salt)...))
}

func makeSHA512Hex(password string) string {
	sum := sha512.Sum512([]byte(password))
	return hex.EncodeToString(sum[:])
}

func TestVerifyPassword(t *testing.T) {
	tests := []struct {
		name     string
		hashed   string
		password string
		wantErr  bool
	}{
		{
			name:     "SSHA512 base64 correct",
			hashed:   "{SSHA512}" + makeSSHA512("hunter2", "somesalt"),
			password: "hunter2",
		},
		{
			name:     "SSHA512 base64 wrong password",
			hashed:   "{SSHA512}" + makeSSHA512("hunter2", "somesalt"),
			password: "hunter3",
			wantErr:  true,
		},
		{
			name:     "SHA512 hex correct",
			hashed:   "{SHA512.HEX}" + makeSHA512Hex("hunter2"),
			password: "hunter2",
		},
		{
			name:     "SHA512 hex wrong password",
			hashed:   "{SHA512.HEX}" + makeSHA512Hex("hunter2"),
			password: "wrong",
			wantErr:  true,
		},
		{
			name:     "PLAIN correct",
			hashed:   "{PLAIN}hunter2",
			password: "hunter2",
		},
		{
			name:     "PLAIN wrong password",
			hashed:   "{PLAIN}hunter2",
			password: "hunter22",
			wantErr:  true,
		},
		{
			name:     "unknown scheme",
			hashed:   "{ARGON2}whatever",
			password: "hunter2",
			wantErr:  true,
		},
		{
			name:     "corrupt base64",
			hashed:   "{SSHA512}!!!not-base64!!!",
			password: "hunter2",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyPassword(tt.hashed, tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("verifyPassword() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyPasswordBcrypt(t *testing.T) {
	hashed, err := GenerateBcryptHash("hunter2")
	if err != nil {
		t.Fatalf("GenerateBcryptHash() = %v", err)
	}
	if !strings.HasPrefix(hashed, "{BLF-CRYPT}$2") {
		t.Fatalf("unexpected hash format: %q", hashed)
	}

	if err := verifyPassword(hashed, "hunter2"); err != nil {
		t.Errorf("verifyPassword() with correct password = %v", err)
	}
	if err := verifyPassword(hashed, "wrong"); err == nil {
		t.Error("verifyPassword() accepted a wrong password")
	}

	// Bare bcrypt without a scheme prefix is accepted too.
	bare := strings.TrimPrefix(hashed, "{BLF-CRYPT}")
	if err := verifyPassword(bare, "hunter2"); err != nil {
		t.Errorf("verifyPassword() with bare bcrypt = %v", err)
	}
}

func TestSubtleCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"secret", "secret", true},
		{"secret", "Secret", false},
		{"secret", "secrets", false},
		{"", "", true},
		{"", "x", false},
	}
	for _, tt := range tests {
		if got := subtleCompare(tt.a, tt.b); got != tt.want {
			t.Errorf("subtleCompare(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
