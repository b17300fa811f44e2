package db

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/kumo/consts"
	"github.com/migadu/kumo/logger"
	"golang.org/x/crypto/bcrypt"
)

const (
	ssha512PrefixB64 = "{SSHA512}"
	ssha512PrefixHex = "{SSHA512.HEX}"
	sha512PrefixB64  = "{SHA512}"
	sha512PrefixHex  = "{SHA512.HEX}"
	blfCryptPrefix   = "{BLF-CRYPT}"
	plainPrefix      = "{PLAIN}"

	bcryptPrefix2a = "$2a$"
	bcryptPrefix2b = "$2b$"
	bcryptPrefix2y = "$2y$"

	sha512HashLength = 64
)

// verifySSHA512 checks a salted SHA512 hash: 64 hash bytes followed by the
// salt, base64 or hex encoded depending on the scheme prefix.
func verifySSHA512(hashedPassword, password string) error {
	decoded, err := decodeHashData(hashedPassword, ssha512PrefixB64, ssha512PrefixHex)
	if err != nil {
		return fmt.Errorf("invalid SSHA512 data: %w", err)
	}
	if len(decoded) < sha512HashLength+1 {
		return errors.New("invalid SSHA512 hash: too short")
	}

	storedHash := decoded[:sha512HashLength]
	salt := decoded[sha512HashLength:]

	h := sha512.New()
	h.Write([]byte(password))
	h.Write(salt)

	if !bytes.Equal(storedHash, h.Sum(nil)) {
		return errors.New("invalid password")
	}
	return nil
}

func verifySHA512(hashedPassword, password string) error {
	storedHash, err := decodeHashData(hashedPassword, sha512PrefixB64, sha512PrefixHex)
	if err != nil {
		return fmt.Errorf("invalid SHA512 data: %w", err)
	}
	if len(storedHash) != sha512HashLength {
		return errors.New("invalid SHA512 hash: incorrect length")
	}

	h := sha512.New()
	h.Write([]byte(password))

	if !bytes.Equal(storedHash, h.Sum(nil)) {
		return errors.New("invalid password")
	}
	return nil
}

func decodeHashData(hashed, b64Prefix, hexPrefix string) ([]byte, error) {
	switch {
	case strings.HasPrefix(hashed, hexPrefix):
		return hex.DecodeString(strings.TrimPrefix(hashed, hexPrefix))
	case strings.HasPrefix(hashed, b64Prefix):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(hashed, b64Prefix))
	default:
		return nil, errors.New("unknown encoding prefix")
	}
}

// verifyPassword dispatches on the scheme prefix. Hashes without a scheme
// prefix are treated as bare bcrypt.
func verifyPassword(hashedPassword, password string) error {
	switch {
	case strings.HasPrefix(hashedPassword, ssha512PrefixB64),
		strings.HasPrefix(hashedPassword, ssha512PrefixHex):
		return verifySSHA512(hashedPassword, password)

	case strings.HasPrefix(hashedPassword, sha512PrefixB64),
		strings.HasPrefix(hashedPassword, sha512PrefixHex):
		return verifySHA512(hashedPassword, password)

	case strings.HasPrefix(hashedPassword, blfCryptPrefix):
		return bcrypt.CompareHashAndPassword(
			[]byte(strings.TrimPrefix(hashedPassword, blfCryptPrefix)), []byte(password))

	case strings.HasPrefix(hashedPassword, bcryptPrefix2a),
		strings.HasPrefix(hashedPassword, bcryptPrefix2b),
		strings.HasPrefix(hashedPassword, bcryptPrefix2y):
		return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))

	case strings.HasPrefix(hashedPassword, plainPrefix):
		if subtleCompare(strings.TrimPrefix(hashedPassword, plainPrefix), password) {
			return nil
		}
		return errors.New("invalid password")

	default:
		logger.Warn("unknown password hash scheme",
			"prefix", hashedPassword[:min(10, len(hashedPassword))])
		return errors.New("unknown password hash scheme")
	}
}

func subtleCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := 0; i < len(a); i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// GenerateBcryptHash creates a {BLF-CRYPT} prefixed bcrypt hash.
func GenerateBcryptHash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("error generating bcrypt hash: %w", err)
	}
	return blfCryptPrefix + string(hash), nil
}

// Authenticate verifies address and password against the credentials table
// and returns the account id. The address is matched with any +detail suffix
// already stripped by the caller.
func (db *Database) Authenticate(ctx context.Context, address, password string) (int64, error) {
	normalized := strings.ToLower(strings.TrimSpace(address))
	if normalized == "" || password == "" {
		return 0, consts.ErrAuthenticationFailed
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var accountID int64
	var hashedPassword string
	err := db.timedQueryRow(ctx, "auth_lookup",
		"SELECT account_id, password FROM credentials WHERE address = $1",
		normalized).Scan(&accountID, &hashedPassword)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, consts.ErrUserNotFound
		}
		return 0, fmt.Errorf("database error during authentication: %w", err)
	}

	if err := verifyPassword(hashedPassword, password); err != nil {
		return 0, consts.ErrAuthenticationFailed
	}
	return accountID, nil
}

// GetAPOPSecret returns the recoverable shared secret for an address. Only
// credentials stored with the {PLAIN} scheme can serve APOP; for any other
// scheme the digest cannot be recomputed and authentication must fail.
func (db *Database) GetAPOPSecret(ctx context.Context, address string) (int64, string, error) {
	normalized := strings.ToLower(strings.TrimSpace(address))
	if normalized == "" {
		return 0, "", consts.ErrAuthenticationFailed
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var accountID int64
	var stored string
	err := db.timedQueryRow(ctx, "apop_lookup",
		"SELECT account_id, password FROM credentials WHERE address = $1",
		normalized).Scan(&accountID, &stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, "", consts.ErrUserNotFound
		}
		return 0, "", fmt.Errorf("database error during APOP lookup: %w", err)
	}

	if !strings.HasPrefix(stored, plainPrefix) {
		return 0, "", consts.ErrAuthenticationFailed
	}
	return accountID, strings.TrimPrefix(stored, plainPrefix), nil
}
