package security

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// kdfIterations is the PBKDF2 round count. High on purpose: key
	// derivation happens once per engine, brute-forcing a captured token
	// should not be cheap.
	kdfIterations = 480000

	// packetTTL bounds how old a token may be at decrypt time. Replayed
	// packets older than this fail verification.
	packetTTL = 300 * time.Second
)

// defaultSalt is used when no room name is available. Keys derived with it
// are interoperable across implementations, so the literal must not change.
var defaultSalt = []byte("lan_chat_default_salt")

// ErrDecrypt is returned for every decryption failure. Wrong password,
// tampered ciphertext, and expired tokens are deliberately indistinguishable
// so an attacker probing a room learns nothing from the failure mode.
var ErrDecrypt = errors.New("security: decrypt failed: wrong password or expired/corrupted packet")

// Session is the room's crypto context. With an empty password the session
// is a passthrough and payloads travel in the clear; with a password every
// payload is sealed in a Fernet token (AES-128-CBC + HMAC-SHA256 with an
// embedded issue time).
//
// The key is derived with PBKDF2-HMAC-SHA256 from the password, salted with
// SHA-256(room name) so the same password yields different keys in
// different rooms. Two peers constructing a Session from the same password
// and room name can read each other's traffic; nothing else is exchanged.
type Session struct {
	key       *fernet.Key
	encrypted bool
}

func NewSession(password, roomName string) *Session {
	if password == "" {
		return &Session{}
	}

	salt := defaultSalt
	if roomName != "" {
		sum := sha256.Sum256([]byte(roomName))
		salt = sum[:]
	}

	var key fernet.Key
	raw := pbkdf2.Key([]byte(password), salt, kdfIterations, len(key), sha256.New)
	copy(key[:], raw)

	return &Session{key: &key, encrypted: true}
}

// Encrypted reports whether this session seals payloads. Discovery
// announces it as the room's is_private flag.
func (s *Session) Encrypted() bool { return s.encrypted }

// Encrypt seals data into a Fernet token, or returns it unchanged for a
// passthrough session.
func (s *Session) Encrypt(data []byte) ([]byte, error) {
	if !s.encrypted {
		return data, nil
	}

	tok, err := fernet.EncryptAndSign(data, s.key)
	if err != nil {
		return nil, fmt.Errorf("security: encrypt: %w", err)
	}
	return tok, nil
}

// Decrypt opens a Fernet token, enforcing the replay TTL. Any failure is
// ErrDecrypt. Passthrough sessions return data unchanged.
func (s *Session) Decrypt(data []byte) ([]byte, error) {
	if !s.encrypted {
		return data, nil
	}

	msg := fernet.VerifyAndDecrypt(data, packetTTL, []*fernet.Key{s.key})
	if msg == nil {
		return nil, ErrDecrypt
	}
	return msg, nil
}
