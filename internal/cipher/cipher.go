// Package cipher encrypts message bodies with a key shared by exactly two
// participants. The key depends only on the two ids and a static salt, so
// anyone holding the salt can derive it: this protects data at rest against
// casual inspection, not against a malicious server.
package cipher

import (
	gocipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru"
	"github.com/matheus3301/dmsync/internal/chat"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// DefaultSalt is the static salt shipped with the client.
const DefaultSalt = "dmsync/pairwise/v1"

// prefix marks values produced by Encrypt.
const prefix = "x1:"

const aeadCacheSize = 256

// Cipher derives pairwise keys and seals message bodies.
type Cipher struct {
	salt  []byte
	aeads *lru.Cache
}

// New creates a cipher using the given salt (DefaultSalt when empty).
func New(salt string) *Cipher {
	if salt == "" {
		salt = DefaultSalt
	}
	cache, _ := lru.New(aeadCacheSize)
	return &Cipher{salt: []byte(salt), aeads: cache}
}

// DeriveKey returns the symmetric key for the pair (a, b). It is commutative.
func (c *Cipher) DeriveKey(a, b string) [32]byte {
	if b < a {
		a, b = b, a
	}
	buf := make([]byte, 0, len(a)+len(b)+len(c.salt)+2)
	buf = append(buf, a...)
	buf = append(buf, 0x1f)
	buf = append(buf, b...)
	buf = append(buf, 0x1f)
	buf = append(buf, c.salt...)
	return blake2b.Sum256(buf)
}

func (c *Cipher) aead(a, b string) (gocipher.AEAD, error) {
	id := chat.ConversationID(a, b)
	if v, ok := c.aeads.Get(id); ok {
		return v.(gocipher.AEAD), nil
	}
	key := c.DeriveKey(a, b)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	c.aeads.Add(id, aead)
	return aead, nil
}

// Encrypt seals plaintext for the pair (a, b).
func (c *Cipher) Encrypt(plaintext, a, b string) (string, error) {
	aead, err := c.aead(a, b)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts ciphertext for the pair (a, b). When the value was never
// encrypted, is malformed, or was sealed with another key, the input is
// returned unchanged with ok=false.
func (c *Cipher) Open(ciphertext, a, b string) (plaintext string, ok bool) {
	raw, found := strings.CutPrefix(ciphertext, prefix)
	if !found {
		return ciphertext, false
	}
	sealed, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(sealed) < chacha20poly1305.NonceSizeX {
		return ciphertext, false
	}
	aead, err := c.aead(a, b)
	if err != nil {
		return ciphertext, false
	}
	nonce, body := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	out, err := aead.Open(nil, nonce, body, nil)
	if err != nil || !utf8.Valid(out) {
		return ciphertext, false
	}
	return string(out), true
}

// Decrypt is Open without the plausibility flag.
func (c *Cipher) Decrypt(ciphertext, a, b string) string {
	out, _ := c.Open(ciphertext, a, b)
	return out
}

// EncryptMessage returns a copy of m with its body sealed. Already encrypted
// messages are returned as is.
func (c *Cipher) EncryptMessage(m chat.Message) (chat.Message, error) {
	if m.Encrypted {
		return m, nil
	}
	body, err := c.Encrypt(m.Body, m.SenderID, m.RecipientID)
	if err != nil {
		return m, err
	}
	m.Body = body
	m.Encrypted = true
	return m, nil
}

// DecryptMessage returns a copy of m with a plaintext body. ok is false when
// the body could not be decrypted; the body is then left as received.
func (c *Cipher) DecryptMessage(m chat.Message) (chat.Message, bool) {
	if !m.Encrypted {
		return m, true
	}
	body, ok := c.Open(m.Body, m.SenderID, m.RecipientID)
	if !ok {
		return m, false
	}
	m.Body = body
	m.Encrypted = false
	return m, true
}
