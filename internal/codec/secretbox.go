package codec

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// prefix marks SecretBox ciphertexts on the wire.
const prefix = "wc1:"

// SecretBox is an XChaCha20-Poly1305 codec. Each chat gets its own key
// derived from the master secret, the chat id, and the participant pair,
// so both sides derive the same key regardless of who created the chat.
type SecretBox struct {
	master []byte
}

// NewSecretBox creates a codec from a master secret.
func NewSecretBox(master []byte) *SecretBox {
	return &SecretBox{master: master}
}

func (s *SecretBox) chatKey(chatID string, participants [2]string) ([]byte, error) {
	pair := []string{
		strings.ToLower(participants[0]),
		strings.ToLower(participants[1]),
	}
	sort.Strings(pair)
	info := []byte(pair[0] + "|" + pair[1])

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, s.master, []byte(chatID), info)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive chat key: %w", err)
	}
	return key, nil
}

func (s *SecretBox) Encrypt(plaintext, chatID string, participants [2]string) (string, error) {
	key, err := s.chatKey(chatID, participants)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *SecretBox) Decrypt(ciphertext, chatID string, participants [2]string) (string, error) {
	raw, ok := strings.CutPrefix(ciphertext, prefix)
	if !ok {
		return "", ErrDecryptionFailed
	}
	sealed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	key, err := s.chatKey(chatID, participants)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	if len(sealed) < aead.NonceSize() {
		return "", ErrDecryptionFailed
	}
	nonce, box := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

func (s *SecretBox) LooksEncrypted(content string) bool {
	return strings.HasPrefix(content, prefix)
}
