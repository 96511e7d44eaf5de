package codec

import "errors"

// ErrDecryptionFailed means the ciphertext could not be opened. Callers
// display Placeholder instead of dropping the message.
var ErrDecryptionFailed = errors.New("codec: decryption failed")

// Placeholder is shown in place of content that failed to decrypt.
const Placeholder = "[encrypted message]"

// Codec encrypts outbound content and decrypts inbound content for a
// chat. Implementations derive per-chat keys from the participant pair.
type Codec interface {
	Encrypt(plaintext, chatID string, participants [2]string) (string, error)
	Decrypt(ciphertext, chatID string, participants [2]string) (string, error)
	LooksEncrypted(content string) bool
}

// Passthrough is a no-op codec for unencrypted chats and tests.
type Passthrough struct{}

func (Passthrough) Encrypt(plaintext, _ string, _ [2]string) (string, error) {
	return plaintext, nil
}

func (Passthrough) Decrypt(ciphertext, _ string, _ [2]string) (string, error) {
	return ciphertext, nil
}

func (Passthrough) LooksEncrypted(string) bool { return false }
