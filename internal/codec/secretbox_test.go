package codec

import (
	"errors"
	"testing"
)

var participants = [2]string{"0xAbC123", "0xDeF456"}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box := NewSecretBox([]byte("master-secret"))

	ct, err := box.Encrypt("gm fren", "chat1", participants)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if !box.LooksEncrypted(ct) {
		t.Errorf("LooksEncrypted(%q) = false, want true", ct)
	}

	pt, err := box.Decrypt(ct, "chat1", participants)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if pt != "gm fren" {
		t.Errorf("Decrypt() = %q, want %q", pt, "gm fren")
	}
}

func TestParticipantOrderIrrelevant(t *testing.T) {
	box := NewSecretBox([]byte("master-secret"))

	ct, err := box.Encrypt("hello", "chat1", [2]string{"0xAAA", "0xBBB"})
	if err != nil {
		t.Fatal(err)
	}
	// The peer sees the participants in the other order.
	pt, err := box.Decrypt(ct, "chat1", [2]string{"0xBBB", "0xAAA"})
	if err != nil {
		t.Fatalf("Decrypt() with swapped participants error = %v", err)
	}
	if pt != "hello" {
		t.Errorf("got %q", pt)
	}
}

func TestDecryptWrongChatFails(t *testing.T) {
	box := NewSecretBox([]byte("master-secret"))

	ct, _ := box.Encrypt("hello", "chat1", participants)
	_, err := box.Decrypt(ct, "chat2", participants)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("error = %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptGarbage(t *testing.T) {
	box := NewSecretBox([]byte("master-secret"))

	for _, ct := range []string{"", "plaintext", "wc1:", "wc1:!!!", "wc1:aGVsbG8="} {
		if _, err := box.Decrypt(ct, "chat1", participants); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Decrypt(%q) error = %v, want ErrDecryptionFailed", ct, err)
		}
	}
}

func TestLooksEncrypted(t *testing.T) {
	box := NewSecretBox([]byte("k"))
	if box.LooksEncrypted("gm") {
		t.Error("plain text flagged as encrypted")
	}
	if !box.LooksEncrypted("wc1:abcd") {
		t.Error("prefixed text not flagged")
	}
}

func TestPassthrough(t *testing.T) {
	var p Passthrough
	ct, err := p.Encrypt("hi", "c", participants)
	if err != nil || ct != "hi" {
		t.Errorf("Encrypt() = %q, %v", ct, err)
	}
	pt, err := p.Decrypt("hi", "c", participants)
	if err != nil || pt != "hi" {
		t.Errorf("Decrypt() = %q, %v", pt, err)
	}
}
