package identity

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// signPersonal produces a personal_sign signature the way wallets do,
// including the 27/28 recovery id offset.
func signPersonal(t *testing.T, msg []byte) (address, sigHex string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		t.Fatal(err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), hexutil.Encode(sig)
}

func TestPairingComplete(t *testing.T) {
	p := NewPairing("main")
	addr, sig := signPersonal(t, []byte(p.Message()))

	if err := p.Complete(addr, sig); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	// Nonces are one-shot.
	if err := p.Complete(addr, sig); !errors.Is(err, ErrPairingConsumed) {
		t.Errorf("second Complete() = %v, want ErrPairingConsumed", err)
	}
}

func TestPairingWrongAddress(t *testing.T) {
	p := NewPairing("main")
	_, sig := signPersonal(t, []byte(p.Message()))

	err := p.Complete("0x0000000000000000000000000000000000000001", sig)
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("Complete() = %v, want ErrBadSignature", err)
	}
}

func TestPairingValidation(t *testing.T) {
	p := NewPairing("main")
	if err := p.Complete("not-an-address", "0x00"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("bad address: %v", err)
	}
	if err := p.Complete("0x0000000000000000000000000000000000000001", ""); !errors.Is(err, ErrMissingSignature) {
		t.Errorf("missing sig: %v", err)
	}
}

func TestPairingSignatureOverDifferentMessage(t *testing.T) {
	p := NewPairing("main")
	addr, sig := signPersonal(t, []byte("some other message"))

	if err := p.Complete(addr, sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Complete() = %v, want ErrBadSignature", err)
	}
}

func TestPairingQR(t *testing.T) {
	p := NewPairing("main")
	qr, err := p.QR()
	if err != nil {
		t.Fatalf("QR() error = %v", err)
	}
	if qr == "" {
		t.Error("QR() returned empty string")
	}
}

func TestVerifySignatureMalformed(t *testing.T) {
	if VerifySignature("0x0000000000000000000000000000000000000001", "0xzz", []byte("m")) {
		t.Error("malformed hex accepted")
	}
	if VerifySignature("0x0000000000000000000000000000000000000001", "0x0011", []byte("m")) {
		t.Error("short signature accepted")
	}
}
