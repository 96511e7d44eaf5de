package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
)

var (
	ErrInvalidAddress   = errors.New("identity: invalid wallet address")
	ErrBadSignature     = errors.New("identity: signature does not match address")
	ErrPairingConsumed  = errors.New("identity: pairing already completed")
	ErrMissingSignature = errors.New("identity: signature is missing")
)

var hexAddr = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Pairing is a one-shot wallet handshake. The daemon shows the URI (or
// its QR code); the wallet app signs the pairing message; Complete
// verifies the personal_sign signature against the claimed address.
type Pairing struct {
	Session string
	Nonce   string

	consumed bool
}

// NewPairing creates a pairing challenge with a fresh nonce.
func NewPairing(session string) *Pairing {
	return &Pairing{
		Session: session,
		Nonce:   uuid.New().String(),
	}
}

// URI is the deep link encoded into the QR code.
func (p *Pairing) URI() string {
	return fmt.Sprintf("wch://pair?session=%s&nonce=%s", p.Session, p.Nonce)
}

// Message is the exact text the wallet signs.
func (p *Pairing) Message() string {
	return fmt.Sprintf("wch pairing request\n\nsession: %s\nnonce: %s", p.Session, p.Nonce)
}

// QR renders the pairing URI as a terminal-printable QR code.
func (p *Pairing) QR() (string, error) {
	q, err := qrcode.New(p.URI(), qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("render pairing qr: %w", err)
	}
	return q.ToSmallString(false), nil
}

// Complete verifies the signature and consumes the pairing. A pairing
// can succeed at most once; the nonce is never reused.
func (p *Pairing) Complete(address, sigHex string) error {
	if p.consumed {
		return ErrPairingConsumed
	}
	if !hexAddr.MatchString(address) {
		return ErrInvalidAddress
	}
	if sigHex == "" {
		return ErrMissingSignature
	}
	if !VerifySignature(address, sigHex, []byte(p.Message())) {
		return ErrBadSignature
	}
	p.consumed = true
	return nil
}

// VerifySignature checks a personal_sign signature over msg against the
// claimed address.
func VerifySignature(address, sigHex string, msg []byte) bool {
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return false
	}
	// Wallets produce V as 27/28; go-ethereum expects 0/1.
	if sig[crypto.RecoveryIDOffset] == 27 || sig[crypto.RecoveryIDOffset] == 28 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return false
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return strings.EqualFold(address, recovered.Hex())
}
