package receipt

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const AlgHS256 = "HS256"

var (
	ErrUnsigned          = errors.New("receipt is not signed")
	ErrUnsupportedAlg    = errors.New("unsupported signature algorithm")
	ErrKeyMismatch       = errors.New("signature key id does not match signer")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Signer produces HMAC-SHA256 signatures over canonical bytes under a named
// key.
type Signer struct {
	keyID  string
	secret []byte
}

func NewSigner(keyID string, secret []byte) (*Signer, error) {
	if keyID == "" {
		return nil, errors.New("signer key id is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("signer secret is required")
	}
	return &Signer{keyID: keyID, secret: bytes.Clone(secret)}, nil
}

func (s *Signer) KeyID() string { return s.keyID }

// Sign canonicalizes v and returns the unpadded base64url HMAC.
func (s *Signer) Sign(v any) (string, error) {
	mac, err := s.mac(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(mac), nil
}

// SignReceipt signs r without its signature field and attaches the result.
func (s *Signer) SignReceipt(r *Receipt) error {
	unsigned := *r
	unsigned.Signature = nil
	sig, err := s.Sign(&unsigned)
	if err != nil {
		return fmt.Errorf("sign receipt %s: %w", r.ReceiptID, err)
	}
	r.Signature = &Signature{Alg: AlgHS256, KeyID: s.keyID, Sig: sig}
	return nil
}

// Verify recomputes the HMAC of r with its signature removed.
func (s *Signer) Verify(r *Receipt) error {
	if r.Signature == nil {
		return ErrUnsigned
	}
	unsigned := *r
	unsigned.Signature = nil
	return s.check(*r.Signature, &unsigned)
}

// VerifyJSON verifies a stored receipt document without decoding it into a
// Receipt, so fields unknown to this version are still covered.
func (s *Signer) VerifyJSON(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode receipt: %w", err)
	}
	rawSig, ok := doc["signature"]
	if !ok {
		return ErrUnsigned
	}
	delete(doc, "signature")

	sigJSON, err := json.Marshal(rawSig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	var sig Signature
	if err := json.Unmarshal(sigJSON, &sig); err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	return s.check(sig, doc)
}

func (s *Signer) check(sig Signature, unsigned any) error {
	if sig.Alg != AlgHS256 {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlg, sig.Alg)
	}
	if sig.KeyID != s.keyID {
		return fmt.Errorf("%w: got %q, want %q", ErrKeyMismatch, sig.KeyID, s.keyID)
	}
	got, err := base64.RawURLEncoding.DecodeString(sig.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	want, err := s.mac(unsigned)
	if err != nil {
		return err
	}
	if !hmac.Equal(got, want) {
		return ErrSignatureMismatch
	}
	return nil
}

func (s *Signer) mac(v any) ([]byte, error) {
	msg, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, s.secret)
	h.Write(msg)
	return h.Sum(nil), nil
}
