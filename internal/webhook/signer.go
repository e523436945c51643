package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HMACSigner implements ports.Signer over HMAC-SHA256, signing the raw
// webhook body per its X-KasGate-Signature header.
type HMACSigner struct{}

// NewHMACSigner creates a new HMAC-SHA256 signer.
func NewHMACSigner() *HMACSigner {
	return &HMACSigner{}
}

// Sign computes HMAC-SHA256 of payload using secret. Returns lowercase hex.
func (s *HMACSigner) Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against HMAC-SHA256(secret, payload) in constant
// time, per its HMAC timing-leak guidance.
func (s *HMACSigner) Verify(secret string, payload []byte, signature string) bool {
	expected := s.Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

