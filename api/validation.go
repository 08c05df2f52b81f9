package api

import (
	"math"
	"regexp"
	"strings"

	"github.com/mr-tron/base58"
)

// signaturePattern matches base58 transaction signatures. Length is
// bounded loosely; the ledger rejects anything that decodes wrong.
var signaturePattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,128}$`)

// ValidAddress reports whether s is a base58 string decoding to a
// 32-byte public key.
func ValidAddress(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return false
	}
	return len(raw) == 32
}

// ValidSignature reports whether s looks like a transaction signature.
func ValidSignature(s string) bool {
	return signaturePattern.MatchString(strings.TrimSpace(s))
}

// positiveNumber reports whether v is a finite number greater than zero.
func positiveNumber(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
