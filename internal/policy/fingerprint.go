package policy

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Canonicalize produces the deterministic text encoding a Config's hash is
// computed over: field names in a fixed order, set-valued fields sorted
// element-wise, integers emitted in decimal. The same Config, regardless of
// how its slices were originally ordered, always canonicalizes to the same
// bytes.
func Canonicalize(c Config) []byte {
	var b strings.Builder
	b.WriteByte('{')
	fmt.Fprintf(&b, "maxTradeBps:%d;", c.MaxTradeBps)
	fmt.Fprintf(&b, "maxSlippageBps:%d;", c.MaxSlippageBps)

	b.WriteString("allowedDexes:[")
	for i, d := range c.sortedDexes() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(d)
	}
	b.WriteString("];")

	b.WriteString("allowedAssets:[")
	for i, a := range c.sortedAssets() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(a))
	}
	b.WriteString("]}")
	return []byte(b.String())
}

// FingerprintHash computes the policy fingerprint: SHA-256 of the UTF-8
// canonical encoding. Two configs produce the same hash iff they are
// operationally identical, regardless of field or set ordering.
func FingerprintHash(c Config) Hash {
	return sha256.Sum256(Canonicalize(c))
}
