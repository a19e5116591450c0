// Package identity produces the short per-session display names announced
// while advertising and shown in the connection confirmation prompt.
package identity

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// Length is the number of decimal digits in a generated name.
const Length = 5

var ten = big.NewInt(10)

// Generate returns Length independently drawn decimal digits.
//
// Names are for human display only. With 10^5 possible values collisions are
// unlikely but not prevented.
func Generate() string {
	var b strings.Builder
	b.Grow(Length)
	for i := 0; i < Length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			// crypto/rand.Reader does not fail on supported platforms.
			panic("identity: read random digit: " + err.Error())
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String()
}

// Valid reports whether name has the shape produced by Generate.
func Valid(name string) bool {
	if len(name) != Length {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < '0' || name[i] > '9' {
			return false
		}
	}
	return true
}
