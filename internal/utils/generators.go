package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateOrderNumber returns a sortable public order number.
func GenerateOrderNumber() string {
	return "ORD-" + ulid.Make().String()
}

// GenerateTicketCode builds TKT-{order}-{seq}-{6 random characters}.
func GenerateTicketCode(orderNumber string, seq int) string {
	return fmt.Sprintf("TKT-%s-%03d-%s", orderNumber, seq, RandomCode(6))
}

// RandomCode returns n characters from A-Z0-9 using crypto/rand.
func RandomCode(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			idx = big.NewInt(int64(i % len(codeAlphabet)))
		}
		out[i] = codeAlphabet[idx.Int64()]
	}
	return string(out)
}

// GenerateAuditID creates a random UUID v4 for audit rows.
func GenerateAuditID() string {
	return uuid.NewString()
}
