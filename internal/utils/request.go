package utils

import (
	"net/http"
	"strings"
)

// OrderTokenHeader carries the buyer's order access token.
const OrderTokenHeader = "X-Order-Token"

// OrderToken reads the buyer access token from the header, falling back to
// the token query parameter used in QR links.
func OrderToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(OrderTokenHeader)); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
