package qr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"
)

// Signer binds a ticket code to its order with an HMAC so printed QR codes
// cannot be forged from a guessed ticket code.
type Signer struct {
	secret  []byte
	baseURL string
}

func NewSigner(secret, publicBaseURL string) *Signer {
	return &Signer{secret: []byte(secret), baseURL: strings.TrimRight(publicBaseURL, "/")}
}

// Hash is hex(HMAC-SHA256(secret, ticketCode|orderNumber)).
func (s *Signer) Hash(ticketCode, orderNumber string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(ticketCode + "|" + orderNumber))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Verify(ticketCode, orderNumber, hash string) bool {
	if hash == "" {
		return false
	}
	expected := s.Hash(ticketCode, orderNumber)
	return hmac.Equal([]byte(strings.ToLower(hash)), []byte(expected))
}

// AccessToken is the buyer's proof of ownership for an order. It is handed out
// once at checkout and is required to view the order or its QR codes.
func (s *Signer) AccessToken(orderNumber string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte("access|" + orderNumber))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) VerifyAccess(orderNumber, token string) bool {
	if token == "" || orderNumber == "" {
		return false
	}
	return hmac.Equal([]byte(strings.ToLower(token)), []byte(s.AccessToken(orderNumber)))
}

// PayloadURL is the content encoded into the QR image.
func (s *Signer) PayloadURL(ticketCode, orderNumber string) string {
	q := url.Values{}
	q.Set("ticket", ticketCode)
	q.Set("verify", s.Hash(ticketCode, orderNumber))
	return s.baseURL + "/scan?" + q.Encode()
}

// PNG renders the signed URL as a 256px QR image.
func (s *Signer) PNG(ticketCode, orderNumber string) ([]byte, error) {
	return qrcode.Encode(s.PayloadURL(ticketCode, orderNumber), qrcode.Medium, 256)
}

var ErrEmptyScan = errors.New("empty scan")

// Scan is what a scanner read. Verify is empty for a bare typed code.
type Scan struct {
	TicketCode string
	Verify     string
}

func (s Scan) Manual() bool { return s.Verify == "" }

// ParseScan accepts either a full QR URL or a bare ticket code.
func ParseScan(raw string) (Scan, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Scan{}, ErrEmptyScan
	}
	if !strings.Contains(raw, "?") {
		return Scan{TicketCode: strings.ToUpper(raw)}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Scan{}, err
	}
	q := u.Query()
	code := strings.TrimSpace(q.Get("ticket"))
	if code == "" {
		return Scan{}, ErrEmptyScan
	}
	return Scan{TicketCode: code, Verify: strings.TrimSpace(q.Get("verify"))}, nil
}
