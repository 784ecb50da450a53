// Package status classifies raw payment-gateway transaction statuses into the
// three canonical buckets the rest of the service reasons about.
package status

import "strings"

// Raw gateway statuses an order can carry.
const (
	Pending           = "pending"
	Authorize         = "authorize"
	Capture           = "capture"
	Settlement        = "settlement"
	Deny              = "deny"
	Cancel            = "cancel"
	Expire            = "expire"
	Refund            = "refund"
	PartialRefund     = "partial_refund"
	Chargeback        = "chargeback"
	PartialChargeback = "partial_chargeback"
	Failure           = "failure"
	Paid              = "paid"
	Failed            = "failed"
	Cancelled         = "cancelled"
)

var successful = map[string]int{
	Paid:       1,
	Capture:    2,
	Settlement: 3,
}

var failed = map[string]struct{}{
	Deny:      {},
	Cancel:    {},
	Expire:    {},
	Failure:   {},
	Failed:    {},
	Cancelled: {},
}

var known = map[string]struct{}{
	Pending: {}, Authorize: {}, Capture: {}, Settlement: {}, Deny: {}, Cancel: {},
	Expire: {}, Refund: {}, PartialRefund: {}, Chargeback: {}, PartialChargeback: {},
	Failure: {}, Paid: {}, Failed: {}, Cancelled: {},
}

// Classification is the canonical view of a raw status. Exactly one field is true.
type Classification struct {
	IsSuccessful bool `json:"is_successful"`
	IsFailed     bool `json:"is_failed"`
	IsPending    bool `json:"is_pending"`
}

// Normalize trims and lower-cases a raw status.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Canonicalize maps any raw status to exactly one class. Unknown values,
// refunds and chargebacks land in the pending class.
func Canonicalize(raw string) Classification {
	s := Normalize(raw)
	if _, ok := successful[s]; ok {
		return Classification{IsSuccessful: true}
	}
	if _, ok := failed[s]; ok {
		return Classification{IsFailed: true}
	}
	return Classification{IsPending: true}
}

func IsSuccessful(raw string) bool { return Canonicalize(raw).IsSuccessful }

// Known reports whether raw is one of the statuses the order model accepts.
func Known(raw string) bool {
	_, ok := known[Normalize(raw)]
	return ok
}

// SuccessfulStatuses lists the raw statuses that count as paid, in refinement order.
func SuccessfulStatuses() []string {
	return []string{Paid, Capture, Settlement}
}

// FailedStatuses lists the terminal failure statuses.
func FailedStatuses() []string {
	return []string{Deny, Cancel, Expire, Failure, Failed, Cancelled}
}

// IsRefinement reports whether moving from one successful status to another
// only adds detail (paid -> capture -> settlement).
func IsRefinement(from, to string) bool {
	fr, ok1 := successful[Normalize(from)]
	tr, ok2 := successful[Normalize(to)]
	return ok1 && ok2 && tr > fr
}

var equivalents = map[string][]string{
	Paid:      {Paid, Capture, Settlement},
	Cancelled: {Cancelled, Cancel, Expire},
	Failed:    {Failed, Deny, Failure},
}

// Equivalent reports whether a locally stored status agrees with the status
// the gateway reports. Local aggregate statuses match their gateway spellings.
func Equivalent(local, gateway string) bool {
	l, g := Normalize(local), Normalize(gateway)
	if l == g {
		return true
	}
	for _, s := range equivalents[l] {
		if s == g {
			return true
		}
	}
	return false
}
