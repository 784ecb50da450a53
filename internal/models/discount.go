package models

import (
	"time"

	"github.com/uptrace/bun"
)

type DiscountKind string

const (
	PERCENTAGE DiscountKind = "percentage"
	FIXED      DiscountKind = "fixed"
)

type DiscountCode struct {
	bun.BaseModel `bun:"table:discount_codes,alias:dc"`

	ID         int64        `bun:"id,pk,autoincrement" json:"id"`
	Code       string       `bun:"code,notnull,unique" json:"code"`
	Kind       DiscountKind `bun:"kind,notnull" json:"kind"`
	Value      int64        `bun:"value,notnull" json:"value"`
	UsageLimit int          `bun:"usage_limit,notnull" json:"usage_limit"`
	UsedCount  int          `bun:"used_count,notnull" json:"used_count"`
	Active     bool         `bun:"active,notnull" json:"active"`
	ValidFrom  *time.Time   `bun:"valid_from" json:"valid_from,omitempty"`
	ValidUntil *time.Time   `bun:"valid_until" json:"valid_until,omitempty"`
}

type ReferralCode struct {
	bun.BaseModel `bun:"table:referral_codes,alias:rc"`

	ID        int64  `bun:"id,pk,autoincrement" json:"id"`
	Code      string `bun:"code,notnull,unique" json:"code"`
	OwnerName string `bun:"owner_name" json:"owner_name"`
	Active    bool   `bun:"active,notnull" json:"active"`
}
