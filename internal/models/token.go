package models

import (
	"time"

	"github.com/uptrace/bun"
)

type TokenStatus string

const (
	TokenWaiting   TokenStatus = "WAITING"
	TokenFree      TokenStatus = "FREE"
	TokenPending   TokenStatus = "PENDING"
	TokenTaken     TokenStatus = "TAKEN"
	TokenCancelled TokenStatus = "CANCELLED"
)

// SpecialPriceToken is a single-use credential unlocking one seat of an
// access-restricted category. A token that has been sent to an assignee
// (SentAt set) may never be reclaimed by a capacity shrink.
type SpecialPriceToken struct {
	bun.BaseModel `bun:"table:special_price_tokens"`

	ID            int64       `bun:"id,pk,autoincrement"`
	CategoryID    string      `bun:"category_id,notnull"`
	Code          string      `bun:"code,notnull,unique"`
	Status        TokenStatus `bun:"status,notnull"`
	OriginStatus  TokenStatus `bun:"origin_status,nullzero"`
	AccessCodeID  string      `bun:"access_code_id,nullzero"`
	ReservationID string      `bun:"reservation_id,nullzero"`
	SentAt        time.Time   `bun:"sent_at,nullzero"`
}
