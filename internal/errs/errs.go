// Package errs defines the error taxonomy shared by the allocation
// engine. These sentinel values let callers distinguish expected
// allocation failures from infrastructure errors with errors.Is; the
// web layer translates them into user-facing messages. Allocation
// failure is a frequent, expected outcome under flash-sale load, so it
// is modelled as a return value rather than anything panicky.
package errs

import "errors"

// ErrInsufficientInventory is returned when fewer free seats or tokens
// exist at lock time than the caller requested. Lock acquisition is
// all-or-nothing: the caller gets the exact count or this error.
var ErrInsufficientInventory = errors.New("not enough free seats or tokens")

// ErrCapacityViolation is returned when a resize, bind or price change
// would break the bounded-pool arithmetic or touch already-sold seats.
var ErrCapacityViolation = errors.New("category capacity invariant violated")

// ErrCodeNotFound is returned for an unknown or already-consumed
// promo, access or special-price code.
var ErrCodeNotFound = errors.New("code not found")

// ErrCodeExpired is returned for a code outside its validity window.
var ErrCodeExpired = errors.New("code expired")

// ErrCodeUsageExceeded is returned when the confirmed-usage counter of
// a promo code has reached its limit, re-checked under row lock at
// payment confirmation.
var ErrCodeUsageExceeded = errors.New("code usage limit exceeded")

// ErrSaleWindowClosed is returned when a category is outside its sale
// window at allocation time.
var ErrSaleWindowClosed = errors.New("category not on sale")

// ErrDuplicateMember is returned when inserting a value already present
// in a uniqueness-constrained collection, e.g. a waiting-list email.
var ErrDuplicateMember = errors.New("duplicate member")

// ErrStaleReservation is returned when operating on a reservation that
// has already expired, completed or been cancelled.
var ErrStaleReservation = errors.New("stale reservation")
