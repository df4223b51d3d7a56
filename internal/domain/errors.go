package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every marketplace code unwraps to exactly one of these.
var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidState    = errors.New("invalid state")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyWithdrawal = errors.New("empty withdrawal")
)

// Infrastructure errors.
var (
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")
	ErrLockLost      = errors.New("lock lost")
	ErrBadSignature  = errors.New("bad signature")
)

// Payout outcomes reported by on-chain payers.
var (
	// ErrPayoutUnconfirmed marks a transfer that reached the network but has
	// no receipt yet. The value may still move, so the balance stays debited.
	ErrPayoutUnconfirmed = errors.New("payout unconfirmed")

	// ErrPayoutReverted marks a transfer that was mined and failed.
	ErrPayoutReverted = errors.New("payout reverted")
)

// Code identifies one specific marketplace failure. Codes are comparable
// sentinels; errors.Is(code, kind) reports whether the code belongs to kind.
type Code struct {
	name string
	kind error
}

func newCode(name string, kind error) *Code {
	return &Code{name: name, kind: kind}
}

func (c *Code) Error() string { return c.name }

// Unwrap returns the kind sentinel.
func (c *Code) Unwrap() error { return c.kind }

// Name returns the stable snake_case identifier used on the wire.
func (c *Code) Name() string { return c.name }

// Kind returns the kind sentinel the code belongs to.
func (c *Code) Kind() error { return c.kind }

var (
	ErrUnknownAsset   = newCode("unknown_asset", ErrNotFound)
	ErrUnknownListing = newCode("unknown_listing", ErrNotFound)

	ErrNotOwner      = newCode("not_owner", ErrUnauthorized)
	ErrNotSeller     = newCode("not_seller", ErrUnauthorized)
	ErrSelfBid       = newCode("self_bid", ErrUnauthorized)
	ErrSelfBuy       = newCode("self_buy", ErrUnauthorized)
	ErrUnknownCaller = newCode("unknown_caller", ErrUnauthorized)

	ErrDuplicateAsset    = newCode("duplicate_asset", ErrInvalidState)
	ErrAlreadyListed     = newCode("already_listed", ErrInvalidState)
	ErrNotActive         = newCode("not_active", ErrInvalidState)
	ErrAuctionExpired    = newCode("auction_expired", ErrInvalidState)
	ErrAuctionNotExpired = newCode("auction_not_expired", ErrInvalidState)
	ErrAuctionHasBids    = newCode("auction_has_bids", ErrInvalidState)

	ErrInvalidPrice        = newCode("invalid_price", ErrInvalidInput)
	ErrInvalidDuration     = newCode("invalid_duration", ErrInvalidInput)
	ErrBidTooLow           = newCode("bid_too_low", ErrInvalidInput)
	ErrInsufficientPayment = newCode("insufficient_payment", ErrInvalidInput)
	ErrInvalidRecipient    = newCode("invalid_recipient", ErrInvalidInput)
	ErrInvalidAmount       = newCode("invalid_amount", ErrInvalidInput)

	ErrNothingToWithdraw = newCode("nothing_to_withdraw", ErrEmptyWithdrawal)
)

// KindName returns the wire name of a kind sentinel.
func KindName(kind error) string {
	switch kind {
	case ErrNotFound:
		return "not_found"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrInvalidState:
		return "invalid_state"
	case ErrInvalidInput:
		return "invalid_input"
	case ErrEmptyWithdrawal:
		return "empty_withdrawal"
	default:
		return "internal"
	}
}

// Violation is a single constraint an operation broke.
type Violation struct {
	Code   *Code
	Detail string
}

func (v Violation) String() string {
	return v.Code.Name() + ": " + v.Detail
}

// MarketError is returned by every failing marketplace operation. Code is the
// primary failure; Violations lists every constraint that was checked and
// broken, primary first.
type MarketError struct {
	Op         string
	Code       *Code
	Violations []Violation
}

func (e *MarketError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("market: %s: %s", e.Op, strings.Join(parts, "; "))
}

// Unwrap exposes every violated code so errors.Is matches any of them, and
// through them their kinds.
func (e *MarketError) Unwrap() []error {
	out := make([]error, 0, len(e.Violations))
	for _, v := range e.Violations {
		out = append(out, v.Code)
	}
	return out
}

// Kind returns the kind of the primary code.
func (e *MarketError) Kind() error {
	return e.Code.Kind()
}

// CodeOf extracts the primary code from err, or nil when err is not a
// marketplace error.
func CodeOf(err error) *Code {
	var me *MarketError
	if errors.As(err, &me) {
		return me.Code
	}
	var c *Code
	if errors.As(err, &c) {
		return c
	}
	return nil
}
