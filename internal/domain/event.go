package domain

import (
	"math/big"
	"time"
)

// EventType names a committed marketplace operation.
type EventType string

const (
	EventMinted           EventType = "minted"
	EventListedFixedPrice EventType = "listed_fixed_price"
	EventListedAuction    EventType = "listed_auction"
	EventListingCancelled EventType = "listing_cancelled"
	EventPurchased        EventType = "purchased"
	EventBidPlaced        EventType = "bid_placed"
	EventAuctionEnded     EventType = "auction_ended"
	EventWithdrawn        EventType = "withdrawn"
	EventWithdrawReverted EventType = "withdraw_reverted"
)

// MarketEvent is one committed operation with enough arguments to re-apply
// it deterministically. Amount holds the price, reserve, payment, bid or
// withdrawn value depending on Type.
type MarketEvent struct {
	Seq       uint64    `json:"seq"`
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Tick      int64     `json:"tick"`
	Caller    Address   `json:"caller"`
	To        Address   `json:"to,omitempty"`
	AssetID   TokenID   `json:"asset_id"`
	Amount    *big.Int  `json:"amount,omitempty"`
	Duration  int64     `json:"duration,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel returns the pub/sub channel the event is broadcast on.
func (e MarketEvent) Channel() string {
	return "market:" + string(e.Type)
}

// EscrowLock is value locked behind the highest bid of an active auction.
type EscrowLock struct {
	AssetID TokenID  `json:"asset_id"`
	Bidder  Address  `json:"bidder"`
	Amount  *big.Int `json:"amount"`
}

// Snapshot is a complete, serialisable copy of the engine state after the
// event with sequence Seq.
type Snapshot struct {
	Seq         uint64          `json:"seq"`
	Tick        int64           `json:"tick"`
	Collection  Collection      `json:"collection"`
	Assets      []Asset         `json:"assets"`
	Listings    []Listing       `json:"listings"`     // latest listing per asset
	Auctions    []Listing       `json:"auctions"`     // latest auction per asset
	ActiveOrder []TokenID       `json:"active_order"` // active listings, creation order
	ListingSeq  uint64          `json:"listing_seq"`
	Accounts    []EscrowAccount `json:"accounts"`
	Locks       []EscrowLock    `json:"locks"`
	Deposited   *big.Int        `json:"deposited"`
	Withdrawn   *big.Int        `json:"withdrawn"`
	TakenAt     time.Time       `json:"taken_at"`
}

// PayoutStatus tells whether a payout is known to have landed.
type PayoutStatus string

const (
	PayoutSettled PayoutStatus = "settled"
	PayoutPending PayoutStatus = "pending"
)

// Payout records a completed withdrawal.
type Payout struct {
	ID        string       `json:"id"`
	EventSeq  uint64       `json:"event_seq"`
	Account   Address      `json:"account"`
	Amount    *big.Int     `json:"amount"`
	TxHash    string       `json:"tx_hash,omitempty"`
	Status    PayoutStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}
