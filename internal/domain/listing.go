package domain

import (
	"math/big"
)

// ListingKind selects how an asset is offered.
type ListingKind string

const (
	ListingFixedPrice ListingKind = "fixed_price"
	ListingAuction    ListingKind = "auction"
)

// ListingStatus tracks the listing lifecycle. Only Active is non-terminal.
type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingSold      ListingStatus = "sold"
	ListingEnded     ListingStatus = "ended"
	ListingCancelled ListingStatus = "cancelled"
)

// Listing is a seller's offer of one asset.
type Listing struct {
	AssetID    TokenID          `json:"asset_id"`
	Kind       ListingKind      `json:"kind"`
	Seller     Address          `json:"seller"`
	Status     ListingStatus    `json:"status"`
	Seq        uint64           `json:"seq"`        // listing creation order
	CreatedAt  int64            `json:"created_at"` // clock tick
	FixedPrice *FixedPriceTerms `json:"fixed_price,omitempty"`
	Auction    *AuctionTerms    `json:"auction,omitempty"`
}

// Active reports whether the listing is still open.
func (l Listing) Active() bool {
	return l.Status == ListingActive
}

// Clone returns a deep copy.
func (l Listing) Clone() Listing {
	out := l
	if l.FixedPrice != nil {
		fp := *l.FixedPrice
		fp.Price = Amount(l.FixedPrice.Price)
		out.FixedPrice = &fp
	}
	if l.Auction != nil {
		a := l.Auction.Clone()
		out.Auction = &a
	}
	return out
}

// FixedPriceTerms is attached to a fixed-price listing.
type FixedPriceTerms struct {
	Price *big.Int `json:"price"`
}

// Bid records the most recent qualifying amount of one bidder.
type Bid struct {
	Bidder Address  `json:"bidder"`
	Amount *big.Int `json:"amount"`
}

// AuctionTerms is attached to an auction listing.
type AuctionTerms struct {
	ReservePrice  *big.Int `json:"reserve_price"`
	EndTime       int64    `json:"end_time"`
	HighestBid    *big.Int `json:"highest_bid"`
	HighestBidder Address  `json:"highest_bidder"`
	Bidders       []Bid    `json:"bidders"` // first-bid order, one entry per bidder
}

// HasBids reports whether any bid has been accepted.
func (a AuctionTerms) HasBids() bool {
	return a.HighestBidder != ZeroAddress
}

// Clone returns a deep copy.
func (a AuctionTerms) Clone() AuctionTerms {
	out := a
	out.ReservePrice = Amount(a.ReservePrice)
	out.HighestBid = Amount(a.HighestBid)
	out.Bidders = make([]Bid, len(a.Bidders))
	for i, b := range a.Bidders {
		out.Bidders[i] = Bid{Bidder: b.Bidder, Amount: Amount(b.Amount)}
	}
	return out
}

// BidderAddresses returns the bidders in first-bid order.
func (a AuctionTerms) BidderAddresses() []Address {
	out := make([]Address, len(a.Bidders))
	for i, b := range a.Bidders {
		out[i] = b.Bidder
	}
	return out
}
