package market

import (
	"math/big"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// Settlement describes how a finalized auction was resolved.
type Settlement struct {
	AssetID domain.TokenID `json:"asset_id"`
	Seller  domain.Address `json:"seller"`
	Winner  domain.Address `json:"winner,omitempty"`
	Amount  *big.Int       `json:"amount"`
	Sold    bool           `json:"sold"`
}

// checkBid validates a bid of amount by bidder on asset id at tick now and
// returns the auction listing when it exists and is active.
//
// Precedence: NotActive, AuctionExpired, BidTooLow, SelfBid.
func (st *state) checkBid(c *check, id domain.TokenID, bidder domain.Address, amount *big.Int, now int64) *domain.Listing {
	l, ok := st.listings.activeFor(id)
	if !ok || l.Kind != domain.ListingAuction {
		c.fail(domain.ErrNotActive, "asset %s has no active auction", id)
		return nil
	}
	terms := l.Auction
	if now >= terms.EndTime {
		c.fail(domain.ErrAuctionExpired, "auction for asset %s ended at %d (now %d)", id, terms.EndTime, now)
	}
	floor := terms.ReservePrice
	if terms.HighestBid.Cmp(floor) > 0 {
		floor = terms.HighestBid
	}
	if amount.Cmp(floor) <= 0 {
		c.fail(domain.ErrBidTooLow, "bid %s must exceed %s", amount, floor)
	}
	if bidder == l.Seller {
		c.fail(domain.ErrSelfBid, "seller %s cannot bid on own auction", bidder.Hex())
	}
	return l
}

// applyBid refunds the previous highest bidder into their withdrawable
// balance, then locks amount for bidder.
func (st *state) applyBid(l *domain.Listing, bidder domain.Address, amount *big.Int) {
	terms := l.Auction
	st.ledger.deposit(amount)
	if prev, ok := st.ledger.release(l.AssetID); ok {
		st.ledger.credit(prev.bidder, prev.amount)
	}
	st.ledger.lockBid(l.AssetID, bidder, amount)

	terms.HighestBid = domain.Amount(amount)
	terms.HighestBidder = bidder
	for i := range terms.Bidders {
		if terms.Bidders[i].Bidder == bidder {
			terms.Bidders[i].Amount = domain.Amount(amount)
			return
		}
	}
	terms.Bidders = append(terms.Bidders, domain.Bid{Bidder: bidder, Amount: domain.Amount(amount)})
}

// checkEnd validates finalization of the auction on asset id. Any caller may
// finalize; only the deadline gates it.
func (st *state) checkEnd(c *check, id domain.TokenID, now int64) *domain.Listing {
	l, ok := st.listings.activeFor(id)
	if !ok || l.Kind != domain.ListingAuction {
		c.fail(domain.ErrNotActive, "asset %s has no active auction", id)
		return nil
	}
	if now < l.Auction.EndTime {
		c.fail(domain.ErrAuctionNotExpired, "auction for asset %s ends at %d (now %d)", id, l.Auction.EndTime, now)
	}
	return l
}

// applyEnd settles a validated auction.
func (st *state) applyEnd(l *domain.Listing) (Settlement, error) {
	terms := l.Auction
	out := Settlement{AssetID: l.AssetID, Seller: l.Seller, Amount: new(big.Int)}
	if !terms.HasBids() {
		st.listings.close(l, domain.ListingEnded)
		return out, nil
	}
	if err := st.registry.transfer(l.AssetID, terms.HighestBidder); err != nil {
		return Settlement{}, err
	}
	lk, _ := st.ledger.release(l.AssetID)
	st.ledger.credit(l.Seller, lk.amount)
	st.listings.close(l, domain.ListingSold)

	out.Winner = terms.HighestBidder
	out.Amount = domain.Amount(lk.amount)
	out.Sold = true
	return out, nil
}

// lastAuction returns the most recent auction ever created for id.
func (st *state) lastAuction(op string, id domain.TokenID) (*domain.Listing, error) {
	l, ok := st.listings.auctions[id]
	if !ok {
		c := newCheck(op)
		c.fail(domain.ErrUnknownListing, "no auction exists for asset %s", id)
		return nil, c.err()
	}
	return l, nil
}
