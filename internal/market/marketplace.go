// Package market implements the NFT marketplace engine: asset registry,
// escrow ledger, listing store and auction engine behind a single façade.
// Every operation runs to completion under one lock and either commits all
// of its effects or none of them.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// state is the complete mutable engine state.
type state struct {
	collection domain.Collection
	registry   *registry
	listings   *listingStore
	ledger     *ledger
}

func newState(col domain.Collection) *state {
	return &state{
		collection: col,
		registry:   newRegistry(),
		listings:   newListingStore(),
		ledger:     newLedger(),
	}
}

// Receipt describes a completed fixed-price purchase.
type Receipt struct {
	AssetID domain.TokenID `json:"asset_id"`
	Seller  domain.Address `json:"seller"`
	Buyer   domain.Address `json:"buyer"`
	Price   *big.Int       `json:"price"`
	Refund  *big.Int       `json:"refund"`
}

// Result carries the operation-specific output of Apply.
type Result struct {
	EndTime    int64       `json:"end_time,omitempty"`
	Receipt    *Receipt    `json:"receipt,omitempty"`
	Settlement *Settlement `json:"settlement,omitempty"`
	Withdrawn  *big.Int    `json:"withdrawn,omitempty"`
}

// Hooks lets the caller take part in a commit. Journal runs after an
// operation has been fully validated and before any state changes; an error
// aborts the operation untouched. Payer is the transfer primitive used by
// withdrawals.
type Hooks struct {
	Journal func(ctx context.Context, ev domain.MarketEvent) error
	Payer   domain.Payer
}

func (h Hooks) journal(ctx context.Context, ev domain.MarketEvent) error {
	if h.Journal == nil {
		return nil
	}
	if err := h.Journal(ctx, ev); err != nil {
		return fmt.Errorf("market: %s: journal: %w", ev.Type, err)
	}
	return nil
}

// Marketplace is the public operation surface. It is constructed once with
// empty state and owns all four component stores.
type Marketplace struct {
	mu       sync.Mutex
	clock    domain.Clock
	logger   *slog.Logger
	st       *state
	lastTick int64
}

// New creates an empty marketplace for the given collection.
func New(col domain.Collection, clock domain.Clock, logger *slog.Logger) *Marketplace {
	return &Marketplace{
		clock:  clock,
		logger: logger.With(slog.String("component", "market")),
		st:     newState(col),
	}
}

// Now returns the current tick, never earlier than a tick already applied.
func (m *Marketplace) Now() int64 {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if now < m.lastTick {
		return m.lastTick
	}
	return now
}

// Collection returns the collection metadata fixed at initialization.
func (m *Marketplace) Collection() domain.Collection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.collection
}

// Apply executes one operation described by ev at tick ev.Tick. Live calls
// and journal replay share this path.
func (m *Marketplace) Apply(ctx context.Context, ev domain.MarketEvent, hooks Hooks) (Result, error) {
	if ev.Type == domain.EventWithdrawn {
		n, err := m.withdraw(ctx, ev, hooks)
		if err != nil {
			return Result{}, err
		}
		return Result{Withdrawn: n}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Tick < m.lastTick {
		ev.Tick = m.lastTick
	}

	var (
		res Result
		err error
	)
	switch ev.Type {
	case domain.EventMinted:
		err = m.mint(ctx, ev, hooks)
	case domain.EventListedFixedPrice:
		err = m.listFixedPrice(ctx, ev, hooks)
	case domain.EventListedAuction:
		res.EndTime, err = m.listAuction(ctx, ev, hooks)
	case domain.EventListingCancelled:
		err = m.cancel(ctx, ev, hooks)
	case domain.EventPurchased:
		var r Receipt
		r, err = m.buy(ctx, ev, hooks)
		if err == nil {
			res.Receipt = &r
		}
	case domain.EventBidPlaced:
		err = m.bid(ctx, ev, hooks)
	case domain.EventAuctionEnded:
		var s Settlement
		s, err = m.end(ctx, ev, hooks)
		if err == nil {
			res.Settlement = &s
		}
	case domain.EventWithdrawReverted:
		err = m.revertWithdrawal(ctx, ev, hooks)
	default:
		return Result{}, fmt.Errorf("market: unknown event type %q", ev.Type)
	}
	if err != nil {
		return Result{}, err
	}
	m.lastTick = ev.Tick
	return res, nil
}

func (m *Marketplace) mint(ctx context.Context, ev domain.MarketEvent, hooks Hooks) error {
	c := newCheck("mintNFT")
	if ev.Caller != m.st.collection.Admin {
		c.fail(domain.ErrUnknownCaller, "%s may not mint", ev.Caller.Hex())
	}
	if ev.To == domain.ZeroAddress {
		c.fail(domain.ErrInvalidRecipient, "cannot mint to the zero address")
	}
	if m.st.registry.exists(ev.AssetID) {
		c.fail(domain.ErrDuplicateAsset, "asset %s already minted", ev.AssetID)
	}
	if err := c.err(); err != nil {
		return err
	}
	if err := hooks.journal(ctx, ev); err != nil {
		return err
	}
	return m.st.registry.mint(ev.To, ev.AssetID)
}

func (m *Marketplace) listFixedPrice(ctx context.Context, ev domain.MarketEvent, hooks Hooks) error {
	c := newCheck("listFixedPrice")
	m.st.listings.checkCreate(c, m.st.registry, ev.AssetID, ev.Caller)
	price := domain.Amount(ev.Amount)
	if price.Sign() <= 0 {
		c.fail(domain.ErrInvalidPrice, "price %s must be positive", price)
	}
	if err := c.err(); err != nil {
		return err
	}
	if err := hooks.journal(ctx, ev); err != nil {
		return err
	}
	m.st.listings.createFixedPrice(ev.AssetID, ev.Caller, price, ev.Tick)
	return nil
}

func (m *Marketplace) listAuction(ctx context.Context, ev domain.MarketEvent, hooks Hooks) (int64, error) {
	c := newCheck("listAuction")
	m.st.listings.checkCreate(c, m.st.registry, ev.AssetID, ev.Caller)
	reserve := domain.Amount(ev.Amount)
	if reserve.Sign() < 0 {
		c.fail(domain.ErrInvalidPrice, "reserve price %s must not be negative", reserve)
	}
	if ev.Duration <= 0 {
		c.fail(domain.ErrInvalidDuration, "duration %d must be positive", ev.Duration)
	}
	if err := c.err(); err != nil {
		return 0, err
	}
	if err := hooks.journal(ctx, ev); err != nil {
		return 0, err
	}
	l := m.st.listings.createAuction(ev.AssetID, ev.Caller, reserve, ev.Duration, ev.Tick)
	return l.Auction.EndTime, nil
}

func (m *Marketplace) cancel(ctx context.Context, ev domain.MarketEvent, hooks Hooks) error {
	c := newCheck("cancelListing")
	l := m.st.listings.checkCancel(c, ev.AssetID, ev.Caller)
	if err := c.err(); err != nil {
		return err
	}
	if err := hooks.journal(ctx, ev); err != nil {
		return err
	}
	m.st.listings.close(l, domain.ListingCancelled)
	return nil
}

func (m *Marketplace) buy(ctx context.Context, ev domain.MarketEvent, hooks Hooks) (Receipt, error) {
	c := newCheck("buyFixedPrice")
	paid := domain.Amount(ev.Amount)
	l, ok := m.st.listings.activeFor(ev.AssetID)
	if !ok || l.Kind != domain.ListingFixedPrice {
		c.fail(domain.ErrNotActive, "asset %s has no active fixed-price listing", ev.AssetID)
		return Receipt{}, c.err()
	}
	price := l.FixedPrice.Price
	if paid.Cmp(price) < 0 {
		c.fail(domain.ErrInsufficientPayment, "paid %s, price is %s", paid, price)
	}
	if ev.Caller == l.Seller {
		c.fail(domain.ErrSelfBuy, "seller %s cannot buy own listing", ev.Caller.Hex())
	}
	if err := c.err(); err != nil {
		return Receipt{}, err
	}
	if err := hooks.journal(ctx, ev); err != nil {
		return Receipt{}, err
	}

	if err := m.st.registry.transfer(ev.AssetID, ev.Caller); err != nil {
		return Receipt{}, err
	}
	refund := new(big.Int).Sub(paid, price)
	m.st.ledger.deposit(paid)
	m.st.ledger.credit(l.Seller, price)
	m.st.ledger.credit(ev.Caller, refund)
	m.st.listings.close(l, domain.ListingSold)

	return Receipt{
		AssetID: ev.AssetID,
		Seller:  l.Seller,
		Buyer:   ev.Caller,
		Price:   domain.Amount(price),
		Refund:  refund,
	}, nil
}

func (m *Marketplace) bid(ctx context.Context, ev domain.MarketEvent, hooks Hooks) error {
	c := newCheck("bid")
	amount := domain.Amount(ev.Amount)
	l := m.st.checkBid(c, ev.AssetID, ev.Caller, amount, ev.Tick)
	if err := c.err(); err != nil {
		return err
	}
	if err := hooks.journal(ctx, ev); err != nil {
		return err
	}
	m.st.applyBid(l, ev.Caller, amount)
	return nil
}

func (m *Marketplace) end(ctx context.Context, ev domain.MarketEvent, hooks Hooks) (Settlement, error) {
	c := newCheck("endAuction")
	l := m.st.checkEnd(c, ev.AssetID, ev.Tick)
	if err := c.err(); err != nil {
		return Settlement{}, err
	}
	if err := hooks.journal(ctx, ev); err != nil {
		return Settlement{}, err
	}
	return m.st.applyEnd(l)
}

// withdraw pays out the caller's full withdrawable balance. The balance is
// zeroed before the transfer runs and the lock is not held during it, so a
// reentrant withdrawal sees nothing to withdraw. A failed journal or
// transfer restores the balance, except a transfer that reached the network
// without a receipt: its value may still move.
func (m *Marketplace) withdraw(ctx context.Context, ev domain.MarketEvent, hooks Hooks) (*big.Int, error) {
	if hooks.Payer == nil {
		return nil, fmt.Errorf("market: withdraw: no payer configured")
	}

	m.mu.Lock()
	amount, ok := m.st.ledger.take(ev.Caller)
	if !ok {
		m.mu.Unlock()
		c := newCheck("withdraw")
		c.fail(domain.ErrNothingToWithdraw, "%s has no withdrawable balance", ev.Caller.Hex())
		return nil, c.err()
	}
	if ev.Tick < m.lastTick {
		ev.Tick = m.lastTick
	}
	m.lastTick = ev.Tick
	m.mu.Unlock()

	ev.Amount = domain.Amount(amount)
	err := hooks.journal(ctx, ev)
	if err == nil {
		terr := hooks.Payer.Transfer(ctx, ev.Caller, domain.Amount(amount))
		switch {
		case errors.Is(terr, domain.ErrPayoutUnconfirmed):
			m.logger.WarnContext(ctx, "withdrawal sent without confirmation",
				slog.String("account", ev.Caller.Hex()),
				slog.String("amount", amount.String()),
				slog.String("error", terr.Error()),
			)
		case terr != nil:
			err = fmt.Errorf("market: withdraw: transfer: %w", terr)
		}
	}
	if err != nil {
		m.mu.Lock()
		m.st.ledger.restore(ev.Caller, amount)
		m.mu.Unlock()
		m.logger.WarnContext(ctx, "withdrawal rolled back",
			slog.String("account", ev.Caller.Hex()),
			slog.String("amount", amount.String()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return domain.Amount(amount), nil
}

// revertWithdrawal re-credits a journaled withdrawal whose transfer failed.
// It exists only to keep journal replay faithful.
func (m *Marketplace) revertWithdrawal(ctx context.Context, ev domain.MarketEvent, hooks Hooks) error {
	amount := domain.Amount(ev.Amount)
	if amount.Sign() <= 0 {
		c := newCheck("withdrawReverted")
		c.fail(domain.ErrInvalidAmount, "amount %s must be positive", amount)
		return c.err()
	}
	if err := hooks.journal(ctx, ev); err != nil {
		return err
	}
	m.st.ledger.restore(ev.Caller, amount)
	return nil
}

// ---------------------------------------------------------------------------
// Public operations. Each stamps the current tick and goes through Apply.
// ---------------------------------------------------------------------------

// MintNFT mints asset id to the given recipient. Only the collection admin
// may mint.
func (m *Marketplace) MintNFT(caller, to domain.Address, id domain.TokenID) error {
	_, err := m.Apply(context.Background(), domain.MarketEvent{
		Type: domain.EventMinted, Tick: m.Now(), Caller: caller, To: to, AssetID: id,
	}, Hooks{})
	return err
}

// ListFixedPrice offers an owned asset at a fixed price.
func (m *Marketplace) ListFixedPrice(caller domain.Address, id domain.TokenID, price *big.Int) error {
	_, err := m.Apply(context.Background(), domain.MarketEvent{
		Type: domain.EventListedFixedPrice, Tick: m.Now(), Caller: caller, AssetID: id, Amount: price,
	}, Hooks{})
	return err
}

// ListAuction opens an English auction on an owned asset and returns its
// absolute end tick.
func (m *Marketplace) ListAuction(caller domain.Address, id domain.TokenID, reserve *big.Int, durationTicks int64) (int64, error) {
	res, err := m.Apply(context.Background(), domain.MarketEvent{
		Type: domain.EventListedAuction, Tick: m.Now(), Caller: caller, AssetID: id, Amount: reserve, Duration: durationTicks,
	}, Hooks{})
	return res.EndTime, err
}

// CancelListing withdraws the caller's active listing.
func (m *Marketplace) CancelListing(caller domain.Address, id domain.TokenID) error {
	_, err := m.Apply(context.Background(), domain.MarketEvent{
		Type: domain.EventListingCancelled, Tick: m.Now(), Caller: caller, AssetID: id,
	}, Hooks{})
	return err
}

// BuyFixedPrice purchases a fixed-price listing with the attached amount.
func (m *Marketplace) BuyFixedPrice(caller domain.Address, id domain.TokenID, amount *big.Int) (Receipt, error) {
	res, err := m.Apply(context.Background(), domain.MarketEvent{
		Type: domain.EventPurchased, Tick: m.Now(), Caller: caller, AssetID: id, Amount: amount,
	}, Hooks{})
	if err != nil {
		return Receipt{}, err
	}
	return *res.Receipt, nil
}

// Bid places a bid with the attached amount.
func (m *Marketplace) Bid(caller domain.Address, id domain.TokenID, amount *big.Int) error {
	_, err := m.Apply(context.Background(), domain.MarketEvent{
		Type: domain.EventBidPlaced, Tick: m.Now(), Caller: caller, AssetID: id, Amount: amount,
	}, Hooks{})
	return err
}

// EndAuction finalizes an expired auction. Anyone may call it.
func (m *Marketplace) EndAuction(caller domain.Address, id domain.TokenID) (Settlement, error) {
	res, err := m.Apply(context.Background(), domain.MarketEvent{
		Type: domain.EventAuctionEnded, Tick: m.Now(), Caller: caller, AssetID: id,
	}, Hooks{})
	if err != nil {
		return Settlement{}, err
	}
	return *res.Settlement, nil
}

// Withdraw transfers the caller's withdrawable balance out through payer.
func (m *Marketplace) Withdraw(ctx context.Context, caller domain.Address, payer domain.Payer) (*big.Int, error) {
	res, err := m.Apply(ctx, domain.MarketEvent{
		Type: domain.EventWithdrawn, Tick: m.Now(), Caller: caller,
	}, Hooks{Payer: payer})
	if err != nil {
		return nil, err
	}
	return res.Withdrawn, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// NFTsForFixedPrice returns assets with an active fixed-price listing in
// listing order.
func (m *Marketplace) NFTsForFixedPrice() []domain.TokenID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.listings.byKind(domain.ListingFixedPrice)
}

// NFTsForAuction returns assets with an active auction in listing order.
func (m *Marketplace) NFTsForAuction() []domain.TokenID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.listings.byKind(domain.ListingAuction)
}

// AuctionEndTime returns the end tick of the most recent auction on id.
func (m *Marketplace) AuctionEndTime(id domain.TokenID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := m.st.lastAuction("getAuctionEndTime", id)
	if err != nil {
		return 0, err
	}
	return l.Auction.EndTime, nil
}

// BiddersForNFT returns every distinct bidder of the most recent auction on
// id, outbid ones included, in first-bid order.
func (m *Marketplace) BiddersForNFT(id domain.TokenID) ([]domain.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := m.st.lastAuction("getBiddersForNFT", id)
	if err != nil {
		return nil, err
	}
	return l.Auction.BidderAddresses(), nil
}

// ContractBalance is the total value held: locked bids plus withdrawable
// balances.
func (m *Marketplace) ContractBalance() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ledger.stats().Balance()
}

// OwnerOf returns the owner of asset id.
func (m *Marketplace) OwnerOf(id domain.TokenID) (domain.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, err := m.st.registry.ownerOf(id)
	if err != nil {
		c := newCheck("ownerOf")
		c.fail(domain.ErrUnknownAsset, "asset %s does not exist", id)
		return domain.ZeroAddress, c.err()
	}
	return owner, nil
}

// Listing returns a copy of the most recent listing of id.
func (m *Marketplace) Listing(id domain.TokenID) (domain.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.st.listings.latest[id]
	if !ok {
		c := newCheck("listing")
		c.fail(domain.ErrUnknownListing, "asset %s has never been listed", id)
		return domain.Listing{}, c.err()
	}
	return l.Clone(), nil
}

// Withdrawable returns the withdrawable balance of account.
func (m *Marketplace) Withdrawable(account domain.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ledger.balanceOf(account)
}

// Stats returns the ledger totals.
func (m *Marketplace) Stats() domain.LedgerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ledger.stats()
}
