package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice = common.HexToAddress("0x000000000000000000000000000000000000000a")
	bob   = common.HexToAddress("0x000000000000000000000000000000000000000b")
	carol = common.HexToAddress("0x000000000000000000000000000000000000000c")
	dave  = common.HexToAddress("0x000000000000000000000000000000000000000d")
)

func wei(n int64) *big.Int { return big.NewInt(n) }

func newTestMarket(t *testing.T) (*Marketplace, *ManualClock) {
	t.Helper()
	clock := NewManualClock(1_000)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(domain.Collection{Name: "Test Collection", Symbol: "TST", Admin: admin}, clock, logger)
	return m, clock
}

func mint(t *testing.T, m *Marketplace, to domain.Address, id domain.TokenID) {
	t.Helper()
	require.NoError(t, m.MintNFT(admin, to, id))
}

// requireConserved checks Σ locks + Σ withdrawable == deposited - withdrawn.
func requireConserved(t *testing.T, m *Marketplace) {
	t.Helper()
	s := m.Stats()
	held := new(big.Int).Sub(s.Deposited, s.Withdrawn)
	require.Zero(t, s.Balance().Cmp(held), "balance %s, deposited-withdrawn %s", s.Balance(), held)
	require.Zero(t, m.ContractBalance().Cmp(held))
}

func requireCode(t *testing.T, err error, code *domain.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, domain.CodeOf(err), "got %v", err)
	require.ErrorIs(t, err, code)
	require.ErrorIs(t, err, code.Kind())
}

func TestAuctionLifecycle(t *testing.T) {
	m, clock := newTestMarket(t)
	mint(t, m, alice, 1)

	end, err := m.ListAuction(alice, 1, wei(10), 100)
	require.NoError(t, err)
	assert.Equal(t, clock.Now()+100, end)
	assert.Equal(t, []domain.TokenID{1}, m.NFTsForAuction())

	requireCode(t, m.Bid(bob, 1, wei(10)), domain.ErrBidTooLow)

	require.NoError(t, m.Bid(bob, 1, wei(11)))
	l, err := m.Listing(1)
	require.NoError(t, err)
	assert.Equal(t, "11", l.Auction.HighestBid.String())
	assert.Equal(t, bob, l.Auction.HighestBidder)

	require.NoError(t, m.Bid(carol, 1, wei(15)))
	assert.Equal(t, "11", m.Withdrawable(bob).String())
	requireConserved(t, m)

	clock.Advance(100)
	s, err := m.EndAuction(dave, 1)
	require.NoError(t, err)
	assert.True(t, s.Sold)
	assert.Equal(t, carol, s.Winner)
	assert.Equal(t, "15", s.Amount.String())

	owner, err := m.OwnerOf(1)
	require.NoError(t, err)
	assert.Equal(t, carol, owner)
	assert.Equal(t, "15", m.Withdrawable(alice).String())
	assert.Empty(t, m.NFTsForAuction())

	l, err = m.Listing(1)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingSold, l.Status)
	requireConserved(t, m)
}

func TestFixedPricePurchase(t *testing.T) {
	m, _ := newTestMarket(t)
	mint(t, m, alice, 2)

	require.NoError(t, m.ListFixedPrice(alice, 2, wei(5)))
	assert.Equal(t, []domain.TokenID{2}, m.NFTsForFixedPrice())

	r, err := m.BuyFixedPrice(bob, 2, wei(5))
	require.NoError(t, err)
	assert.Equal(t, "5", r.Price.String())
	assert.Equal(t, "0", r.Refund.String())

	owner, err := m.OwnerOf(2)
	require.NoError(t, err)
	assert.Equal(t, bob, owner)
	assert.Equal(t, "5", m.Withdrawable(alice).String())

	_, err = m.BuyFixedPrice(bob, 2, wei(5))
	requireCode(t, err, domain.ErrNotActive)
	assert.Empty(t, m.NFTsForFixedPrice())
	requireConserved(t, m)
}

func TestCancelAuctionWithBids(t *testing.T) {
	m, _ := newTestMarket(t)
	mint(t, m, alice, 3)
	_, err := m.ListAuction(alice, 3, wei(0), 50)
	require.NoError(t, err)
	require.NoError(t, m.Bid(bob, 3, wei(20)))

	requireCode(t, m.CancelListing(alice, 3), domain.ErrAuctionHasBids)
	assert.Equal(t, []domain.TokenID{3}, m.NFTsForAuction())
}

func TestCancelListing(t *testing.T) {
	m, _ := newTestMarket(t)
	mint(t, m, alice, 4)
	require.NoError(t, m.ListFixedPrice(alice, 4, wei(7)))

	requireCode(t, m.CancelListing(bob, 4), domain.ErrNotSeller)
	require.NoError(t, m.CancelListing(alice, 4))
	requireCode(t, m.CancelListing(alice, 4), domain.ErrNotActive)
	requireCode(t, m.CancelListing(alice, 99), domain.ErrNotActive)

	// A cancelled asset can be listed again.
	require.NoError(t, m.ListFixedPrice(alice, 4, wei(8)))
	assert.Equal(t, []domain.TokenID{4}, m.NFTsForFixedPrice())
}

func TestMintRules(t *testing.T) {
	m, _ := newTestMarket(t)

	requireCode(t, m.MintNFT(alice, alice, 1), domain.ErrUnknownCaller)
	requireCode(t, m.MintNFT(admin, domain.ZeroAddress, 1), domain.ErrInvalidRecipient)
	mint(t, m, alice, 1)
	requireCode(t, m.MintNFT(admin, bob, 1), domain.ErrDuplicateAsset)

	_, err := m.OwnerOf(2)
	requireCode(t, err, domain.ErrUnknownAsset)
}

func TestListingValidation(t *testing.T) {
	m, _ := newTestMarket(t)
	mint(t, m, alice, 1)

	requireCode(t, m.ListFixedPrice(alice, 9, wei(1)), domain.ErrUnknownAsset)
	requireCode(t, m.ListFixedPrice(bob, 1, wei(1)), domain.ErrNotOwner)
	requireCode(t, m.ListFixedPrice(alice, 1, wei(0)), domain.ErrInvalidPrice)

	_, err := m.ListAuction(alice, 1, wei(-1), 10)
	requireCode(t, err, domain.ErrInvalidPrice)
	_, err = m.ListAuction(alice, 1, wei(1), 0)
	requireCode(t, err, domain.ErrInvalidDuration)

	require.NoError(t, m.ListFixedPrice(alice, 1, wei(3)))
	_, err = m.ListAuction(alice, 1, wei(1), 10)
	requireCode(t, err, domain.ErrAlreadyListed)
}

func TestViolationsReportedTogether(t *testing.T) {
	m, _ := newTestMarket(t)
	mint(t, m, alice, 1)
	require.NoError(t, m.ListFixedPrice(alice, 1, wei(3)))

	// bob does not own the asset, it is already listed and the price is zero.
	err := m.ListFixedPrice(bob, 1, wei(0))
	requireCode(t, err, domain.ErrNotOwner)

	var me *domain.MarketError
	require.True(t, errors.As(err, &me))
	require.Len(t, me.Violations, 3)
	assert.ErrorIs(t, err, domain.ErrAlreadyListed)
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)
	assert.Equal(t, "listFixedPrice", me.Op)
}

func TestAtMostOneActiveListing(t *testing.T) {
	m, _ := newTestMarket(t)
	mint(t, m, alice, 1)

	_, err := m.ListAuction(alice, 1, wei(1), 10)
	require.NoError(t, err)
	requireCode(t, m.ListFixedPrice(alice, 1, wei(5)), domain.ErrAlreadyListed)

	assert.Equal(t, []domain.TokenID{1}, m.NFTsForAuction())
	assert.Empty(t, m.NFTsForFixedPrice())
}

func TestBidRules(t *testing.T) {
	m, clock := newTestMarket(t)
	mint(t, m, alice, 1)
	mint(t, m, alice, 2)
	require.NoError(t, m.ListFixedPrice(alice, 2, wei(5)))

	requireCode(t, m.Bid(bob, 1, wei(5)), domain.ErrNotActive)
	requireCode(t, m.Bid(bob, 2, wei(5)), domain.ErrNotActive)

	_, err := m.ListAuction(alice, 1, wei(10), 100)
	require.NoError(t, err)
	requireCode(t, m.Bid(alice, 1, wei(50)), domain.ErrSelfBid)

	require.NoError(t, m.Bid(bob, 1, wei(20)))
	// An equal bid does not outbid the leader.
	requireCode(t, m.Bid(carol, 1, wei(20)), domain.ErrBidTooLow)

	clock.Advance(100)
	requireCode(t, m.Bid(carol, 1, wei(30)), domain.ErrAuctionExpired)
	requireConserved(t, m)
}

func TestZeroReserveRequiresPositiveBid(t *testing.T) {
	m, _ := newTestMarket(t)
	mint(t, m, alice, 1)
	_, err := m.ListAuction(alice, 1, wei(0), 10)
	require.NoError(t, err)

	requireCode(t, m.Bid(bob, 1, wei(0)), domain.ErrBidTooLow)
	require.NoError(t, m.Bid(bob, 1, wei(1)))
}

func TestHighestBidMonotonic(t *testing.T) {
	m, _ := newTestMarket(t)
	mint(t, m, alice, 1)
	_, err := m.ListAuction(alice, 1, wei(1), 1_000)
	require.NoError(t, err)

	prev := new(big.Int)
	bids := []struct {
		who domain.Address
		amt int64
	}{
		{bob, 2}, {carol, 2}, {carol, 5}, {bob, 4}, {dave, 9}, {bob, 10}, {carol, 10},
	}
	for _, b := range bids {
		_ = m.Bid(b.who, 1, wei(b.amt))
		l, err := m.Listing(1)
		require.NoError(t, err)
		require.True(t, l.Auction.HighestBid.Cmp(prev) >= 0)
		prev = l.Auction.HighestBid
		requireConserved(t, m)
	}
	assert.Equal(t, "10", prev.String())
}

func TestBiddersHistory(t *testing.T) {
	m, clock := newTestMarket(t)
	mint(t, m, alice, 1)

	_, err := m.BiddersForNFT(1)
	requireCode(t, err, domain.ErrUnknownListing)
	_, err = m.AuctionEndTime(1)
	requireCode(t, err, domain.ErrUnknownListing)

	end, err := m.ListAuction(alice, 1, wei(1), 10)
	require.NoError(t, err)
	require.NoError(t, m.Bid(bob, 1, wei(2)))
	require.NoError(t, m.Bid(carol, 1, wei(3)))
	require.NoError(t, m.Bid(bob, 1, wei(4)))

	bidders, err := m.BiddersForNFT(1)
	require.NoError(t, err)
	assert.Equal(t, []domain.Address{bob, carol}, bidders)

	got, err := m.AuctionEndTime(1)
	require.NoError(t, err)
	assert.Equal(t, end, got)

	// History of the last auction survives settlement and relisting.
	clock.Advance(10)
	_, err = m.EndAuction(alice, 1)
	require.NoError(t, err)
	require.NoError(t, m.ListFixedPrice(bob, 1, wei(9)))

	bidders, err = m.BiddersForNFT(1)
	require.NoError(t, err)
	assert.Equal(t, []domain.Address{bob, carol}, bidders)
}

func TestEndAuctionPermissionless(t *testing.T) {
	for _, tc := range []struct {
		name   string
		caller domain.Address
	}{
		{"seller", alice},
		{"unrelated account", dave},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, clock := newTestMarket(t)
			mint(t, m, alice, 1)
			_, err := m.ListAuction(alice, 1, wei(1), 10)
			require.NoError(t, err)
			require.NoError(t, m.Bid(bob, 1, wei(5)))

			_, err = m.EndAuction(tc.caller, 1)
			requireCode(t, err, domain.ErrAuctionNotExpired)

			clock.Advance(10)
			s, err := m.EndAuction(tc.caller, 1)
			require.NoError(t, err)
			assert.Equal(t, bob, s.Winner)

			_, err = m.EndAuction(tc.caller, 1)
			requireCode(t, err, domain.ErrNotActive)
		})
	}
}

func TestEndAuctionWithoutBids(t *testing.T) {
	m, clock := newTestMarket(t)
	mint(t, m, alice, 1)
	_, err := m.ListAuction(alice, 1, wei(10), 5)
	require.NoError(t, err)

	clock.Advance(5)
	s, err := m.EndAuction(bob, 1)
	require.NoError(t, err)
	assert.False(t, s.Sold)

	owner, err := m.OwnerOf(1)
	require.NoError(t, err)
	assert.Equal(t, alice, owner)

	l, err := m.Listing(1)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingEnded, l.Status)
	assert.Equal(t, "0", m.ContractBalance().String())
}

func TestOverpaymentRefunded(t *testing.T) {
	m, _ := newTestMarket(t)
	mint(t, m, alice, 1)
	require.NoError(t, m.ListFixedPrice(alice, 1, wei(5)))

	_, err := m.BuyFixedPrice(bob, 1, wei(4))
	requireCode(t, err, domain.ErrInsufficientPayment)
	_, err = m.BuyFixedPrice(alice, 1, wei(5))
	requireCode(t, err, domain.ErrSelfBuy)

	r, err := m.BuyFixedPrice(bob, 1, wei(8))
	require.NoError(t, err)
	assert.Equal(t, "3", r.Refund.String())
	assert.Equal(t, "3", m.Withdrawable(bob).String())
	assert.Equal(t, "5", m.Withdrawable(alice).String())
	requireConserved(t, m)
}

func TestWithdraw(t *testing.T) {
	m, _ := newTestMarket(t)
	mint(t, m, alice, 1)
	require.NoError(t, m.ListFixedPrice(alice, 1, wei(5)))
	_, err := m.BuyFixedPrice(bob, 1, wei(5))
	require.NoError(t, err)

	var paid []*big.Int
	payer := domain.PayerFunc(func(_ context.Context, to domain.Address, amount *big.Int) error {
		assert.Equal(t, alice, to)
		paid = append(paid, amount)
		return nil
	})

	n, err := m.Withdraw(context.Background(), alice, payer)
	require.NoError(t, err)
	assert.Equal(t, "5", n.String())
	require.Len(t, paid, 1)
	assert.Equal(t, "0", m.Withdrawable(alice).String())

	_, err = m.Withdraw(context.Background(), alice, payer)
	requireCode(t, err, domain.ErrNothingToWithdraw)
	assert.Len(t, paid, 1)
	requireConserved(t, m)
}

func TestWithdrawReentrancy(t *testing.T) {
	m, _ := newTestMarket(t)
	mint(t, m, alice, 1)
	require.NoError(t, m.ListFixedPrice(alice, 1, wei(5)))
	_, err := m.BuyFixedPrice(bob, 1, wei(5))
	require.NoError(t, err)

	var (
		calls      int
		reentryErr error
	)
	var payer domain.PayerFunc
	payer = func(ctx context.Context, to domain.Address, amount *big.Int) error {
		calls++
		if calls == 1 {
			// The recipient tries to withdraw again mid-transfer.
			_, reentryErr = m.Withdraw(ctx, to, payer)
		}
		return nil
	}

	n, err := m.Withdraw(context.Background(), alice, payer)
	require.NoError(t, err)
	assert.Equal(t, "5", n.String())
	requireCode(t, reentryErr, domain.ErrNothingToWithdraw)
	assert.Equal(t, 1, calls)
	requireConserved(t, m)
}

func TestWithdrawTransferFailureRestoresBalance(t *testing.T) {
	m, _ := newTestMarket(t)
	mint(t, m, alice, 1)
	require.NoError(t, m.ListFixedPrice(alice, 1, wei(5)))
	_, err := m.BuyFixedPrice(bob, 1, wei(5))
	require.NoError(t, err)

	boom := errors.New("transfer rejected")
	_, err = m.Withdraw(context.Background(), alice, domain.PayerFunc(
		func(context.Context, domain.Address, *big.Int) error { return boom },
	))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "5", m.Withdrawable(alice).String())
	assert.Equal(t, "0", m.Stats().Withdrawn.String())
	requireConserved(t, m)
}

func TestJournalFailureLeavesStateUntouched(t *testing.T) {
	m, _ := newTestMarket(t)
	mint(t, m, alice, 1)
	require.NoError(t, m.ListFixedPrice(alice, 1, wei(5)))

	boom := errors.New("disk full")
	_, err := m.Apply(context.Background(), domain.MarketEvent{
		Type: domain.EventPurchased, Tick: m.Now(), Caller: bob, AssetID: 1, Amount: wei(5),
	}, Hooks{Journal: func(context.Context, domain.MarketEvent) error { return boom }})
	require.ErrorIs(t, err, boom)

	owner, err := m.OwnerOf(1)
	require.NoError(t, err)
	assert.Equal(t, alice, owner)
	assert.Equal(t, []domain.TokenID{1}, m.NFTsForFixedPrice())
	assert.Equal(t, "0", m.ContractBalance().String())
}

func TestRejectedCallsAreNotJournaled(t *testing.T) {
	m, _ := newTestMarket(t)
	var journaled []domain.EventType
	hooks := Hooks{Journal: func(_ context.Context, ev domain.MarketEvent) error {
		journaled = append(journaled, ev.Type)
		return nil
	}}

	_, err := m.Apply(context.Background(), domain.MarketEvent{
		Type: domain.EventMinted, Tick: m.Now(), Caller: bob, To: bob, AssetID: 1,
	}, hooks)
	requireCode(t, err, domain.ErrUnknownCaller)
	_, err = m.Apply(context.Background(), domain.MarketEvent{
		Type: domain.EventMinted, Tick: m.Now(), Caller: admin, To: bob, AssetID: 1,
	}, hooks)
	require.NoError(t, err)

	assert.Equal(t, []domain.EventType{domain.EventMinted}, journaled)
}

func TestTickNeverMovesBackwards(t *testing.T) {
	m, _ := newTestMarket(t)
	mint(t, m, alice, 1)

	res, err := m.Apply(context.Background(), domain.MarketEvent{
		Type: domain.EventListedAuction, Tick: 5_000, Caller: alice, AssetID: 1, Amount: wei(1), Duration: 10,
	}, Hooks{})
	require.NoError(t, err)
	assert.EqualValues(t, 5_010, res.EndTime)

	// The wall clock still reads 1000; the engine must not run backwards.
	assert.EqualValues(t, 5_000, m.Now())
	require.NoError(t, m.Bid(bob, 1, wei(2)))
	l, err := m.Listing(1)
	require.NoError(t, err)
	assert.EqualValues(t, 5_010, l.Auction.EndTime)
}
