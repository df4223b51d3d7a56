package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftmarket/internal/config"
	"github.com/alanyoungcy/nftmarket/internal/domain"
	"github.com/alanyoungcy/nftmarket/internal/market"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice = common.HexToAddress("0x000000000000000000000000000000000000000a")
	bob   = common.HexToAddress("0x000000000000000000000000000000000000000b")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSummarize(t *testing.T) {
	m := market.New(domain.Collection{Name: "NFTMarketPlace", Symbol: "NFT", Admin: admin}, market.NewManualClock(1_000), discardLogger())
	require.NoError(t, m.MintNFT(admin, alice, 1))
	require.NoError(t, m.MintNFT(admin, alice, 2))
	require.NoError(t, m.ListFixedPrice(alice, 1, big.NewInt(5)))
	_, err := m.ListAuction(alice, 2, big.NewInt(1), 50)
	require.NoError(t, err)
	require.NoError(t, m.Bid(bob, 2, big.NewInt(3)))

	out := summarize(m, 5)
	assert.True(t, out.Conserved)
	assert.Equal(t, "3", out.Balance)
	assert.Equal(t, "3", out.Ledger.Deposited.String())
	assert.Equal(t, "3", out.Ledger.Locked.String())
	assert.Equal(t, []domain.TokenID{1}, out.FixedPrice)
	assert.Equal(t, []domain.TokenID{2}, out.Auctions)
	assert.EqualValues(t, 5, out.Seq)
}

type fakeLease struct {
	refreshes atomic.Int32
	err       error
}

func (l *fakeLease) Refresh(context.Context, time.Duration) error {
	l.refreshes.Add(1)
	return l.err
}

func (l *fakeLease) Release() {}

func TestHoldLeaseStopsOnLoss(t *testing.T) {
	a := New(&config.Config{}, discardLogger())

	lease := &fakeLease{err: domain.ErrLockLost}
	err := a.holdLease(context.Background(), lease, time.Millisecond)
	require.ErrorIs(t, err, domain.ErrLockLost)
	assert.EqualValues(t, 1, lease.refreshes.Load())
}

func TestHoldLeaseReturnsOnCancel(t *testing.T) {
	a := New(&config.Config{}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, a.holdLease(ctx, &fakeLease{err: errors.New("unused")}, time.Hour))
}

func TestWireSelection(t *testing.T) {
	cfg := config.Defaults()
	assert.False(t, needsS3(&cfg, "serve"))
	assert.True(t, needsS3(&cfg, "archive"))
	assert.False(t, needsChain(&cfg))
	assert.True(t, needsRedis("serve"))
	assert.False(t, needsRedis("replay"))

	cfg.Payout.Mode = "eth"
	assert.True(t, needsChain(&cfg))
}
