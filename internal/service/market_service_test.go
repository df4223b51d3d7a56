package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftmarket/internal/domain"
	"github.com/alanyoungcy/nftmarket/internal/market"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice = common.HexToAddress("0x000000000000000000000000000000000000000a")
	bob   = common.HexToAddress("0x000000000000000000000000000000000000000b")
	carol = common.HexToAddress("0x000000000000000000000000000000000000000c")

	testCollection = domain.Collection{Name: "NFTMarketPlace", Symbol: "NFT", Admin: admin}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- in-memory fakes -------------------------------------------------------

type memEvents struct {
	mu      sync.Mutex
	events  []domain.MarketEvent
	failing error
}

func (m *memEvents) Append(_ context.Context, ev domain.MarketEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return m.failing
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memEvents) ListSince(_ context.Context, after uint64, limit int) ([]domain.MarketEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MarketEvent
	for _, ev := range m.events {
		if ev.Seq > after {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memEvents) LastSeq(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return 0, nil
	}
	return m.events[len(m.events)-1].Seq, nil
}

type memSnapshots struct {
	snaps []domain.Snapshot
}

func (m *memSnapshots) Save(_ context.Context, snap domain.Snapshot) error {
	m.snaps = append(m.snaps, snap)
	return nil
}

func (m *memSnapshots) Latest(context.Context) (domain.Snapshot, error) {
	if len(m.snaps) == 0 {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	return m.snaps[len(m.snaps)-1], nil
}

type memPayouts struct {
	payouts []domain.Payout
}

func (m *memPayouts) Record(_ context.Context, p domain.Payout) error {
	m.payouts = append(m.payouts, p)
	return nil
}

func (m *memPayouts) ListByAccount(_ context.Context, account domain.Address, _ domain.ListOpts) ([]domain.Payout, error) {
	var out []domain.Payout
	for _, p := range m.payouts {
		if p.Account == account {
			out = append(out, p)
		}
	}
	return out, nil
}

type memAudit struct {
	events []string
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type memBus struct {
	mu        sync.Mutex
	published []string
	stream    [][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, channel)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *memBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, payload)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type memNotifier struct {
	events []string
}

func (n *memNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.events = append(n.events, event)
	return nil
}

// txPayer broadcasts instantly. Confirm reports confirm, after hold is
// closed when set.
type txPayer struct {
	mu      sync.Mutex
	fail    error
	confirm error
	hold    chan struct{}
	paid    []*big.Int
}

func (p *txPayer) Transfer(ctx context.Context, to domain.Address, amount *big.Int) error {
	hash, err := p.Broadcast(ctx, to, amount)
	if err != nil {
		return err
	}
	return p.Confirm(ctx, hash)
}

func (p *txPayer) Broadcast(_ context.Context, _ domain.Address, amount *big.Int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return "", p.fail
	}
	p.paid = append(p.paid, amount)
	return "0xfeed", nil
}

func (p *txPayer) Confirm(ctx context.Context, _ string) error {
	if p.hold != nil {
		select {
		case <-p.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.confirm
}

func (p *txPayer) broadcasts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.paid)
}

type fixture struct {
	svc       *MarketService
	clock     *market.ManualClock
	events    *memEvents
	snapshots *memSnapshots
	payouts   *memPayouts
	audit     *memAudit
	bus       *memBus
	notifier  *memNotifier
	payer     *txPayer
}

func newFixture(t *testing.T, snapshotEvery int) *fixture {
	t.Helper()
	f := &fixture{
		clock:     market.NewManualClock(1_000),
		events:    &memEvents{},
		snapshots: &memSnapshots{},
		payouts:   &memPayouts{},
		audit:     &memAudit{},
		bus:       &memBus{},
		notifier:  &memNotifier{},
		payer:     &txPayer{},
	}
	engine, seq, err := Recover(context.Background(), testCollection, f.clock, f.events, f.snapshots, 0, discardLogger())
	require.NoError(t, err)
	f.svc = NewMarketService(engine, seq, f.events, f.snapshots, f.payouts, f.audit, f.bus,
		nil, f.notifier, f.payer, MarketServiceConfig{SnapshotEvery: snapshotEvery}, discardLogger())
	return f
}

// --- tests -----------------------------------------------------------------

func TestMarketServiceJournalsCommittedOperations(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.svc.MintNFT(ctx, admin, alice, 1))
	require.NoError(t, f.svc.ListFixedPrice(ctx, alice, 1, big.NewInt(5)))
	// Rejected calls leave no trace.
	_, err := f.svc.BuyFixedPrice(ctx, bob, 1, big.NewInt(4))
	require.ErrorIs(t, err, domain.ErrInsufficientPayment)

	r, err := f.svc.BuyFixedPrice(ctx, bob, 1, big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, bob, r.Buyer)

	require.Len(t, f.events.events, 3)
	for i, ev := range f.events.events {
		assert.EqualValues(t, i+1, ev.Seq)
		assert.NotEmpty(t, ev.ID)
	}
	assert.EqualValues(t, 3, f.svc.Seq())
	assert.Equal(t, []string{"market:minted", "market:listed_fixed_price", "market:purchased"}, f.bus.published)
	assert.Len(t, f.bus.stream, 3)
	assert.Equal(t, []string{"minted", "listed_fixed_price", "purchased"}, f.audit.events)
	assert.Equal(t, []string{"sale_completed"}, f.notifier.events)
}

func TestMarketServiceJournalFailureAbortsOperation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.svc.MintNFT(ctx, admin, alice, 1))

	f.events.failing = errors.New("connection reset")
	err := f.svc.ListFixedPrice(ctx, alice, 1, big.NewInt(5))
	require.Error(t, err)
	assert.Empty(t, f.svc.NFTsForFixedPrice())
	assert.EqualValues(t, 1, f.svc.Seq())

	f.events.failing = nil
	require.NoError(t, f.svc.ListFixedPrice(ctx, alice, 1, big.NewInt(5)))
	assert.EqualValues(t, 2, f.events.events[1].Seq)
}

func TestMarketServiceWithdrawRecordsPayout(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.svc.MintNFT(ctx, admin, alice, 1))
	require.NoError(t, f.svc.ListFixedPrice(ctx, alice, 1, big.NewInt(5)))
	_, err := f.svc.BuyFixedPrice(ctx, bob, 1, big.NewInt(5))
	require.NoError(t, err)

	n, err := f.svc.Withdraw(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "5", n.String())
	require.Len(t, f.payer.paid, 1)

	payouts, err := f.svc.Payouts(ctx, alice, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, "0xfeed", payouts[0].TxHash)
	assert.EqualValues(t, 4, payouts[0].EventSeq)
	assert.Equal(t, "5", payouts[0].Amount.String())
	assert.Equal(t, domain.PayoutSettled, payouts[0].Status)

	last := f.events.events[len(f.events.events)-1]
	assert.Equal(t, domain.EventWithdrawn, last.Type)
	assert.Equal(t, "5", last.Amount.String())
	assert.Contains(t, f.notifier.events, "withdrawal")

	_, err = f.svc.Withdraw(ctx, alice)
	require.ErrorIs(t, err, domain.ErrNothingToWithdraw)
	assert.Len(t, f.events.events, 4)
}

func TestMarketServiceFailedPayoutIsReverted(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.svc.MintNFT(ctx, admin, alice, 1))
	require.NoError(t, f.svc.ListFixedPrice(ctx, alice, 1, big.NewInt(5)))
	_, err := f.svc.BuyFixedPrice(ctx, bob, 1, big.NewInt(5))
	require.NoError(t, err)

	f.payer.fail = errors.New("insufficient funds for gas")
	_, err = f.svc.Withdraw(ctx, alice)
	require.Error(t, err)
	assert.Equal(t, "5", f.svc.Withdrawable(alice).String())
	assert.Empty(t, f.payouts.payouts)

	types := make([]domain.EventType, 0, len(f.events.events))
	for _, ev := range f.events.events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []domain.EventType{
		domain.EventMinted, domain.EventListedFixedPrice, domain.EventPurchased,
		domain.EventWithdrawn, domain.EventWithdrawReverted,
	}, types)

	// Replaying the journal lands on the same balances.
	engine, seq, err := Recover(ctx, testCollection, f.clock, f.events, &memSnapshots{}, 2, discardLogger())
	require.NoError(t, err)
	assert.EqualValues(t, 5, seq)
	assert.Equal(t, "5", engine.Withdrawable(alice).String())
	assert.Equal(t, "0", engine.Stats().Withdrawn.String())
}

func sellForFive(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.svc.MintNFT(ctx, admin, alice, 1))
	require.NoError(t, f.svc.ListFixedPrice(ctx, alice, 1, big.NewInt(5)))
	_, err := f.svc.BuyFixedPrice(ctx, bob, 1, big.NewInt(5))
	require.NoError(t, err)
}

func TestMarketServiceUnconfirmedPayoutStaysDebited(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	sellForFive(t, f)

	f.payer.confirm = fmt.Errorf("tx 0xfeed not mined: %w: %w", domain.ErrPayoutUnconfirmed, context.DeadlineExceeded)
	n, err := f.svc.Withdraw(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "5", n.String())
	assert.Equal(t, "0", f.svc.Withdrawable(alice).String())

	require.Len(t, f.payouts.payouts, 1)
	assert.Equal(t, domain.PayoutPending, f.payouts.payouts[0].Status)
	assert.Equal(t, "0xfeed", f.payouts.payouts[0].TxHash)

	// The transfer may still land, so a second withdrawal finds nothing.
	_, err = f.svc.Withdraw(ctx, alice)
	require.ErrorIs(t, err, domain.ErrNothingToWithdraw)
	assert.Equal(t, 1, f.payer.broadcasts())

	last := f.events.events[len(f.events.events)-1]
	assert.Equal(t, domain.EventWithdrawn, last.Type)

	engine, _, err := Recover(ctx, testCollection, f.clock, f.events, &memSnapshots{}, 0, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "0", engine.Withdrawable(alice).String())
	assert.Equal(t, "5", engine.Stats().Withdrawn.String())
}

func TestMarketServiceRevertedPayoutIsRecredited(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	sellForFive(t, f)

	f.payer.confirm = fmt.Errorf("tx 0xfeed: %w", domain.ErrPayoutReverted)
	_, err := f.svc.Withdraw(ctx, alice)
	require.ErrorIs(t, err, domain.ErrPayoutReverted)
	assert.Equal(t, "5", f.svc.Withdrawable(alice).String())
	assert.Empty(t, f.payouts.payouts)

	types := make([]domain.EventType, 0, len(f.events.events))
	for _, ev := range f.events.events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []domain.EventType{
		domain.EventMinted, domain.EventListedFixedPrice, domain.EventPurchased,
		domain.EventWithdrawn, domain.EventWithdrawReverted,
	}, types)
	assert.Equal(t, "5", f.events.events[4].Amount.String())

	engine, _, err := Recover(ctx, testCollection, f.clock, f.events, &memSnapshots{}, 0, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "5", engine.Withdrawable(alice).String())

	f.payer.confirm = nil
	n, err := f.svc.Withdraw(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "5", n.String())
	assert.Equal(t, "0", f.svc.Withdrawable(alice).String())
}

func TestMarketServiceConfirmationDoesNotBlockWrites(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	sellForFive(t, f)

	f.payer.hold = make(chan struct{})
	withdrawn := make(chan error, 1)
	go func() {
		_, err := f.svc.Withdraw(ctx, alice)
		withdrawn <- err
	}()
	require.Eventually(t, func() bool { return f.payer.broadcasts() == 1 }, time.Second, time.Millisecond)

	minted := make(chan error, 1)
	go func() { minted <- f.svc.MintNFT(ctx, admin, carol, 2) }()
	select {
	case err := <-minted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("mint blocked behind a pending payout confirmation")
	}

	close(f.payer.hold)
	require.NoError(t, <-withdrawn)
	require.Len(t, f.payouts.payouts, 1)
	assert.Equal(t, domain.PayoutSettled, f.payouts.payouts[0].Status)
}

func TestMarketServiceSnapshotsAndRecovers(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	require.NoError(t, f.svc.MintNFT(ctx, admin, alice, 1))
	end, err := f.svc.ListAuction(ctx, alice, 1, big.NewInt(10), 100)
	require.NoError(t, err)
	require.NoError(t, f.svc.Bid(ctx, bob, 1, big.NewInt(11)))
	require.Len(t, f.snapshots.snaps, 1)
	assert.EqualValues(t, 3, f.snapshots.snaps[0].Seq)

	require.NoError(t, f.svc.Bid(ctx, carol, 1, big.NewInt(15)))

	engine, seq, err := Recover(ctx, testCollection, f.clock, f.events, f.snapshots, 0, discardLogger())
	require.NoError(t, err)
	assert.EqualValues(t, 4, seq)
	assert.Equal(t, "11", engine.Withdrawable(bob).String())
	bidders, err := engine.BiddersForNFT(1)
	require.NoError(t, err)
	assert.Equal(t, []domain.Address{bob, carol}, bidders)

	restored := NewMarketService(engine, seq, f.events, f.snapshots, f.payouts, f.audit, f.bus,
		nil, f.notifier, f.payer, MarketServiceConfig{}, discardLogger())
	f.clock.Set(end)
	s, err := restored.EndAuction(ctx, alice, 1)
	require.NoError(t, err)
	assert.Equal(t, carol, s.Winner)
	assert.EqualValues(t, 5, f.events.events[4].Seq)
	assert.Contains(t, f.notifier.events, "auction_ended")
}

func TestMarketServiceManualSnapshot(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.svc.MintNFT(ctx, admin, alice, 7))

	snap, err := f.svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Seq)
	assert.Equal(t, []domain.Asset{{ID: 7, Owner: alice}}, snap.Assets)
	assert.WithinDuration(t, time.Now(), snap.TakenAt, time.Minute)
}

type countingRecorder struct {
	committed []domain.EventType
	rejected  []string
	withdrawn []string
	failed    int
}

func (r *countingRecorder) EventCommitted(t domain.EventType) { r.committed = append(r.committed, t) }
func (r *countingRecorder) Rejected(op, code string)         { r.rejected = append(r.rejected, op+"/"+code) }
func (r *countingRecorder) Withdrawn(a *big.Int)             { r.withdrawn = append(r.withdrawn, a.String()) }
func (r *countingRecorder) PayoutFailed()                    { r.failed++ }

func TestMarketServiceRecordsOutcomes(t *testing.T) {
	f := newFixture(t, 0)
	rec := &countingRecorder{}
	f.svc.WithRecorder(rec)
	ctx := context.Background()

	require.NoError(t, f.svc.MintNFT(ctx, admin, alice, 1))
	require.Error(t, f.svc.MintNFT(ctx, admin, alice, 1))
	require.NoError(t, f.svc.ListFixedPrice(ctx, alice, 1, big.NewInt(5)))
	_, err := f.svc.BuyFixedPrice(ctx, bob, 1, big.NewInt(5))
	require.NoError(t, err)
	_, err = f.svc.Withdraw(ctx, bob)
	require.ErrorIs(t, err, domain.ErrNothingToWithdraw)

	f.payer.fail = errors.New("out of gas")
	_, err = f.svc.Withdraw(ctx, alice)
	require.Error(t, err)
	f.payer.fail = nil
	_, err = f.svc.Withdraw(ctx, alice)
	require.NoError(t, err)

	assert.Equal(t, []string{"minted/duplicate_asset", "withdrawn/nothing_to_withdraw"}, rec.rejected)
	assert.Equal(t, 1, rec.failed)
	assert.Equal(t, []string{"5"}, rec.withdrawn)
	assert.Equal(t, []domain.EventType{
		domain.EventMinted, domain.EventListedFixedPrice, domain.EventPurchased,
		domain.EventWithdrawReverted, domain.EventWithdrawn,
	}, rec.committed)
}

func TestRecoverRejectsJournalBehindSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	require.NoError(t, f.svc.MintNFT(ctx, admin, alice, 1))

	// A snapshot claims more history than the journal holds.
	snaps := &memSnapshots{snaps: []domain.Snapshot{f.svc.engine.Snapshot(5)}}
	_, _, err := Recover(ctx, testCollection, f.clock, f.events, snaps, 0, discardLogger())
	require.ErrorContains(t, err, "journal head is 1")
}
