package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/nftmarket/internal/domain"
	"github.com/alanyoungcy/nftmarket/internal/market"
	"github.com/alanyoungcy/nftmarket/internal/notify"
)

// EventStream is the durable stream every committed event is appended to.
const EventStream = "market:events"

// Notifier delivers operator notifications filtered by event type.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Recorder receives operation outcomes for metrics.
type Recorder interface {
	EventCommitted(t domain.EventType)
	Rejected(op, code string)
	Withdrawn(amount *big.Int)
	PayoutFailed()
}

type nopRecorder struct{}

func (nopRecorder) EventCommitted(domain.EventType) {}
func (nopRecorder) Rejected(string, string)         {}
func (nopRecorder) Withdrawn(*big.Int)              {}
func (nopRecorder) PayoutFailed()                   {}

// MarketServiceConfig tunes snapshotting.
type MarketServiceConfig struct {
	// SnapshotEvery saves a snapshot after this many committed events.
	// Zero disables automatic snapshots.
	SnapshotEvery int
}

// MarketService runs marketplace operations against the engine and makes
// every committed operation durable: it journals the event before the
// engine mutates, then fans it out to the bus, the audit log and notifiers.
type MarketService struct {
	commit sync.Mutex // one journaled commit at a time; keeps seq order equal to apply order

	engine    *market.Marketplace
	events    domain.EventStore
	snapshots domain.SnapshotStore
	payouts   domain.PayoutStore
	audit     domain.AuditStore
	bus       domain.SignalBus
	archiver  domain.Archiver
	notifier  Notifier
	payer     domain.Payer
	rec       Recorder
	cfg       MarketServiceConfig
	logger    *slog.Logger

	seq       atomic.Uint64 // written under commit
	sinceSnap int
}

// NewMarketService creates a MarketService over a recovered engine. seq is the
// sequence number of the last journaled event the engine reflects. archiver
// and notifier may be nil.
func NewMarketService(
	engine *market.Marketplace,
	seq uint64,
	events domain.EventStore,
	snapshots domain.SnapshotStore,
	payouts domain.PayoutStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	archiver domain.Archiver,
	notifier Notifier,
	payer domain.Payer,
	cfg MarketServiceConfig,
	logger *slog.Logger,
) *MarketService {
	s := &MarketService{
		engine:    engine,
		events:    events,
		snapshots: snapshots,
		payouts:   payouts,
		audit:     audit,
		bus:       bus,
		archiver:  archiver,
		notifier:  notifier,
		payer:     payer,
		rec:       nopRecorder{},
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "market_service")),
	}
	s.seq.Store(seq)
	return s
}

// WithRecorder installs a metrics recorder.
func (s *MarketService) WithRecorder(r Recorder) *MarketService {
	if r != nil {
		s.rec = r
	}
	return s
}

// Recover rebuilds the engine from the latest snapshot and the journal
// entries after it. It returns the engine and the last applied sequence.
func Recover(
	ctx context.Context,
	col domain.Collection,
	clock domain.Clock,
	events domain.EventStore,
	snapshots domain.SnapshotStore,
	batch int,
	logger *slog.Logger,
) (*market.Marketplace, uint64, error) {
	if batch <= 0 {
		batch = 500
	}

	var (
		engine *market.Marketplace
		last   uint64
	)
	snap, err := snapshots.Latest(ctx)
	switch {
	case err == nil:
		if snap.Collection != col {
			logger.WarnContext(ctx, "market_service: snapshot collection differs from config; using snapshot",
				slog.String("snapshot_name", snap.Collection.Name),
				slog.String("config_name", col.Name),
			)
		}
		engine, err = market.Restore(snap, clock, logger)
		if err != nil {
			return nil, 0, fmt.Errorf("market_service: recover: %w", err)
		}
		last = snap.Seq
	case errors.Is(err, domain.ErrNotFound):
		engine = market.New(col, clock, logger)
	default:
		return nil, 0, fmt.Errorf("market_service: recover: latest snapshot: %w", err)
	}

	replayed := 0
	for {
		page, err := events.ListSince(ctx, last, batch)
		if err != nil {
			return nil, 0, fmt.Errorf("market_service: recover: list events after %d: %w", last, err)
		}
		if len(page) == 0 {
			break
		}
		next, err := market.Replay(ctx, engine, last, page)
		if err != nil {
			return nil, 0, fmt.Errorf("market_service: recover: %w", err)
		}
		replayed += int(next - last)
		last = next
		if len(page) < batch {
			break
		}
	}

	head, err := events.LastSeq(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("market_service: recover: journal head: %w", err)
	}
	if head != last {
		return nil, 0, fmt.Errorf("market_service: recover: replayed through %d but journal head is %d", last, head)
	}

	logger.InfoContext(ctx, "market_service: engine recovered",
		slog.Uint64("seq", last),
		slog.Uint64("snapshot_seq", snap.Seq),
		slog.Int("replayed", replayed),
	)
	return engine, last, nil
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// MintNFT mints asset id to recipient to.
func (s *MarketService) MintNFT(ctx context.Context, caller, to domain.Address, id domain.TokenID) error {
	_, err := s.apply(ctx, domain.MarketEvent{
		Type: domain.EventMinted, Caller: caller, To: to, AssetID: id,
	})
	return err
}

// ListFixedPrice lists an asset at a fixed price.
func (s *MarketService) ListFixedPrice(ctx context.Context, caller domain.Address, id domain.TokenID, price *big.Int) error {
	_, err := s.apply(ctx, domain.MarketEvent{
		Type: domain.EventListedFixedPrice, Caller: caller, AssetID: id, Amount: domain.Amount(price),
	})
	return err
}

// ListAuction opens an auction and returns its end tick.
func (s *MarketService) ListAuction(ctx context.Context, caller domain.Address, id domain.TokenID, reserve *big.Int, duration int64) (int64, error) {
	res, err := s.apply(ctx, domain.MarketEvent{
		Type: domain.EventListedAuction, Caller: caller, AssetID: id, Amount: domain.Amount(reserve), Duration: duration,
	})
	return res.EndTime, err
}

// CancelListing cancels the caller's active listing.
func (s *MarketService) CancelListing(ctx context.Context, caller domain.Address, id domain.TokenID) error {
	_, err := s.apply(ctx, domain.MarketEvent{
		Type: domain.EventListingCancelled, Caller: caller, AssetID: id,
	})
	return err
}

// BuyFixedPrice buys a fixed-price listing with the attached amount.
func (s *MarketService) BuyFixedPrice(ctx context.Context, caller domain.Address, id domain.TokenID, amount *big.Int) (market.Receipt, error) {
	res, err := s.apply(ctx, domain.MarketEvent{
		Type: domain.EventPurchased, Caller: caller, AssetID: id, Amount: domain.Amount(amount),
	})
	if err != nil {
		return market.Receipt{}, err
	}
	return *res.Receipt, nil
}

// Bid places a bid with the attached amount.
func (s *MarketService) Bid(ctx context.Context, caller domain.Address, id domain.TokenID, amount *big.Int) error {
	_, err := s.apply(ctx, domain.MarketEvent{
		Type: domain.EventBidPlaced, Caller: caller, AssetID: id, Amount: domain.Amount(amount),
	})
	return err
}

// EndAuction finalizes an expired auction on behalf of any caller.
func (s *MarketService) EndAuction(ctx context.Context, caller domain.Address, id domain.TokenID) (market.Settlement, error) {
	res, err := s.apply(ctx, domain.MarketEvent{
		Type: domain.EventAuctionEnded, Caller: caller, AssetID: id,
	})
	if err != nil {
		return market.Settlement{}, err
	}
	return *res.Settlement, nil
}

// Withdraw pays out the caller's withdrawable balance. The commit lock is
// held until the payout is broadcast; waiting for its receipt does not block
// other operations. Only a transfer that never left, or one mined as failed,
// re-credits the balance.
func (s *MarketService) Withdraw(ctx context.Context, caller domain.Address) (*big.Int, error) {
	journaled, amount, txHash, err := s.withdraw(ctx, caller)
	if err != nil {
		return nil, err
	}

	status := domain.PayoutSettled
	if tp, ok := s.payer.(domain.TxPayer); ok && txHash != "" {
		cerr := tp.Confirm(ctx, txHash)
		switch {
		case cerr == nil:
		case errors.Is(cerr, domain.ErrPayoutReverted):
			s.rec.PayoutFailed()
			s.recredit(ctx, journaled, txHash, cerr)
			return nil, fmt.Errorf("market_service: withdraw: %w", cerr)
		default:
			status = domain.PayoutPending
			s.logger.WarnContext(ctx, "market_service: payout pending confirmation",
				slog.String("account", caller.Hex()),
				slog.String("tx", txHash),
				slog.String("error", cerr.Error()),
			)
		}
	}

	s.rec.Withdrawn(amount)
	if perr := s.payouts.Record(ctx, domain.Payout{
		ID:        uuid.NewString(),
		EventSeq:  journaled.Seq,
		Account:   caller,
		Amount:    domain.Amount(amount),
		TxHash:    txHash,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}); perr != nil {
		s.logger.ErrorContext(ctx, "market_service: record payout failed",
			slog.String("account", caller.Hex()),
			slog.Uint64("seq", journaled.Seq),
			slog.String("error", perr.Error()),
		)
	}
	return amount, nil
}

// withdraw journals and applies the withdrawal under the commit lock. An
// on-chain payer only broadcasts here.
func (s *MarketService) withdraw(ctx context.Context, caller domain.Address) (domain.MarketEvent, *big.Int, string, error) {
	s.commit.Lock()
	defer s.commit.Unlock()

	var (
		journaled domain.MarketEvent
		ok        bool
		txHash    string
	)
	payer := domain.PayerFunc(func(ctx context.Context, to domain.Address, amount *big.Int) error {
		if tp, isTx := s.payer.(domain.TxPayer); isTx {
			h, err := tp.Broadcast(ctx, to, amount)
			txHash = h
			return err
		}
		return s.payer.Transfer(ctx, to, amount)
	})

	ev := s.stamp(domain.MarketEvent{Type: domain.EventWithdrawn, Caller: caller})
	res, err := s.engine.Apply(ctx, ev, market.Hooks{
		Payer: payer,
		Journal: func(ctx context.Context, ev domain.MarketEvent) error {
			if err := s.journal(ctx, &ev); err != nil {
				return err
			}
			journaled, ok = ev, true
			return nil
		},
	})
	if err != nil {
		if ok {
			s.rec.PayoutFailed()
			s.revertWithdrawal(ctx, journaled, err)
		} else {
			s.rejected(ev.Type, err)
		}
		return domain.MarketEvent{}, nil, "", err
	}

	s.committed(ctx, journaled)
	return journaled, res.Withdrawn, txHash, nil
}

// recredit returns the amount of a withdrawal whose transaction was mined
// as failed.
func (s *MarketService) recredit(ctx context.Context, withdrawn domain.MarketEvent, txHash string, cause error) {
	_, err := s.apply(ctx, domain.MarketEvent{
		Type:   domain.EventWithdrawReverted,
		Caller: withdrawn.Caller,
		Amount: domain.Amount(withdrawn.Amount),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "market_service: re-credit reverted payout failed",
			slog.Uint64("withdrawn_seq", withdrawn.Seq),
			slog.String("account", withdrawn.Caller.Hex()),
			slog.String("tx", txHash),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.WarnContext(ctx, "market_service: payout reverted on chain, balance re-credited",
		slog.Uint64("withdrawn_seq", withdrawn.Seq),
		slog.String("account", withdrawn.Caller.Hex()),
		slog.String("tx", txHash),
		slog.String("cause", cause.Error()),
	)
}

// revertWithdrawal journals the re-credit the engine already applied after
// a failed payout.
func (s *MarketService) revertWithdrawal(ctx context.Context, withdrawn domain.MarketEvent, cause error) {
	ev := domain.MarketEvent{
		Type:   domain.EventWithdrawReverted,
		Tick:   withdrawn.Tick,
		Caller: withdrawn.Caller,
		Amount: domain.Amount(withdrawn.Amount),
	}
	if err := s.journal(ctx, &ev); err != nil {
		// The journal now over-states withdrawals until an operator fixes it;
		// replay of the withdrawn event will fail the amount check loudly.
		s.logger.ErrorContext(ctx, "market_service: journal withdraw_reverted failed",
			slog.Uint64("withdrawn_seq", withdrawn.Seq),
			slog.String("account", withdrawn.Caller.Hex()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.WarnContext(ctx, "market_service: payout failed, withdrawal reverted",
		slog.Uint64("seq", ev.Seq),
		slog.String("account", ev.Caller.Hex()),
		slog.String("amount", ev.Amount.String()),
		slog.String("cause", cause.Error()),
	)
	s.committed(ctx, ev)
}

// apply runs one non-withdraw operation through the engine with the journal
// hook installed.
func (s *MarketService) apply(ctx context.Context, ev domain.MarketEvent) (market.Result, error) {
	s.commit.Lock()
	defer s.commit.Unlock()

	var journaled domain.MarketEvent
	res, err := s.engine.Apply(ctx, s.stamp(ev), market.Hooks{
		Journal: func(ctx context.Context, ev domain.MarketEvent) error {
			if err := s.journal(ctx, &ev); err != nil {
				return err
			}
			journaled = ev
			return nil
		},
	})
	if err != nil {
		s.rejected(ev.Type, err)
		return market.Result{}, err
	}
	s.committed(ctx, journaled)
	s.notifyResult(ctx, journaled, res)
	return res, nil
}

func (s *MarketService) rejected(t domain.EventType, err error) {
	code := "internal"
	if c := domain.CodeOf(err); c != nil {
		code = c.Name()
	}
	s.rec.Rejected(string(t), code)
}

func (s *MarketService) stamp(ev domain.MarketEvent) domain.MarketEvent {
	ev.Tick = s.engine.Now()
	return ev
}

// journal assigns the next sequence number and appends ev. The sequence only
// advances once the append succeeds.
func (s *MarketService) journal(ctx context.Context, ev *domain.MarketEvent) error {
	ev.Seq = s.seq.Load() + 1
	ev.ID = uuid.NewString()
	ev.CreatedAt = time.Now().UTC()
	if err := s.events.Append(ctx, *ev); err != nil {
		return fmt.Errorf("market_service: append event %d: %w", ev.Seq, err)
	}
	s.seq.Store(ev.Seq)
	return nil
}

// committed fans a journaled event out. Failures here are logged and never
// undo the commit.
func (s *MarketService) committed(ctx context.Context, ev domain.MarketEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.ErrorContext(ctx, "market_service: marshal event failed",
			slog.Uint64("seq", ev.Seq),
			slog.String("error", err.Error()),
		)
	} else {
		if pubErr := s.bus.Publish(ctx, ev.Channel(), payload); pubErr != nil {
			s.logger.WarnContext(ctx, "market_service: publish event failed",
				slog.Uint64("seq", ev.Seq),
				slog.String("error", pubErr.Error()),
			)
		}
		if strErr := s.bus.StreamAppend(ctx, EventStream, payload); strErr != nil {
			s.logger.WarnContext(ctx, "market_service: stream append failed",
				slog.Uint64("seq", ev.Seq),
				slog.String("error", strErr.Error()),
			)
		}
	}

	detail := map[string]any{
		"seq":      ev.Seq,
		"caller":   ev.Caller.Hex(),
		"asset_id": ev.AssetID.String(),
		"tick":     ev.Tick,
	}
	if ev.Amount != nil {
		detail["amount"] = ev.Amount.String()
	}
	if auditErr := s.audit.Log(ctx, string(ev.Type), detail); auditErr != nil {
		s.logger.WarnContext(ctx, "market_service: audit log failed",
			slog.Uint64("seq", ev.Seq),
			slog.String("error", auditErr.Error()),
		)
	}

	s.rec.EventCommitted(ev.Type)
	s.logger.InfoContext(ctx, "market_service: committed",
		slog.Uint64("seq", ev.Seq),
		slog.String("type", string(ev.Type)),
		slog.String("caller", ev.Caller.Hex()),
		slog.String("asset_id", ev.AssetID.String()),
	)

	if ev.Type == domain.EventWithdrawn {
		s.notify(ctx, notify.EventWithdrawal, "Withdrawal",
			fmt.Sprintf("%s withdrew %s wei", ev.Caller.Hex(), ev.Amount))
	}

	s.sinceSnap++
	if s.cfg.SnapshotEvery > 0 && s.sinceSnap >= s.cfg.SnapshotEvery {
		if _, err := s.snapshotLocked(ctx); err != nil {
			s.logger.ErrorContext(ctx, "market_service: snapshot failed",
				slog.Uint64("seq", s.seq.Load()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *MarketService) notifyResult(ctx context.Context, ev domain.MarketEvent, res market.Result) {
	switch {
	case res.Receipt != nil:
		r := res.Receipt
		s.notify(ctx, notify.EventSaleCompleted, "Sale completed",
			fmt.Sprintf("asset %s sold by %s to %s for %s wei", r.AssetID, r.Seller.Hex(), r.Buyer.Hex(), r.Price))
	case res.Settlement != nil:
		st := res.Settlement
		msg := fmt.Sprintf("auction for asset %s ended without bids", st.AssetID)
		if st.Sold {
			msg = fmt.Sprintf("auction for asset %s won by %s for %s wei", st.AssetID, st.Winner.Hex(), st.Amount)
		}
		s.notify(ctx, notify.EventAuctionEnded, "Auction ended", msg)
	}
}

func (s *MarketService) notify(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "market_service: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// Snapshot saves a snapshot of the current state and archives it when an
// archiver is configured.
func (s *MarketService) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	s.commit.Lock()
	defer s.commit.Unlock()
	return s.snapshotLocked(ctx)
}

func (s *MarketService) snapshotLocked(ctx context.Context) (domain.Snapshot, error) {
	snap := s.engine.Snapshot(s.seq.Load())
	if err := s.snapshots.Save(ctx, snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("market_service: save snapshot %d: %w", snap.Seq, err)
	}
	s.sinceSnap = 0

	if s.archiver != nil {
		path, err := s.archiver.ArchiveSnapshot(ctx, snap)
		if err != nil {
			s.logger.WarnContext(ctx, "market_service: archive snapshot failed",
				slog.Uint64("seq", snap.Seq),
				slog.String("error", err.Error()),
			)
		} else {
			s.logger.InfoContext(ctx, "market_service: snapshot archived",
				slog.Uint64("seq", snap.Seq),
				slog.String("path", path),
			)
		}
	}
	return snap, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Seq returns the sequence number of the last committed event.
func (s *MarketService) Seq() uint64 {
	return s.seq.Load()
}

// Collection returns the collection metadata.
func (s *MarketService) Collection() domain.Collection { return s.engine.Collection() }

// Now returns the current engine tick.
func (s *MarketService) Now() int64 { return s.engine.Now() }

// NFTsForFixedPrice lists assets with an active fixed-price listing.
func (s *MarketService) NFTsForFixedPrice() []domain.TokenID { return s.engine.NFTsForFixedPrice() }

// NFTsForAuction lists assets with an active auction.
func (s *MarketService) NFTsForAuction() []domain.TokenID { return s.engine.NFTsForAuction() }

// AuctionEndTime returns the end tick of the latest auction on id.
func (s *MarketService) AuctionEndTime(id domain.TokenID) (int64, error) {
	return s.engine.AuctionEndTime(id)
}

// BiddersForNFT returns the bidders of the latest auction on id.
func (s *MarketService) BiddersForNFT(id domain.TokenID) ([]domain.Address, error) {
	return s.engine.BiddersForNFT(id)
}

// ContractBalance returns the total value held by the engine.
func (s *MarketService) ContractBalance() *big.Int { return s.engine.ContractBalance() }

// OwnerOf returns the owner of id.
func (s *MarketService) OwnerOf(id domain.TokenID) (domain.Address, error) { return s.engine.OwnerOf(id) }

// Listing returns the latest listing of id.
func (s *MarketService) Listing(id domain.TokenID) (domain.Listing, error) { return s.engine.Listing(id) }

// Withdrawable returns the withdrawable balance of account.
func (s *MarketService) Withdrawable(account domain.Address) *big.Int {
	return s.engine.Withdrawable(account)
}

// Stats returns the ledger totals.
func (s *MarketService) Stats() domain.LedgerStats { return s.engine.Stats() }

// Events returns journaled events after afterSeq.
func (s *MarketService) Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.MarketEvent, error) {
	evs, err := s.events.ListSince(ctx, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("market_service: list events: %w", err)
	}
	return evs, nil
}

// Payouts returns completed withdrawals of account, newest first.
func (s *MarketService) Payouts(ctx context.Context, account domain.Address, opts domain.ListOpts) ([]domain.Payout, error) {
	ps, err := s.payouts.ListByAccount(ctx, account, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list payouts: %w", err)
	}
	return ps, nil
}
