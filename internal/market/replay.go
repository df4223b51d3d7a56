package market

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// Replay re-applies journaled events in order through the same path as live
// calls. Withdrawals are replayed without paying anyone; the replayed amount
// must match the journaled one. It returns the sequence number of the last
// event applied, or after when nothing was applied.
//
// Events at or below after are skipped as duplicates; a gap in sequence
// numbers is an error because the state would silently diverge.
func Replay(ctx context.Context, m *Marketplace, after uint64, events []domain.MarketEvent) (uint64, error) {
	last := after
	for _, ev := range events {
		if ev.Seq <= last {
			m.logger.WarnContext(ctx, "replay: duplicate event ignored",
				slog.Uint64("seq", ev.Seq),
				slog.Uint64("last", last),
			)
			continue
		}
		if ev.Seq != last+1 {
			return last, fmt.Errorf("market: replay: sequence gap: expected %d, got %d", last+1, ev.Seq)
		}

		want := domain.Amount(ev.Amount)
		payer := domain.PayerFunc(func(_ context.Context, _ domain.Address, amount *big.Int) error {
			if amount.Cmp(want) != 0 {
				return fmt.Errorf("journaled %s, ledger holds %s", want, amount)
			}
			return nil
		})

		if _, err := m.Apply(ctx, ev, Hooks{Payer: payer}); err != nil {
			return last, fmt.Errorf("market: replay: event %d (%s): %w", ev.Seq, ev.Type, err)
		}
		last = ev.Seq
	}
	return last, nil
}
