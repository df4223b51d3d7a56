package market

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

type lock struct {
	bidder domain.Address
	amount *big.Int
}

// ledger holds every unit of value inside the engine: amounts locked behind
// the highest bid of each active auction and withdrawable balances. It is the
// only component that moves value.
//
// Invariant: Σ locks + Σ withdrawable == deposited - withdrawn.
type ledger struct {
	withdrawable map[domain.Address]*big.Int
	locks        map[domain.TokenID]lock
	deposited    *big.Int
	withdrawn    *big.Int
}

func newLedger() *ledger {
	return &ledger{
		withdrawable: make(map[domain.Address]*big.Int),
		locks:        make(map[domain.TokenID]lock),
		deposited:    new(big.Int),
		withdrawn:    new(big.Int),
	}
}

// deposit records value attached to a payable call.
func (l *ledger) deposit(amount *big.Int) {
	l.deposited.Add(l.deposited, amount)
}

// credit increases the withdrawable balance of account.
func (l *ledger) credit(account domain.Address, amount *big.Int) {
	if amount.Sign() < 0 {
		panic("market: negative credit")
	}
	if amount.Sign() == 0 {
		return
	}
	bal, ok := l.withdrawable[account]
	if !ok {
		bal = new(big.Int)
		l.withdrawable[account] = bal
	}
	bal.Add(bal, amount)
}

// lockBid locks amount for bidder behind asset id. Any previous lock on the
// asset must have been released first.
func (l *ledger) lockBid(id domain.TokenID, bidder domain.Address, amount *big.Int) {
	l.locks[id] = lock{bidder: bidder, amount: domain.Amount(amount)}
}

// release removes the lock on asset id and returns it.
func (l *ledger) release(id domain.TokenID) (lock, bool) {
	lk, ok := l.locks[id]
	if ok {
		delete(l.locks, id)
	}
	return lk, ok
}

func (l *ledger) balanceOf(account domain.Address) *big.Int {
	return domain.Amount(l.withdrawable[account])
}

// take zeroes the withdrawable balance of account and counts it as withdrawn.
// It runs before any outbound transfer so a reentrant withdrawal observes an
// empty balance.
func (l *ledger) take(account domain.Address) (*big.Int, bool) {
	bal, ok := l.withdrawable[account]
	if !ok || bal.Sign() == 0 {
		return nil, false
	}
	delete(l.withdrawable, account)
	l.withdrawn.Add(l.withdrawn, bal)
	return bal, true
}

// restore undoes take after a failed transfer.
func (l *ledger) restore(account domain.Address, amount *big.Int) {
	l.withdrawn.Sub(l.withdrawn, amount)
	l.credit(account, amount)
}

func (l *ledger) stats() domain.LedgerStats {
	locked := new(big.Int)
	for _, lk := range l.locks {
		locked.Add(locked, lk.amount)
	}
	free := new(big.Int)
	for _, bal := range l.withdrawable {
		free.Add(free, bal)
	}
	return domain.LedgerStats{
		Deposited:    domain.Amount(l.deposited),
		Withdrawn:    domain.Amount(l.withdrawn),
		Locked:       locked,
		Withdrawable: free,
	}
}

func (l *ledger) accounts() []domain.EscrowAccount {
	out := make([]domain.EscrowAccount, 0, len(l.withdrawable))
	for owner, bal := range l.withdrawable {
		out = append(out, domain.EscrowAccount{Owner: owner, Withdrawable: domain.Amount(bal)})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Owner.Bytes(), out[j].Owner.Bytes()) < 0
	})
	return out
}

func (l *ledger) lockList() []domain.EscrowLock {
	out := make([]domain.EscrowLock, 0, len(l.locks))
	for id, lk := range l.locks {
		out = append(out, domain.EscrowLock{AssetID: id, Bidder: lk.bidder, Amount: domain.Amount(lk.amount)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}
