package domain

import (
	"context"
	"math/big"
)

// EscrowAccount is the withdrawable balance of one account.
type EscrowAccount struct {
	Owner        Address  `json:"owner"`
	Withdrawable *big.Int `json:"withdrawable"`
}

// LedgerStats summarises the value held by the engine. The conservation law
// is Locked + Withdrawable == Deposited - Withdrawn.
type LedgerStats struct {
	Deposited    *big.Int `json:"deposited"`
	Withdrawn    *big.Int `json:"withdrawn"`
	Locked       *big.Int `json:"locked"`
	Withdrawable *big.Int `json:"withdrawable"`
}

// Balance is the total value currently held.
func (s LedgerStats) Balance() *big.Int {
	return new(big.Int).Add(s.Locked, s.Withdrawable)
}

// Payer moves value out of the engine to an account. It is the only outbound
// transfer primitive and is invoked solely by withdrawals.
type Payer interface {
	Transfer(ctx context.Context, to Address, amount *big.Int) error
}

// PayerFunc adapts a function to Payer.
type PayerFunc func(ctx context.Context, to Address, amount *big.Int) error

// Transfer calls f.
func (f PayerFunc) Transfer(ctx context.Context, to Address, amount *big.Int) error {
	return f(ctx, to, amount)
}

// TxPayer is a Payer that settles in two steps. Broadcast returns the
// transaction hash once the network accepted the transfer; Confirm waits for
// its receipt and fails with ErrPayoutReverted or ErrPayoutUnconfirmed.
type TxPayer interface {
	Payer
	Broadcast(ctx context.Context, to Address, amount *big.Int) (string, error)
	Confirm(ctx context.Context, txHash string) error
}
