package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// PayerConfig tunes EthPayer.
type PayerConfig struct {
	ChainID  *big.Int
	GasLimit uint64
	// ConfirmTimeout bounds the wait for a receipt. Zero makes Transfer
	// return as soon as the node accepts the transaction.
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// EthPayer pays withdrawals from a hot wallet with native value transfers.
type EthPayer struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	signer  types.Signer
	cfg     PayerConfig
	logger  *slog.Logger

	// mu serialises nonce assignment.
	mu sync.Mutex
}

var _ domain.TxPayer = (*EthPayer)(nil)

// NewEthPayer creates a payer signing with the hex-encoded private key.
func NewEthPayer(backend Backend, privateKeyHex string, cfg PayerConfig, logger *slog.Logger) (*EthPayer, error) {
	key, err := ethcrypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("chain: payer key: %w", err)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("chain: payer needs a chain id")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = params.TxGas
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	from := ethcrypto.PubkeyToAddress(key.PublicKey)
	return &EthPayer{
		backend: backend,
		key:     key,
		from:    from,
		signer:  types.LatestSignerForChainID(cfg.ChainID),
		cfg:     cfg,
		logger: logger.With(
			slog.String("component", "eth_payer"),
			slog.String("wallet", from.Hex()),
		),
	}, nil
}

// Address returns the hot wallet address.
func (p *EthPayer) Address() common.Address {
	return p.from
}

// Transfer sends amount wei to to. With a ConfirmTimeout it also waits for
// the receipt and reports the outcome as Confirm does.
func (p *EthPayer) Transfer(ctx context.Context, to domain.Address, amount *big.Int) error {
	hash, err := p.Broadcast(ctx, to, amount)
	if err != nil {
		return err
	}
	if p.cfg.ConfirmTimeout <= 0 {
		return nil
	}
	return p.Confirm(ctx, hash)
}

// Broadcast signs the transfer and hands it to the node. It returns the
// transaction hash without waiting for it to be mined. An error means
// nothing was sent.
func (p *EthPayer) Broadcast(ctx context.Context, to domain.Address, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("chain: transfer: %w", domain.ErrInvalidAmount)
	}

	tx, err := p.send(ctx, to, amount)
	if err != nil {
		return "", err
	}
	p.logger.InfoContext(ctx, "payout sent",
		slog.String("to", to.Hex()),
		slog.String("amount", amount.String()),
		slog.String("tx", tx.Hash().Hex()),
		slog.Uint64("nonce", tx.Nonce()),
	)
	return tx.Hash().Hex(), nil
}

// Confirm waits up to ConfirmTimeout for the receipt of txHash. A failed
// receipt yields domain.ErrPayoutReverted. No receipt in time, a receipt
// lookup error or a disabled wait yield domain.ErrPayoutUnconfirmed.
func (p *EthPayer) Confirm(ctx context.Context, txHash string) error {
	if p.cfg.ConfirmTimeout <= 0 {
		return fmt.Errorf("chain: tx %s: confirmation disabled: %w", txHash, domain.ErrPayoutUnconfirmed)
	}
	return p.waitMined(ctx, common.HexToHash(txHash))
}

func (p *EthPayer) send(ctx context.Context, to common.Address, amount *big.Int) (*types.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	nonce, err := p.backend.PendingNonceAt(ctx, p.from)
	if err != nil {
		return nil, fmt.Errorf("chain: nonce: %w", err)
	}
	gasPrice, err := p.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: gas price: %w", err)
	}

	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int).Set(amount),
		Gas:      p.cfg.GasLimit,
		GasPrice: gasPrice,
	}), p.signer, p.key)
	if err != nil {
		return nil, fmt.Errorf("chain: sign: %w", err)
	}
	if err := p.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("chain: send: %w", err)
	}
	return tx, nil
}

func (p *EthPayer) waitMined(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := p.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("chain: tx %s: %w", hash.Hex(), domain.ErrPayoutReverted)
			}
			return nil
		case !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("chain: receipt %s: %w: %w", hash.Hex(), domain.ErrPayoutUnconfirmed, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("chain: tx %s not mined: %w: %w", hash.Hex(), domain.ErrPayoutUnconfirmed, ctx.Err())
		case <-ticker.C:
		}
	}
}

// LedgerPayer settles withdrawals off-chain: the payout is only recorded.
// It is used when no hot wallet is configured.
type LedgerPayer struct {
	logger *slog.Logger
}

var _ domain.Payer = (*LedgerPayer)(nil)

// NewLedgerPayer creates a LedgerPayer.
func NewLedgerPayer(logger *slog.Logger) *LedgerPayer {
	return &LedgerPayer{logger: logger.With(slog.String("component", "ledger_payer"))}
}

// Transfer logs the payout and always succeeds.
func (p *LedgerPayer) Transfer(ctx context.Context, to domain.Address, amount *big.Int) error {
	p.logger.InfoContext(ctx, "payout recorded off-chain",
		slog.String("to", to.Hex()),
		slog.String("amount", amount.String()),
	)
	return nil
}
