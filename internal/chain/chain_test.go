package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftmarket/internal/domain"
	"github.com/alanyoungcy/nftmarket/internal/market"
)

type fakeBackend struct {
	mu       sync.Mutex
	headTime uint64
	headNum  int64
	nonce    uint64
	sent     []*types.Transaction
	sendErr  error
	receipts map[common.Hash]*types.Receipt
	onSend   func(tx *types.Transaction)
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Header{Time: f.headTime, Number: big.NewInt(f.headNum)}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	if f.onSend != nil {
		f.onSend(tx)
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) setHead(ts uint64, num int64) {
	f.mu.Lock()
	f.headTime, f.headNum = ts, num
	f.mu.Unlock()
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestBlockClockIsMonotonic(t *testing.T) {
	b := &fakeBackend{headTime: 1_000, headNum: 10}
	c, err := NewBlockClock(context.Background(), b, time.Millisecond, discard())
	require.NoError(t, err)
	assert.EqualValues(t, 1_000, c.Now())

	b.setHead(1_012, 11)
	require.NoError(t, c.poll(context.Background()))
	assert.EqualValues(t, 1_012, c.Now())
	assert.EqualValues(t, 11, c.Block())

	// A reorg to an older head never moves the clock back.
	b.setHead(1_005, 10)
	require.NoError(t, c.poll(context.Background()))
	assert.EqualValues(t, 1_012, c.Now())
	assert.EqualValues(t, 11, c.Block())
}

func TestBlockClockRun(t *testing.T) {
	b := &fakeBackend{headTime: 50, headNum: 1}
	c, err := NewBlockClock(context.Background(), b, time.Millisecond, discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	b.setHead(60, 2)
	require.Eventually(t, func() bool { return c.Now() == 60 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func newPayer(t *testing.T, b *fakeBackend, confirm time.Duration) (*EthPayer, common.Address) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	p, err := NewEthPayer(b, hex.EncodeToString(ethcrypto.FromECDSA(key)), PayerConfig{
		ChainID:        big.NewInt(1337),
		ConfirmTimeout: confirm,
		PollInterval:   time.Millisecond,
	}, discard())
	require.NoError(t, err)
	return p, ethcrypto.PubkeyToAddress(key.PublicKey)
}

func TestEthPayerSignsTransfers(t *testing.T) {
	b := &fakeBackend{nonce: 7}
	p, from := newPayer(t, b, 0)
	assert.Equal(t, from, p.Address())

	to := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	hash, err := p.Broadcast(context.Background(), to, big.NewInt(42))
	require.NoError(t, err)
	require.NoError(t, p.Transfer(context.Background(), to, big.NewInt(1)))

	require.Len(t, b.sent, 2)
	tx := b.sent[0]
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.EqualValues(t, 7, tx.Nonce())
	assert.EqualValues(t, 8, b.sent[1].Nonce())
	assert.Equal(t, "42", tx.Value().String())
	assert.Equal(t, to, *tx.To())
	assert.EqualValues(t, 21_000, tx.Gas())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	require.NoError(t, err)
	assert.Equal(t, from, sender)
}

func TestEthPayerRejectsBadInput(t *testing.T) {
	b := &fakeBackend{}
	p, _ := newPayer(t, b, 0)
	_, err := p.Broadcast(context.Background(), common.Address{1}, big.NewInt(0))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	b.sendErr = errors.New("insufficient funds")
	err = p.Transfer(context.Background(), common.Address{1}, big.NewInt(1))
	require.ErrorContains(t, err, "insufficient funds")
	assert.NotErrorIs(t, err, domain.ErrPayoutUnconfirmed)

	_, err = NewEthPayer(b, "zz", PayerConfig{ChainID: big.NewInt(1)}, discard())
	require.Error(t, err)
}

func TestEthPayerWaitsForReceipt(t *testing.T) {
	b := &fakeBackend{receipts: map[common.Hash]*types.Receipt{}}
	p, _ := newPayer(t, b, 50*time.Millisecond)

	// Never mined.
	err := p.Transfer(context.Background(), common.Address{1}, big.NewInt(1))
	require.ErrorIs(t, err, domain.ErrPayoutUnconfirmed)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	hash := b.sent[0].Hash()
	b.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusFailed}
	err = p.Confirm(context.Background(), hash.Hex())
	require.ErrorIs(t, err, domain.ErrPayoutReverted)
	assert.NotErrorIs(t, err, domain.ErrPayoutUnconfirmed)

	b.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	require.NoError(t, p.Confirm(context.Background(), hash.Hex()))
}

func TestEthPayerConfirmWithoutTimeoutIsUnconfirmed(t *testing.T) {
	b := &fakeBackend{}
	p, _ := newPayer(t, b, 0)

	hash, err := p.Broadcast(context.Background(), common.Address{1}, big.NewInt(1))
	require.NoError(t, err)
	require.ErrorIs(t, p.Confirm(context.Background(), hash), domain.ErrPayoutUnconfirmed)
	require.NoError(t, p.Transfer(context.Background(), common.Address{1}, big.NewInt(1)))
}

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice = common.HexToAddress("0x000000000000000000000000000000000000000a")
	bob   = common.HexToAddress("0x000000000000000000000000000000000000000b")
	carol = common.HexToAddress("0x000000000000000000000000000000000000000c")
)

func TestUnminedPayoutIsNotPaidTwice(t *testing.T) {
	b := &fakeBackend{receipts: map[common.Hash]*types.Receipt{}}
	p, _ := newPayer(t, b, 20*time.Millisecond)

	m := market.New(domain.Collection{Name: "NFTMarketPlace", Symbol: "NFT", Admin: admin}, market.NewManualClock(1_000), discard())
	require.NoError(t, m.MintNFT(admin, alice, 1))
	require.NoError(t, m.ListFixedPrice(alice, 1, big.NewInt(5)))
	_, err := m.BuyFixedPrice(bob, 1, big.NewInt(5))
	require.NoError(t, err)

	n, err := m.Withdraw(context.Background(), alice, p)
	require.NoError(t, err)
	assert.Equal(t, "5", n.String())
	assert.Equal(t, "0", m.Withdrawable(alice).String())

	_, err = m.Withdraw(context.Background(), alice, p)
	require.ErrorIs(t, err, domain.ErrNothingToWithdraw)
	require.Len(t, b.sent, 1)
	assert.Equal(t, "5", b.sent[0].Value().String())
	assert.Equal(t, "0", m.ContractBalance().String())
}

func TestRevertedPayoutIsRecredited(t *testing.T) {
	b := &fakeBackend{receipts: map[common.Hash]*types.Receipt{}}
	p, _ := newPayer(t, b, time.Second)
	// Every transaction is mined as failed.
	b.onSend = func(tx *types.Transaction) {
		b.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusFailed}
	}

	m := market.New(domain.Collection{Admin: admin}, market.NewManualClock(1_000), discard())
	require.NoError(t, m.MintNFT(admin, alice, 1))
	_, err := m.ListAuction(alice, 1, big.NewInt(0), 10)
	require.NoError(t, err)
	require.NoError(t, m.Bid(bob, 1, big.NewInt(3)))
	require.NoError(t, m.Bid(carol, 1, big.NewInt(4)))

	_, err = m.Withdraw(context.Background(), bob, p)
	require.ErrorIs(t, err, domain.ErrPayoutReverted)
	assert.Equal(t, "3", m.Withdrawable(bob).String())
	require.Len(t, b.sent, 1)
}
