package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common/math"

	"github.com/alanyoungcy/nftmarket/internal/domain"
	"github.com/alanyoungcy/nftmarket/internal/market"
	"github.com/alanyoungcy/nftmarket/internal/server/middleware"
)

// Market is the marketplace surface the HTTP API drives.
type Market interface {
	MintNFT(ctx context.Context, caller, to domain.Address, id domain.TokenID) error
	ListFixedPrice(ctx context.Context, caller domain.Address, id domain.TokenID, price *big.Int) error
	ListAuction(ctx context.Context, caller domain.Address, id domain.TokenID, reserve *big.Int, duration int64) (int64, error)
	CancelListing(ctx context.Context, caller domain.Address, id domain.TokenID) error
	BuyFixedPrice(ctx context.Context, caller domain.Address, id domain.TokenID, amount *big.Int) (market.Receipt, error)
	Bid(ctx context.Context, caller domain.Address, id domain.TokenID, amount *big.Int) error
	EndAuction(ctx context.Context, caller domain.Address, id domain.TokenID) (market.Settlement, error)
	Withdraw(ctx context.Context, caller domain.Address) (*big.Int, error)

	Collection() domain.Collection
	Now() int64
	Seq() uint64
	NFTsForFixedPrice() []domain.TokenID
	NFTsForAuction() []domain.TokenID
	AuctionEndTime(id domain.TokenID) (int64, error)
	BiddersForNFT(id domain.TokenID) ([]domain.Address, error)
	ContractBalance() *big.Int
	OwnerOf(id domain.TokenID) (domain.Address, error)
	Listing(id domain.TokenID) (domain.Listing, error)
	Withdrawable(account domain.Address) *big.Int
	Stats() domain.LedgerStats
	Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.MarketEvent, error)
	Payouts(ctx context.Context, account domain.Address, opts domain.ListOpts) ([]domain.Payout, error)
}

// MarketHandler serves the marketplace operations and queries. Mutating
// routes act on behalf of the caller established by middleware.CallerAuth.
type MarketHandler struct {
	market Market
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(m Market, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{market: m, logger: logger.With(slog.String("handler", "market"))}
}

// Request bodies. Amounts are wei as decimal or 0x-hex strings.
type (
	mintRequest struct {
		To      domain.Address `json:"to"`
		AssetID domain.TokenID `json:"asset_id"`
	}
	fixedPriceRequest struct {
		Price *math.HexOrDecimal256 `json:"price"`
	}
	auctionRequest struct {
		ReservePrice *math.HexOrDecimal256 `json:"reserve_price"`
		Duration     int64                 `json:"duration"`
	}
	paymentRequest struct {
		Amount *math.HexOrDecimal256 `json:"amount"`
	}
)

// caller returns the authenticated caller or writes a 401.
func (h *MarketHandler) caller(w http.ResponseWriter, r *http.Request) (domain.Address, bool) {
	c, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "caller identity required")
		return domain.Address{}, false
	}
	return c, true
}

// callerAndToken resolves the caller and the {id} path segment.
func (h *MarketHandler) callerAndToken(w http.ResponseWriter, r *http.Request) (domain.Address, domain.TokenID, bool) {
	c, ok := h.caller(w, r)
	if !ok {
		return domain.Address{}, 0, false
	}
	id, err := tokenParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return domain.Address{}, 0, false
	}
	return c, id, true
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// Mint mints a new asset. Admin only.
// POST /api/nfts
func (h *MarketHandler) Mint(w http.ResponseWriter, r *http.Request) {
	c, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req mintRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.market.MintNFT(r.Context(), c, req.To, req.AssetID); err != nil {
		writeMarketError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.Asset{ID: req.AssetID, Owner: req.To})
}

// ListFixedPrice offers the asset at a fixed price.
// POST /api/nfts/{id}/listing/fixed
func (h *MarketHandler) ListFixedPrice(w http.ResponseWriter, r *http.Request) {
	c, id, ok := h.callerAndToken(w, r)
	if !ok {
		return
	}
	var req fixedPriceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.market.ListFixedPrice(r.Context(), c, id, amount(req.Price)); err != nil {
		writeMarketError(w, r, h.logger, err)
		return
	}
	h.writeListing(w, r, id, http.StatusCreated)
}

// ListAuction opens an auction on the asset.
// POST /api/nfts/{id}/listing/auction
func (h *MarketHandler) ListAuction(w http.ResponseWriter, r *http.Request) {
	c, id, ok := h.callerAndToken(w, r)
	if !ok {
		return
	}
	var req auctionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.market.ListAuction(r.Context(), c, id, amount(req.ReservePrice), req.Duration); err != nil {
		writeMarketError(w, r, h.logger, err)
		return
	}
	h.writeListing(w, r, id, http.StatusCreated)
}

// CancelListing withdraws the caller's active listing.
// DELETE /api/nfts/{id}/listing
func (h *MarketHandler) CancelListing(w http.ResponseWriter, r *http.Request) {
	c, id, ok := h.callerAndToken(w, r)
	if !ok {
		return
	}
	if err := h.market.CancelListing(r.Context(), c, id); err != nil {
		writeMarketError(w, r, h.logger, err)
		return
	}
	h.writeListing(w, r, id, http.StatusOK)
}

// Buy purchases a fixed-price listing with the attached amount.
// POST /api/nfts/{id}/buy
func (h *MarketHandler) Buy(w http.ResponseWriter, r *http.Request) {
	c, id, ok := h.callerAndToken(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := h.market.BuyFixedPrice(r.Context(), c, id, amount(req.Amount))
	if err != nil {
		writeMarketError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// Bid places a bid with the attached amount.
// POST /api/nfts/{id}/bids
func (h *MarketHandler) Bid(w http.ResponseWriter, r *http.Request) {
	c, id, ok := h.callerAndToken(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.market.Bid(r.Context(), c, id, amount(req.Amount)); err != nil {
		writeMarketError(w, r, h.logger, err)
		return
	}
	h.writeListing(w, r, id, http.StatusOK)
}

// EndAuction finalizes an expired auction. Any caller may do it.
// POST /api/nfts/{id}/end
func (h *MarketHandler) EndAuction(w http.ResponseWriter, r *http.Request) {
	c, id, ok := h.callerAndToken(w, r)
	if !ok {
		return
	}
	s, err := h.market.EndAuction(r.Context(), c, id)
	if err != nil {
		writeMarketError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Withdraw pays out the caller's withdrawable balance.
// POST /api/withdraw
func (h *MarketHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	c, ok := h.caller(w, r)
	if !ok {
		return
	}
	n, err := h.market.Withdraw(r.Context(), c)
	if err != nil {
		writeMarketError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": c, "amount": n})
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Info describes the collection, the clock and the ledger.
// GET /api/info
func (h *MarketHandler) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"collection": h.market.Collection(),
		"tick":       h.market.Now(),
		"seq":        h.market.Seq(),
		"ledger":     h.market.Stats(),
	})
}

// GetNFT returns the owner and latest listing of an asset.
// GET /api/nfts/{id}
func (h *MarketHandler) GetNFT(w http.ResponseWriter, r *http.Request) {
	id, err := tokenParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner, err := h.market.OwnerOf(id)
	if err != nil {
		writeMarketError(w, r, h.logger, err)
		return
	}
	out := map[string]any{"id": id, "owner": owner}
	if l, err := h.market.Listing(id); err == nil {
		out["listing"] = l
	}
	writeJSON(w, http.StatusOK, out)
}

// FixedPriceListings lists assets with an active fixed-price listing.
// GET /api/listings/fixed
func (h *MarketHandler) FixedPriceListings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"asset_ids": nonNil(h.market.NFTsForFixedPrice())})
}

// AuctionListings lists assets with an active auction.
// GET /api/listings/auction
func (h *MarketHandler) AuctionListings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"asset_ids": nonNil(h.market.NFTsForAuction())})
}

// AuctionEndTime returns the end tick of the asset's latest auction.
// GET /api/nfts/{id}/auction/end-time
func (h *MarketHandler) AuctionEndTime(w http.ResponseWriter, r *http.Request) {
	id, err := tokenParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := h.market.AuctionEndTime(id)
	if err != nil {
		writeMarketError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset_id": id, "end_time": end, "now": h.market.Now()})
}

// Bidders returns every qualifying bidder of the asset's latest auction.
// GET /api/nfts/{id}/bidders
func (h *MarketHandler) Bidders(w http.ResponseWriter, r *http.Request) {
	id, err := tokenParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bidders, err := h.market.BiddersForNFT(id)
	if err != nil {
		writeMarketError(w, r, h.logger, err)
		return
	}
	if bidders == nil {
		bidders = []domain.Address{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset_id": id, "bidders": bidders})
}

// Balance returns the total value held by the marketplace.
// GET /api/balance
func (h *MarketHandler) Balance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"balance": h.market.ContractBalance()})
}

// Withdrawable returns an account's withdrawable balance.
// GET /api/accounts/{address}/withdrawable
func (h *MarketHandler) Withdrawable(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": addr, "withdrawable": h.market.Withdrawable(addr)})
}

// Payouts lists an account's completed withdrawals, newest first.
// GET /api/accounts/{address}/payouts
func (h *MarketHandler) Payouts(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payouts, err := h.market.Payouts(r.Context(), addr, parseListOpts(r))
	if err != nil {
		writeMarketError(w, r, h.logger, err)
		return
	}
	if payouts == nil {
		payouts = []domain.Payout{}
	}
	writeJSON(w, http.StatusOK, payouts)
}

// Events pages through the journal.
// GET /api/events?after=<seq>&limit=<n>
func (h *MarketHandler) Events(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		after = n
	}
	events, err := h.market.Events(r.Context(), after, parseListOpts(r).Limit)
	if err != nil {
		writeMarketError(w, r, h.logger, err)
		return
	}
	if events == nil {
		events = []domain.MarketEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *MarketHandler) writeListing(w http.ResponseWriter, r *http.Request, id domain.TokenID, status int) {
	l, err := h.market.Listing(id)
	if err != nil {
		writeMarketError(w, r, h.logger, err)
		return
	}
	writeJSON(w, status, l)
}

func nonNil(ids []domain.TokenID) []domain.TokenID {
	if ids == nil {
		return []domain.TokenID{}
	}
	return ids
}
