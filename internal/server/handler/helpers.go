package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error      string          `json:"error"`
	Code       string          `json:"code,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Violations []violationBody `json:"violations,omitempty"`
}

type violationBody struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusForKind maps a marketplace error kind to an HTTP status.
func statusForKind(kind error) int {
	switch kind {
	case domain.ErrNotFound:
		return http.StatusNotFound
	case domain.ErrUnauthorized:
		return http.StatusForbidden
	case domain.ErrInvalidState, domain.ErrEmptyWithdrawal:
		return http.StatusConflict
	case domain.ErrInvalidInput:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeMarketError renders a marketplace rejection with its code, kind and
// every violated constraint. Anything else is an internal failure: it is
// logged and the client only sees a generic message.
func writeMarketError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var me *domain.MarketError
	if errors.As(err, &me) {
		body := errorBody{
			Error: me.Error(),
			Code:  me.Code.Name(),
			Kind:  domain.KindName(me.Kind()),
		}
		for _, v := range me.Violations {
			body.Violations = append(body.Violations, violationBody{Code: v.Code.Name(), Detail: v.Detail})
		}
		writeJSON(w, statusForKind(me.Kind()), body)
		return
	}
	if c := domain.CodeOf(err); c != nil {
		writeJSON(w, statusForKind(c.Kind()), errorBody{
			Error: err.Error(),
			Code:  c.Name(),
			Kind:  domain.KindName(c.Kind()),
		})
		return
	}

	logger.ErrorContext(r.Context(), "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decodeJSON reads a bounded JSON body into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// amount converts an optional request amount, hex ("0x...") or decimal.
func amount(v *math.HexOrDecimal256) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set((*big.Int)(v))
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// tokenParam parses the {id} path segment.
func tokenParam(r *http.Request) (domain.TokenID, error) {
	id, err := domain.ParseTokenID(r.PathValue("id"))
	if err != nil {
		return 0, fmt.Errorf("invalid asset id %q", r.PathValue("id"))
	}
	return id, nil
}

// addressParam parses the {address} path segment.
func addressParam(r *http.Request) (domain.Address, error) {
	s := r.PathValue("address")
	if !common.IsHexAddress(s) {
		return domain.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
