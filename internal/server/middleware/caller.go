package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/alanyoungcy/nftmarket/internal/crypto"
	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// Caller identity headers.
const (
	HeaderAddress   = "X-Address"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

type (
	callerKey struct{}
	signedKey struct{}
)

// WithCaller returns ctx carrying the authenticated caller.
func WithCaller(ctx context.Context, caller domain.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the caller set by CallerAuth.
func CallerFromContext(ctx context.Context) (domain.Address, bool) {
	c, ok := ctx.Value(callerKey{}).(domain.Address)
	return c, ok
}

// SignedCallerFromContext returns the caller only when CallerAuth verified
// its signature on this request.
func SignedCallerFromContext(ctx context.Context) (domain.Address, bool) {
	c, ok := ctx.Value(signedKey{}).(domain.Address)
	return c, ok
}

// CallerAuthConfig tunes CallerAuth.
type CallerAuthConfig struct {
	// RequireSignature verifies an EIP-191 signature over the request. When
	// false, X-Address is trusted as is.
	RequireSignature bool
	// Window bounds the accepted clock skew of X-Timestamp.
	Window time.Duration
	// ReplayCacheSize is the number of recent signatures remembered.
	ReplayCacheSize int
	// Now is the time source; nil selects time.Now.
	Now func() time.Time
}

// CallerAuth establishes the caller of each request from X-Address. With
// RequireSignature, state-changing requests must also carry X-Timestamp and
// an X-Signature produced by that address over the method, request URI,
// timestamp and body; a signature is accepted only once. Read-only requests
// never need an identity.
func CallerAuth(cfg CallerAuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.ReplayCacheSize <= 0 {
		cfg.ReplayCacheSize = 4096
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	seen, err := lru.New[string, struct{}](cfg.ReplayCacheSize)
	if err != nil {
		panic("middleware: replay cache: " + err.Error())
	}
	logger = logger.With(slog.String("component", "caller_auth"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addrHex := r.Header.Get(HeaderAddress)
			mutating := r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodOptions

			if addrHex == "" {
				if mutating {
					writeUnauthorized(w, "missing "+HeaderAddress)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if !common.IsHexAddress(addrHex) {
				writeUnauthorized(w, "invalid "+HeaderAddress)
				return
			}
			caller := common.HexToAddress(addrHex)
			ctx := WithCaller(r.Context(), caller)

			if cfg.RequireSignature && mutating {
				if msg := verify(r, caller, cfg, seen); msg != "" {
					logger.WarnContext(r.Context(), "caller rejected",
						slog.String("caller", caller.Hex()),
						slog.String("path", r.URL.Path),
						slog.String("reason", msg),
					)
					writeUnauthorized(w, msg)
					return
				}
				ctx = context.WithValue(ctx, signedKey{}, caller)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// verify checks the signature headers and returns a rejection reason, or
// "" when the request is authentic. The body is restored for the handler.
func verify(r *http.Request, caller domain.Address, cfg CallerAuthConfig, seen *lru.Cache[string, struct{}]) string {
	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return "missing or invalid " + HeaderTimestamp
	}
	skew := cfg.Now().Sub(time.Unix(ts, 0))
	if skew < -cfg.Window || skew > cfg.Window {
		return "request timestamp outside window"
	}
	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return "missing " + HeaderSignature
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return "unreadable body"
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	raw, err := crypto.ParseSignature(sig)
	if err != nil {
		return "malformed " + HeaderSignature
	}
	if err := crypto.VerifyRequest(caller, sig, r.Method, r.URL.RequestURI(), ts, body); err != nil {
		return "signature does not match " + HeaderAddress
	}
	// Keyed on the decoded bytes so re-encodings of one signature collide.
	if ok, _ := seen.ContainsOrAdd(string(raw), struct{}{}); ok {
		return "signature already used"
	}
	return ""
}
