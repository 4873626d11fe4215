// Package httpapi is the thin HTTP collaborator over the ledger core. It
// performs no authentication: the requester identity arrives in the
// X-User-ID header from the upstream gateway.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"cardvault.org/internal/ledger"
	"cardvault.org/internal/obs"
	"cardvault.org/internal/user"
)

// ReadyProbe reports whether the backing store is reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        ledger.Service
	readyProbe ReadyProbe
	version    string
	limiter    *rate.Limiter
}

func New(svc ledger.Service, rp ReadyProbe, version string, rps float64) *API {
	if rps <= 0 {
		rps = 50
	}
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readyProbe: rp,
		version:    version,
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)*2),
	}

	a.mux.HandleFunc("GET /healthz", a.healthz)
	a.mux.HandleFunc("GET /readyz", a.ready)
	a.mux.HandleFunc("GET /v1/info", a.info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/cards", a.createCard)
	a.mux.HandleFunc("GET /v1/cards", a.listAllCards)
	a.mux.HandleFunc("GET /v1/cards/{id}", a.getCard)
	a.mux.HandleFunc("DELETE /v1/cards/{id}", a.deleteCard)
	a.mux.HandleFunc("POST /v1/cards/{id}/block", a.blockCard)
	a.mux.HandleFunc("POST /v1/cards/{id}/activate", a.activateCard)
	a.mux.HandleFunc("GET /v1/cards/{id}/transactions", a.listCardTransactions)

	a.mux.HandleFunc("GET /v1/users/{id}/cards", a.listUserCards)
	a.mux.HandleFunc("GET /v1/users/{id}/transactions", a.listUserTransactions)

	a.mux.HandleFunc("POST /v1/transfers", a.transfer)
	a.mux.HandleFunc("POST /v1/ops/sweep", a.sweep)

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = Logging(h)
	h = SecurityHeaders(h)
	h = a.RateLimit(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "cardvault-api",
		"version": a.version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "cardvault-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the ledger error taxonomy onto HTTP statuses. Error bodies
// repeat the core's message, which by contract never contains a card number.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	msg := err.Error()

	switch {
	case errors.Is(err, ledger.ErrCardNotFound),
		errors.Is(err, ledger.ErrUserNotFound),
		errors.Is(err, user.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ledger.ErrNotOwner):
		code = http.StatusForbidden
	case errors.Is(err, ledger.ErrSelfTransfer),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidBalance),
		errors.Is(err, ledger.ErrDescriptionTooLong):
		code = http.StatusBadRequest
	case errors.Is(err, ledger.ErrCardLimit),
		errors.Is(err, ledger.ErrAlreadyBlocked),
		errors.Is(err, ledger.ErrAlreadyActive),
		errors.Is(err, ledger.ErrCardExpired),
		errors.Is(err, ledger.ErrCardInactive),
		errors.Is(err, ledger.ErrNonZeroBalance):
		code = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds):
		code = http.StatusUnprocessableEntity
	default:
		// Operational failures stay opaque to callers.
		msg = "internal error"
		obs.Logger().WithError(err).Error("unhandled ledger error")
	}

	writeJSON(w, code, map[string]any{"error": msg})
}

// requester pulls the authenticated user id injected by the gateway.
func requester(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing X-User-ID header"})
		return "", false
	}
	return id, true
}
