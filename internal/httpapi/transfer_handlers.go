package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"cardvault.org/internal/audit"
	"cardvault.org/internal/obs"
)

type transferRequest struct {
	FromCardID  string          `json:"from_card_id"`
	ToCardID    string          `json:"to_card_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := requester(w, r)
	if !ok {
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if req.FromCardID == "" || req.ToCardID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "from_card_id and to_card_id are required"})
		return
	}

	tx, err := a.svc.Transfer(r.Context(), req.FromCardID, req.ToCardID, req.Amount, requesterID, req.Description)
	if err != nil {
		obs.Transfers.WithLabelValues("failure").Inc()
		writeError(w, err)
		return
	}
	obs.Transfers.WithLabelValues("success").Inc()
	_ = audit.LogEvent(r.Context(), "transfer.completed", logrus.Fields{
		"transaction_id": tx.ID,
		"from_card_id":   tx.FromCardID,
		"to_card_id":     tx.ToCardID,
		"amount":         tx.Amount.StringFixed(2),
	})
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) listCardTransactions(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := requester(w, r)
	if !ok {
		return
	}
	page, err := a.svc.ListCardTransactions(r.Context(), r.PathValue("id"), requesterID, pageRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) listUserTransactions(w http.ResponseWriter, r *http.Request) {
	page, err := a.svc.ListUserTransactions(r.Context(), r.PathValue("id"), pageRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// sweep triggers the expiry sweep on demand; the scheduler calls the same
// core operation on its own cadence.
func (a *API) sweep(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.SweepExpiredCards(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	obs.CardsExpired.Add(float64(n))
	_ = audit.LogEvent(r.Context(), "sweep.completed", logrus.Fields{"expired": n})
	writeJSON(w, http.StatusOK, map[string]any{"expired": n})
}
