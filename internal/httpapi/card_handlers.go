package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"cardvault.org/internal/audit"
	"cardvault.org/internal/ledger"
	"cardvault.org/internal/obs"
)

type createCardRequest struct {
	OwnerID        string          `json:"owner_id"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

func (a *API) createCard(w http.ResponseWriter, r *http.Request) {
	var req createCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if req.OwnerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "owner_id is required"})
		return
	}

	c, err := a.svc.CreateCard(r.Context(), req.OwnerID, req.InitialBalance)
	if err != nil {
		writeError(w, err)
		return
	}
	obs.CardsCreated.Inc()
	_ = audit.LogEvent(r.Context(), "card.created", logrus.Fields{
		"card_id": c.ID, "owner_id": c.OwnerID,
	})
	writeJSON(w, http.StatusCreated, ledger.NewCardView(c))
}

func (a *API) getCard(w http.ResponseWriter, r *http.Request) {
	c, err := a.svc.GetCard(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger.NewCardView(c))
}

func (a *API) listAllCards(w http.ResponseWriter, r *http.Request) {
	page, err := a.svc.ListAllCards(r.Context(), pageRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger.CardViewPage(page))
}

func (a *API) listUserCards(w http.ResponseWriter, r *http.Request) {
	var status *ledger.CardStatus
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, ok := ledger.ParseCardStatus(s)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown status filter"})
			return
		}
		status = &parsed
	}

	page, err := a.svc.ListCardsByOwner(r.Context(), r.PathValue("id"), status, pageRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger.CardViewPage(page))
}

func (a *API) blockCard(w http.ResponseWriter, r *http.Request) {
	c, err := a.svc.BlockCard(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "card.blocked", logrus.Fields{"card_id": c.ID})
	writeJSON(w, http.StatusOK, ledger.NewCardView(c))
}

func (a *API) activateCard(w http.ResponseWriter, r *http.Request) {
	c, err := a.svc.ActivateCard(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "card.activated", logrus.Fields{"card_id": c.ID})
	writeJSON(w, http.StatusOK, ledger.NewCardView(c))
}

func (a *API) deleteCard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.svc.DeleteCard(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "card.deleted", logrus.Fields{"card_id": id})
	w.WriteHeader(http.StatusNoContent)
}

// pageRequest reads pagination query parameters; the values pass through to
// the core untouched beyond clamping there.
func pageRequest(r *http.Request) ledger.PageRequest {
	q := r.URL.Query()
	pr := ledger.PageRequest{}
	if v, err := strconv.Atoi(q.Get("page")); err == nil {
		pr.Page = v
	}
	if v, err := strconv.Atoi(q.Get("size")); err == nil {
		pr.Size = v
	}
	if q.Get("sort") == "asc" {
		pr.Sort = ledger.SortAsc
	}
	return pr
}
