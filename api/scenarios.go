package api

import (
	"net/http"

	"github.com/matchpay/payout-engine/auth"
	"github.com/matchpay/payout-engine/catalog"
	"github.com/matchpay/payout-engine/pipeline"
)

// ListScenarios returns the demo scenarios.
// GET /app/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, catalog.Scenarios())
}

// LoadScenario wipes the database and loads a demo scenario. Admin only.
// POST /app/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Resetter == nil {
		writeError(w, r, pipeline.ErrNotFound)
		return
	}
	if id, _ := auth.FromContext(r.Context()); id.Role != auth.RoleAdmin {
		writeError(w, r, pipeline.ErrUnauthorized)
		return
	}

	var req LoadScenarioRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Catalog.LoadScenario(r.Context(), h.Resetter, req.ScenarioID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := ScenarioResponse{
		ScenarioID: res.ScenarioID,
		Brands:     make([]BrandDTO, len(res.Brands)),
		Offers:     toOfferDTOs(res.Offers),
		Joins:      make([]JoinDTO, len(res.Joins)),
	}
	for i, b := range res.Brands {
		resp.Brands[i] = toBrandDTO(b)
	}
	for i, j := range res.Joins {
		resp.Joins[i] = toJoinDTO(j.Join, j.TrackingLink)
	}
	writeJSON(w, http.StatusOK, resp)
}
