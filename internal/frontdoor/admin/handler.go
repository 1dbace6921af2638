// Package admin serves the management API: account CRUD, instance
// lifecycle control, pool configuration and usage inspection.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relayforge/copilot-relay/internal/instance"
	"github.com/relayforge/copilot-relay/internal/server"
	"github.com/relayforge/copilot-relay/internal/store"
)

// Handler serves the admin endpoints.
type Handler struct {
	store    *store.Store
	registry *instance.Registry
	usage    *store.UsageCache
}

// New creates the handler. usage may be nil.
func New(st *store.Store, reg *instance.Registry, usage *store.UsageCache) *Handler {
	return &Handler{store: st, registry: reg, usage: usage}
}

// Routes mounts the admin API on a fresh router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/accounts", h.listAccounts)
	r.Post("/accounts", h.createAccount)
	r.Put("/accounts/{id}", h.updateAccount)
	r.Delete("/accounts/{id}", h.deleteAccount)
	r.Post("/accounts/{id}/start", h.startInstance)
	r.Post("/accounts/{id}/stop", h.stopInstance)
	r.Get("/accounts/{id}/status", h.instanceStatus)
	r.Get("/accounts/{id}/usage", h.accountUsage)
	r.Get("/pool", h.getPool)
	r.Put("/pool", h.setPool)
	return r
}

// accountView is an account without its upstream credential.
type accountView struct {
	store.Account
	Credential string          `json:"credential,omitempty"`
	Status     instance.Status `json:"status"`
}

func (h *Handler) view(a store.Account) accountView {
	status, _ := h.registry.Status(a.ID)
	return accountView{Account: a, Credential: "", Status: status}
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := h.store.Accounts()
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, h.view(a))
	}
	server.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var account store.Account
	if err := json.NewDecoder(r.Body).Decode(&account); err != nil {
		server.WriteError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	if account.Credential == "" {
		server.WriteError(w, http.StatusBadRequest, "invalid_request_error", "credential is required")
		return
	}

	created, err := h.store.Add(account)
	if err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "api_error", "failed to store account")
		return
	}
	// The create response is the one place the generated key is shown.
	server.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handler) updateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, ok := h.store.Get(id)
	if !ok {
		server.WriteError(w, http.StatusNotFound, "not_found_error", "account not found")
		return
	}

	var patch store.Account
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		server.WriteError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}

	patch.ID = existing.ID
	patch.APIKey = existing.APIKey
	patch.CreatedAt = existing.CreatedAt
	if patch.Credential == "" {
		patch.Credential = existing.Credential
	}
	if err := h.store.Update(patch); err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "api_error", "failed to update account")
		return
	}
	server.WriteJSON(w, http.StatusOK, h.view(patch))
}

func (h *Handler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.registry.Stop(id)
	if err := h.store.Delete(id); err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "api_error", "failed to delete account")
		return
	}
	if h.usage != nil {
		_ = h.usage.Delete(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) startInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	account, ok := h.store.Get(id)
	if !ok {
		server.WriteError(w, http.StatusNotFound, "not_found_error", "account not found")
		return
	}
	if err := h.registry.Start(r.Context(), account); err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusBadGateway, "api_error", "failed to start instance: "+err.Error())
		return
	}
	server.WriteJSON(w, http.StatusOK, h.view(account))
}

func (h *Handler) stopInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	account, ok := h.store.Get(id)
	if !ok {
		server.WriteError(w, http.StatusNotFound, "not_found_error", "account not found")
		return
	}
	h.registry.Stop(id)
	server.WriteJSON(w, http.StatusOK, h.view(account))
}

func (h *Handler) instanceStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.store.Get(id); !ok {
		server.WriteError(w, http.StatusNotFound, "not_found_error", "account not found")
		return
	}
	status, lastErr := h.registry.Status(id)
	out := map[string]any{"status": status}
	if lastErr != nil {
		out["error"] = lastErr.Error()
	}
	server.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) accountUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.store.Get(id); !ok {
		server.WriteError(w, http.StatusNotFound, "not_found_error", "account not found")
		return
	}
	if h.usage == nil {
		server.WriteError(w, http.StatusNotFound, "not_found_error", "usage tracking disabled")
		return
	}
	snap, ok, err := h.usage.Get(id)
	if err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "api_error", "failed to read usage")
		return
	}
	if !ok {
		server.WriteError(w, http.StatusNotFound, "not_found_error", "no usage snapshot for account")
		return
	}
	server.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) getPool(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.PoolConfig()
	if err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "api_error", "failed to read pool config")
		return
	}
	server.WriteJSON(w, http.StatusOK, cfg)
}

func (h *Handler) setPool(w http.ResponseWriter, r *http.Request) {
	current, err := h.store.PoolConfig()
	if err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "api_error", "failed to read pool config")
		return
	}

	var patch struct {
		Enabled  *bool           `json:"enabled"`
		Strategy *store.Strategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		server.WriteError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	if patch.Enabled != nil {
		current.Enabled = *patch.Enabled
	}
	if patch.Strategy != nil {
		switch *patch.Strategy {
		case store.StrategyRoundRobin, store.StrategyPriority, store.StrategyQuota:
			current.Strategy = *patch.Strategy
		default:
			server.WriteError(w, http.StatusBadRequest, "invalid_request_error", "unknown strategy")
			return
		}
	}

	if err := h.store.SetPoolConfig(current); err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "api_error", "failed to write pool config")
		return
	}
	server.WriteJSON(w, http.StatusOK, current)
}
