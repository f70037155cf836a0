package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/auth"
	"github.com/eugener/warden/internal/oauth"
)

// --- Upstream accounts ---

type accountRequest struct {
	OwnerID      string               `json:"owner_id"`
	Name         string               `json:"name"`
	Provider     gateway.Provider     `json:"provider"`
	AuthMethod   gateway.AuthMethod   `json:"auth_method"`
	Credentials  *gateway.Credentials `json:"credentials,omitempty"`
	Priority     int                  `json:"priority"`
	Weight       int                  `json:"weight"`
	ProxyBinding string               `json:"proxy_binding,omitempty"`
	State        gateway.AccountState `json:"state,omitempty"`
}

func (s *server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("owner_id query parameter required"))
		return
	}
	accounts, err := s.deps.Accounts.ListByOwner(r.Context(), ownerID, gateway.ProviderAny, true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid json body"))
		return
	}
	if req.OwnerID == "" || !req.Provider.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse("owner_id and a valid provider are required"))
		return
	}
	if req.AuthMethod == "" {
		req.AuthMethod = gateway.AuthAPIKey
	}

	// API-key accounts arrive with credentials and start active; OAuth
	// accounts start pending until the authorization flow completes.
	state := gateway.StatePending
	creds := req.Credentials
	if creds == nil {
		creds = &gateway.Credentials{}
	}
	if req.AuthMethod == gateway.AuthAPIKey {
		if creds.APIKey == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse("api_key credential required"))
			return
		}
		state = gateway.StateActive
	}
	enc, err := oauth.EncryptCredentials(creds, s.deps.EncKey)
	if err != nil {
		writeError(w, err)
		return
	}

	now := s.deps.Now()
	account := &gateway.UpstreamAccount{
		ID:             uuid.Must(uuid.NewV7()).String(),
		OwnerID:        req.OwnerID,
		Name:           req.Name,
		Provider:       req.Provider,
		AuthMethod:     req.AuthMethod,
		CredentialsEnc: enc,
		State:          state,
		Priority:       clamp(req.Priority, 1, 10, 5),
		Weight:         clamp(req.Weight, 1, 1000, 100),
		ProxyBinding:   req.ProxyBinding,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.deps.Accounts.Create(r.Context(), account); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Pool.Invalidate(req.OwnerID)
	writeJSON(w, http.StatusCreated, account)
}

func (s *server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	account, err := s.deps.Accounts.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid json body"))
		return
	}

	if req.Name != "" {
		account.Name = req.Name
	}
	if req.Priority != 0 {
		account.Priority = clamp(req.Priority, 1, 10, account.Priority)
	}
	if req.Weight != 0 {
		account.Weight = clamp(req.Weight, 1, 1000, account.Weight)
	}
	account.ProxyBinding = req.ProxyBinding
	if req.State != "" {
		account.State = req.State
	}
	if req.Credentials != nil {
		enc, err := oauth.EncryptCredentials(req.Credentials, s.deps.EncKey)
		if err != nil {
			writeError(w, err)
			return
		}
		account.CredentialsEnc = enc
	}
	account.UpdatedAt = s.deps.Now()

	if err := s.deps.Accounts.Update(r.Context(), account); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Pool.Invalidate(account.OwnerID)
	writeJSON(w, http.StatusOK, account)
}

func (s *server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	account, err := s.deps.Accounts.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Accounts.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Pool.Invalidate(account.OwnerID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAccountHealthCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prober == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("prober not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	account, err := s.deps.Accounts.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	hs := s.deps.Prober.ProbeAccount(r.Context(), account)
	s.deps.Pool.Invalidate(account.OwnerID)
	writeJSON(w, http.StatusOK, hs)
}

// --- API keys ---

type createKeyRequest struct {
	OwnerID     string     `json:"owner_id"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type createKeyResponse struct {
	Key      string          `json:"key"` // plaintext, shown exactly once
	Metadata *gateway.APIKey `json:"metadata"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("owner_id query parameter required"))
		return
	}
	keys, err := s.deps.Keys.ListByOwner(r.Context(), ownerID, 100, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid json body"))
		return
	}
	plaintext, key, err := s.deps.Auth.Issue(r.Context(), auth.IssueOpts{
		OwnerID:     req.OwnerID,
		Name:        req.Name,
		Permissions: req.Permissions,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{Key: plaintext, Metadata: key})
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Keys.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Auth.InvalidateByKeyID(id)
	if err := s.deps.Table.Reload(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type routeEntry struct {
	SourceModel    string           `json:"source_model"`
	TargetModel    string           `json:"target_model"`
	TargetProvider gateway.Provider `json:"target_provider"`
	Priority       int              `json:"priority"`
	Enabled        *bool            `json:"enabled,omitempty"`
	Description    string           `json:"description,omitempty"`
}

func (s *server) handleReplaceKeyRoutes(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "id")
	if _, err := s.deps.Keys.Get(r.Context(), keyID); err != nil {
		writeError(w, err)
		return
	}

	var entries []routeEntry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid json body"))
		return
	}

	now := s.deps.Now()
	routes := make([]*gateway.ModelRoute, 0, len(entries))
	for _, e := range entries {
		if e.SourceModel == "" || e.TargetModel == "" || !e.TargetProvider.Valid() {
			writeJSON(w, http.StatusBadRequest, errorResponse("routes need source_model, target_model, and a valid target_provider"))
			return
		}
		enabled := e.Enabled == nil || *e.Enabled
		routes = append(routes, &gateway.ModelRoute{
			ID:             uuid.Must(uuid.NewV7()).String(),
			APIKeyID:       keyID,
			SourceModel:    e.SourceModel,
			TargetModel:    e.TargetModel,
			TargetProvider: e.TargetProvider,
			Priority:       e.Priority,
			Enabled:        enabled,
			Description:    e.Description,
			CreatedAt:      now,
		})
	}

	if err := s.deps.Routes.ReplaceForKey(r.Context(), keyID, routes, now); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Table.Reload(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routes)
}

// --- OAuth ---

type oauthStartRequest struct {
	Provider  gateway.Provider `json:"provider"`
	AccountID string           `json:"account_id"`
}

func (s *server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	var req oauthStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid json body"))
		return
	}
	if req.AccountID != "" {
		if _, err := s.deps.Accounts.Get(r.Context(), req.AccountID); err != nil {
			writeError(w, err)
			return
		}
	}

	switch req.Provider {
	case gateway.ProviderAnthropic:
		start, err := s.deps.OAuth.StartAnthropic(r.Context(), req.AccountID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, start)
	case gateway.ProviderQwen:
		start, err := s.deps.OAuth.StartQwen(r.Context(), req.AccountID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, start)
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse("provider does not support oauth"))
	}
}

type oauthCallbackRequest struct {
	State string `json:"state"`
	Code  string `json:"code"`
}

func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	var req oauthCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid json body"))
		return
	}
	tokens, err := s.deps.OAuth.ExchangeAnthropic(r.Context(), req.State, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "authorized",
		"expires_at": tokens.ExpiresAt,
	})
}

func (s *server) handleOAuthStatus(w http.ResponseWriter, r *http.Request) {
	state := chi.URLParam(r, "state")
	status := s.deps.OAuth.QwenStatus(r.Context(), state)
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// --- Dashboard ---

func (s *server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	byState, err := s.deps.Accounts.CountByState(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.deps.Usage.StatsSince(r.Context(), s.deps.Now().Add(-24*time.Hour))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts_by_state": byState,
		"usage_24h":         stats,
	})
}

func clamp(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
