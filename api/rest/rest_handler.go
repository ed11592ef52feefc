package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/xvanov/collabcanvas-sub002/identity"
	"github.com/xvanov/collabcanvas-sub002/models"
	"github.com/xvanov/collabcanvas-sub002/store"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

type Handler struct {
	Auth  *identity.Service
	Store store.SceneStore
}

func NewHandler(auth *identity.Service, sceneStore store.SceneStore) *Handler {
	return &Handler{Auth: auth, Store: sceneStore}
}

type loginRequest struct {
	Code string `json:"code"`
}

type loginResponse struct {
	Token string       `json:"token"`
	Actor models.Actor `json:"actor"`
}

// HandleLogin exchanges an OAuth authorization code for a signed token
// plus the stored actor profile. The provider comes from the route.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	provider := r.PathValue("provider")

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	actor, token, err := h.Auth.Login(r.Context(), provider, req.Code)
	if err != nil {
		logrus.WithError(err).WithField("provider", provider).Warn("Login failed")
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}

	writeJSON(w, loginResponse{Token: token, Actor: actor})
}

// HandleMe returns the actor behind the bearer token, letting clients
// validate a stored token on boot.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := bearerToken(r)
	actor, err := h.Auth.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	writeJSON(w, actor)
}

type auditResponse struct {
	Records []models.AuditRecord `json:"records"`
}

// HandleAudit returns the most recent audit records for a document,
// newest first.
func (h *Handler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := bearerToken(r)
	if _, err := h.Auth.Authenticate(r.Context(), token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	docId := r.PathValue("docId")
	if docId == "" {
		http.Error(w, "missing doc id", http.StatusBadRequest)
		return
	}

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxAuditLimit {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	records, err := h.Store.GetAuditRecords(r.Context(), docId, int32(limit))
	if err != nil {
		logrus.WithError(err).WithField("docId", docId).Error("Failed to load audit records")
		http.Error(w, "failed to load audit records", http.StatusInternalServerError)
		return
	}

	writeJSON(w, auditResponse{Records: records})
}

func writeJSON(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return token
}
