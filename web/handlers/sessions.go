package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/scrypster/citegraph/internal/services"
	"github.com/scrypster/citegraph/internal/storage"
	"github.com/scrypster/citegraph/pkg/types"
)

// maxBodyBytes bounds session request bodies.
const maxBodyBytes = 64 << 10

// SessionAPI is the session service surface. *services.SessionService
// satisfies it.
type SessionAPI interface {
	Create(ctx context.Context, userID string, req services.CreateSessionRequest) (*types.SessionDetail, error)
	List(ctx context.Context, userID string, opts storage.ListOptions) ([]types.SessionSummary, error)
	Get(ctx context.Context, userID, id string) (*types.SessionDetail, error)
	UpdateTitle(ctx context.Context, userID, id string, title *string) (*types.SessionSummary, error)
	Refresh(ctx context.Context, userID, id string) (*types.SessionDetail, error)
	Delete(ctx context.Context, userID, id string) error
}

// SessionHandler serves /api/sessions. Every route expects RequireUser to
// have placed the caller's identity on the context.
type SessionHandler struct {
	sessions SessionAPI
	validate *validator.Validate
	logger   *zap.Logger
}

// NewSessionHandler creates a new SessionHandler instance.
func NewSessionHandler(sessions SessionAPI, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in validation errors.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &SessionHandler{
		sessions: sessions,
		validate: validate,
		logger:   logger,
	}
}

// Routes mounts the session endpoints on a chi router.
func (h *SessionHandler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	r.Post("/{id}/refresh", h.Refresh)
	r.Delete("/{id}", h.Delete)
}

// Create handles POST /api/sessions.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	mode, err := types.ParseMode(req.Mode)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	detail, err := h.sessions.Create(r.Context(), userID, services.CreateSessionRequest{
		Link:  req.Link,
		Title: req.Title,
		Options: types.BuildOptions{
			MaxDepth: req.MaxDepth,
			MaxNodes: req.MaxNodes,
			Mode:     mode,
		},
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusCreated, detail)
}

// List handles GET /api/sessions?limit=&offset=.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}

	opts := storage.ListOptions{
		Limit:  parseInt(r.URL.Query().Get("limit"), storage.DefaultListLimit),
		Offset: parseInt(r.URL.Query().Get("offset"), 0),
	}
	opts.Normalize()

	sessions, err := h.sessions.List(r.Context(), userID, opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, SessionListResponse{
		Sessions: sessions,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	})
}

// Get handles GET /api/sessions/{id}.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}

	detail, err := h.sessions.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

// Update handles PATCH /api/sessions/{id}.
func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}

	var req UpdateSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	summary, err := h.sessions.UpdateTitle(r.Context(), userID, chi.URLParam(r, "id"), req.Title)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// Refresh handles POST /api/sessions/{id}/refresh.
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}

	detail, err := h.sessions.Refresh(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

// Delete handles DELETE /api/sessions/{id}.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}

	if err := h.sessions.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, h.logger, errUnauthorized)
		return "", false
	}
	return userID, true
}

// decode reads a JSON body into dst and runs struct validation.
func (h *SessionHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", err)
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]interface{}, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fmt.Sprintf("failed %q validation", fe.Tag())
			}
			respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
				Error:   "validation failed",
				Code:    "INVALID_INPUT",
				Details: fields,
			})
			return false
		}
		writeError(w, r, h.logger, err)
		return false
	}
	return true
}

func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}
