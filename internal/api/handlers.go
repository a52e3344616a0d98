package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/app"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/notify"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/render"
)

const maxUploadBytes = 32 << 20

// Console is the part of the synchronizer the handlers drive.
type Console interface {
	State() app.State
	Login(ctx context.Context, username, password string) error
	Register(ctx context.Context, username, password, confirm string) error
	Logout(ctx context.Context) error
	Refresh(ctx context.Context) error
	ResetCalls(ctx context.Context) error
	TriggerCalls(ctx context.Context, categoryKey string, ids ...domain.BorrowerID) (app.Outcome, error)
	Navigate(ctx context.Context, view domain.View, categoryKey string, borrowerID domain.BorrowerID) error
	Upload(ctx context.Context, filename string, content io.Reader) (app.Outcome, error)
}

// Handler holds the console the handlers interact with.
type Handler struct {
	console   Console
	snapshots Snapshots
	logger    *slog.Logger
	origins   originPolicy
	upgrader  websocket.Upgrader
}

// NewHandler serves console. Browser pages are accepted from allowedOrigins
// and from the view server's own loopback address.
func NewHandler(console Console, snapshots Snapshots, logger *slog.Logger, allowedOrigins ...string) *Handler {
	h := &Handler{console: console, snapshots: snapshots, logger: logger, origins: newOriginPolicy(allowedOrigins)}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.origins.trusted,
	}
	return h
}

type stateResponse struct {
	Authenticated bool              `json:"authenticated"`
	Username      string            `json:"username,omitempty"`
	View          domain.View       `json:"view"`
	CategoryKey   string            `json:"category_key,omitempty"`
	BorrowerID    domain.BorrowerID `json:"borrower_id,omitempty"`
	Loading       bool              `json:"loading"`
	HasDataset    bool              `json:"has_dataset"`
	CacheVersion  int64             `json:"cache_version"`
	Notice        *notify.Notice    `json:"notice,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func newStateResponse(state app.State) stateResponse {
	return stateResponse{
		Authenticated: state.Authenticated,
		Username:      state.Username,
		View:          state.View,
		CategoryKey:   state.CategoryKey,
		BorrowerID:    state.BorrowerID,
		Loading:       state.IsLoading(),
		HasDataset:    state.Dataset.Valid(),
		CacheVersion:  state.CacheVersion,
		Notice:        state.Notice,
		UpdatedAt:     state.UpdatedAt,
	}
}

func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, newStateResponse(h.console.State()))
}

func (h *Handler) handleCurrentView(w http.ResponseWriter, r *http.Request) {
	view, err := render.Current(h.console.State())
	if err != nil {
		respondWithDetail(w, http.StatusNotFound, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) handleCategory(w http.ResponseWriter, r *http.Request) {
	state := h.console.State()
	if !state.Authenticated {
		h.respondWithError(w, domain.ErrNotAuthenticated)
		return
	}
	view, err := render.SummaryDetails(state.Dataset, chi.URLParam(r, "key"))
	if err != nil {
		respondWithDetail(w, http.StatusNotFound, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) handleBorrower(w http.ResponseWriter, r *http.Request) {
	state := h.console.State()
	if !state.Authenticated {
		h.respondWithError(w, domain.ErrNotAuthenticated)
		return
	}
	view, err := render.BorrowerDetails(state.Dataset, domain.BorrowerID(chi.URLParam(r, "id")))
	if err != nil {
		respondWithDetail(w, http.StatusNotFound, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.console.Login(r.Context(), req.Username, req.Password); err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newStateResponse(h.console.State()))
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username        string `json:"username"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.console.Register(r.Context(), req.Username, req.Password, req.ConfirmPassword); err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]string{"message": "Registration successful. Please log in."})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.runCommand(w, r, h.console.Logout)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	h.runCommand(w, r, h.console.Refresh)
}

func (h *Handler) handleResetCalls(w http.ResponseWriter, r *http.Request) {
	h.runCommand(w, r, h.console.ResetCalls)
}

func (h *Handler) runCommand(w http.ResponseWriter, r *http.Request, command func(context.Context) error) {
	if err := command(r.Context()); err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newStateResponse(h.console.State()))
}

func (h *Handler) handleTriggerCalls(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CategoryKey string              `json:"category_key"`
		BorrowerIDs []domain.BorrowerID `json:"borrower_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	outcome, err := h.console.TriggerCalls(r.Context(), req.CategoryKey, req.BorrowerIDs...)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, outcome.Calls)
}

func (h *Handler) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		View        string            `json:"view"`
		CategoryKey string            `json:"category_key"`
		BorrowerID  domain.BorrowerID `json:"borrower_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	view, ok := domain.ParseView(req.View)
	if !ok {
		h.respondWithError(w, domain.NewValidationError("view", "unknown view "+req.View))
		return
	}
	if err := h.console.Navigate(r.Context(), view, req.CategoryKey, req.BorrowerID); err != nil {
		h.respondWithError(w, err)
		return
	}
	current, err := render.Current(h.console.State())
	if err != nil {
		respondWithDetail(w, http.StatusNotFound, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, current)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		respondWithDetail(w, http.StatusBadRequest, "a file field is required")
		return
	}
	defer file.Close()

	outcome, err := h.console.Upload(r.Context(), header.Filename, file)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"borrowers": outcome.Borrowers})
}

// respondWithError maps an error to a status and a {detail} body.
func (h *Handler) respondWithError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var httpErr *domain.HTTPError
	var netErr *domain.NetworkError
	var valErr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotAuthenticated), errors.Is(err, domain.ErrAuthenticationFailed):
		status = http.StatusUnauthorized
	case errors.As(err, &valErr):
		status = http.StatusBadRequest
	case errors.As(err, &httpErr):
		status = http.StatusBadGateway
		if httpErr.Status >= 400 && httpErr.Status < 500 {
			status = httpErr.Status
		}
	case errors.As(err, &netErr):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("view server command failed", "error", err)
	}
	respondWithDetail(w, status, domain.UserMessage(err))
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		respondWithDetail(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func respondWithDetail(w http.ResponseWriter, code int, detail string) {
	respondWithJSON(w, code, map[string]string{"detail": detail})
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
