// internal/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mkutano/internal/buffer"
	"mkutano/internal/ledger"
	"mkutano/internal/offline"
	"mkutano/internal/remote"
	"mkutano/internal/status"
	"mkutano/internal/syncengine"
)

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Syncer runs a drain for one owner.
type Syncer interface {
	SyncAll(ctx context.Context, ownerUserID string) syncengine.Result
}

// Handler is the capture API used by the UI.
type Handler struct {
	offline  offline.Service
	syncer   Syncer
	reporter *status.Reporter
	buf      *buffer.Buffer
	online   status.Connectivity
	trigger  func()
	secret   []byte
	log      *slog.Logger
}

type Deps struct {
	Offline  offline.Service
	Syncer   Syncer
	Reporter *status.Reporter
	Buffer   *buffer.Buffer
	Online   status.Connectivity
	// Trigger, when set, asks background sync to run soon.
	Trigger   func()
	JWTSecret []byte
	Logger    *slog.Logger
}

func NewHandler(d Deps) *Handler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	trigger := d.Trigger
	if trigger == nil {
		trigger = func() {}
	}
	return &Handler{
		offline:  d.Offline,
		syncer:   d.Syncer,
		reporter: d.Reporter,
		buf:      d.Buffer,
		online:   d.Online,
		trigger:  trigger,
		secret:   d.JWTSecret,
		log:      log,
	}
}

// SetupRoutes builds the router.
func (h *Handler) SetupRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.secret))

		r.Post("/contributions", h.submit(buffer.KindContribution))
		r.Post("/loans", h.submit(buffer.KindLoanIssuance))
		r.Post("/repayments", h.submit(buffer.KindRepayment))

		r.Get("/sync/stats", h.handleStats)
		r.Post("/sync", h.handleSync)
		r.Get("/sync/failed", h.handleListFailed)
		r.Post("/sync/operations/{id}/retry", h.handleRetry)

		r.Get("/connectivity", h.handleConnectivity)
	})
	return r
}

func (h *Handler) submit(kind buffer.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil || !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Request body must be JSON")
			return
		}

		res, err := h.offline.Submit(r.Context(), kind, json.RawMessage(body), userID(r), groupID(r))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if res.SavedOffline {
			writeJSON(w, http.StatusAccepted, res)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reporter.GetStats(userID(r)))
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	res := h.syncer.SyncAll(r.Context(), userID(r))
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleListFailed(w http.ResponseWriter, r *http.Request) {
	ops := h.buf.ListFailed(userID(r))
	if ops == nil {
		ops = []*buffer.PendingOperation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, err := h.buf.Get(id)
	// another user's operation is reported as missing
	if err != nil || op.OwnerUserID != userID(r) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Operation not found")
		return
	}
	if err := h.buf.Retry(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.trigger()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"online": h.online.IsOnline()})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, buffer.ErrDurability):
		h.log.Error("api: write not persisted", "user", userID(r), "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInsufficientStorage, "NOT_SAVED", err.Error())
	case errors.Is(err, buffer.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, buffer.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, ledger.ErrOverpayment):
		writeError(w, http.StatusUnprocessableEntity, "OVERPAYMENT", err.Error())
	case errors.Is(err, ledger.ErrLoanClosed):
		writeError(w, http.StatusUnprocessableEntity, "LOAN_CLOSED", err.Error())
	case errors.Is(err, ledger.ErrInvalidRecord):
		writeError(w, http.StatusUnprocessableEntity, "INVALID_RECORD", err.Error())
	case remote.IsPermanent(err):
		writeError(w, http.StatusUnprocessableEntity, "REJECTED", err.Error())
	default:
		h.log.Error("api: request failed", "user", userID(r), "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Status: "error", Code: code, Message: message})
}
