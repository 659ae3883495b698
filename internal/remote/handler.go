// internal/remote/handler.go
package remote

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mkutano/internal/ledger"
)

type errorResponse struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler serves a Store over HTTP; Client is its counterpart.
type Handler struct {
	service Store
	log     *slog.Logger
}

func NewHandler(service Store, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{service: service, log: log}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/contributions", h.handleCreateContribution)
	r.Post("/loans", h.handleIssueLoan)
	r.Get("/loans/{id}", h.handleGetLoan)
	r.Post("/loans/{id}/write-off", h.handleWriteOffLoan)
	r.Post("/repayments", h.handleRecordRepayment)
	return r
}

func (h *Handler) handleCreateContribution(w http.ResponseWriter, r *http.Request) {
	var req ledger.Contribution
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	c, err := h.service.CreateContribution(r.Context(), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) handleIssueLoan(w http.ResponseWriter, r *http.Request) {
	var req ledger.Loan
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	l, err := h.service.IssueLoan(r.Context(), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (h *Handler) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	l, err := h.service.GetLoan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// handleWriteOffLoan closes an open loan. Writing off is an administrative
// decision and is never buffered on the device.
func (h *Handler) handleWriteOffLoan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	l, err := h.service.WriteOffLoan(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("remote: loan written off", "loan_id", id, "balance", l.Balance.String())
	writeJSON(w, http.StatusOK, l)
}

func (h *Handler) handleRecordRepayment(w http.ResponseWriter, r *http.Request) {
	var req ledger.Repayment
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	receipt, err := h.service.RecordRepayment(r.Context(), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("remote request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeError(w, status, code, err.Error())
}

// StatusFor maps a service error to an HTTP status and error code such that
// Classify on the client side agrees with the server's view of the error.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ledger.ErrOverpayment):
		return http.StatusUnprocessableEntity, "overpayment"
	case errors.Is(err, ledger.ErrLoanClosed):
		return http.StatusUnprocessableEntity, "loan_closed"
	case errors.Is(err, ledger.ErrInvalidRecord):
		return http.StatusUnprocessableEntity, "invalid_record"
	}
	if IsPermanent(err) {
		return http.StatusUnprocessableEntity, "rejected"
	}
	return http.StatusServiceUnavailable, "unavailable"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Status: status, Code: code, Message: message})
}
