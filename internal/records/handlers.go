package records

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/medrex/emr-ledger/internal/auth"
	"github.com/medrex/emr-ledger/pkg/logger"
	"github.com/medrex/emr-ledger/pkg/types"
)

// Handlers exposes the record flows over HTTP for the service's wallet identity
type Handlers struct {
	orchestrator *Orchestrator
	logger       *logger.Logger
}

// NewHandlers creates new HTTP handlers
func NewHandlers(orchestrator *Orchestrator, logger *logger.Logger) *Handlers {
	return &Handlers{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// RegisterRoutes registers HTTP routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/whoami", h.Whoami).Methods("GET")
	router.HandleFunc("/identities/{address}/role", h.ResolveRole).Methods("GET")
	router.HandleFunc("/writers", h.RegisterWriter).Methods("POST")

	router.HandleFunc("/records", h.Publish).Methods("POST")
	router.HandleFunc("/patients/{patient}/records", h.Retrieve).Methods("GET")

	router.HandleFunc("/access/grants", h.GrantAccess).Methods("POST")
	router.HandleFunc("/access/grants/{reader}", h.RevokeAccess).Methods("DELETE")
	router.HandleFunc("/patients/{patient}/access/history", h.AccessHistory).Methods("GET")
	router.HandleFunc("/patients/{patient}/access/journal", h.AccessJournal).Methods("GET")
	router.HandleFunc("/patients/{patient}/access/{reader}", h.CheckAccess).Methods("GET")
}

type addressRequest struct {
	Address string `json:"address"`
}

type publishRequest struct {
	Patient    string                `json:"patient"`
	RecordType string                `json:"record_type"`
	Location   string                `json:"location"`
	Record     types.DecryptedRecord `json:"record"`
}

// Whoami returns the role and capabilities of the service's wallet identity
func (h *Handlers) Whoami(w http.ResponseWriter, r *http.Request) {
	res, err := h.orchestrator.Whoami(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// ResolveRole returns the role of any identity
func (h *Handlers) ResolveRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathAddress(w, r, "address")
	if !ok {
		return
	}
	res, err := h.orchestrator.Resolve(r.Context(), id)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// RegisterWriter handles writer registration by the administrator
func (h *Handlers) RegisterWriter(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload")
		return
	}
	writer, ok := h.parseAddress(w, req.Address, "address")
	if !ok {
		return
	}

	receipt, err := h.orchestrator.RegisterWriter(r.Context(), writer)
	h.writeJSON(w, statusFor(err, receipt.Unconfirmed, http.StatusOK), receipt)
}

// Publish handles record publication
func (h *Handlers) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload")
		return
	}
	patient, ok := h.parseAddress(w, req.Patient, "patient")
	if !ok {
		return
	}

	receipt, err := h.orchestrator.Publish(r.Context(), PublishRequest{
		Patient:    patient,
		RecordType: req.RecordType,
		Location:   req.Location,
		Record:     req.Record,
	})
	if err != nil {
		h.requestLog(r).WithError(err).WithField("stage", receipt.AbortedAt).Warn("Publish did not complete")
	}
	h.writeJSON(w, statusFor(err, receipt.Unconfirmed, http.StatusCreated), receipt)
}

// Retrieve handles listing a patient's records
func (h *Handlers) Retrieve(w http.ResponseWriter, r *http.Request) {
	patient, ok := h.pathAddress(w, r, "patient")
	if !ok {
		return
	}

	result, err := h.orchestrator.Retrieve(r.Context(), patient)
	h.writeJSON(w, statusFor(err, false, http.StatusOK), result)
}

// GrantAccess handles a patient granting a reader access
func (h *Handlers) GrantAccess(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload")
		return
	}
	reader, ok := h.parseAddress(w, req.Address, "address")
	if !ok {
		return
	}

	change, err := h.orchestrator.GrantAccess(r.Context(), reader)
	h.writeJSON(w, statusFor(err, change.Unconfirmed, http.StatusOK), change)
}

// RevokeAccess handles a patient revoking a reader's access
func (h *Handlers) RevokeAccess(w http.ResponseWriter, r *http.Request) {
	reader, ok := h.pathAddress(w, r, "reader")
	if !ok {
		return
	}

	change, err := h.orchestrator.RevokeAccess(r.Context(), reader)
	h.writeJSON(w, statusFor(err, change.Unconfirmed, http.StatusOK), change)
}

// CheckAccess returns the current grant bit for a patient and reader
func (h *Handlers) CheckAccess(w http.ResponseWriter, r *http.Request) {
	patient, ok := h.pathAddress(w, r, "patient")
	if !ok {
		return
	}
	reader, ok := h.pathAddress(w, r, "reader")
	if !ok {
		return
	}

	granted, err := h.orchestrator.CheckAccess(r.Context(), patient, reader)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"patient": patient,
		"reader":  reader,
		"granted": granted,
	})
}

// AccessHistory returns the ledger's grant and revoke events for a patient
func (h *Handlers) AccessHistory(w http.ResponseWriter, r *http.Request) {
	patient, ok := h.pathAddress(w, r, "patient")
	if !ok {
		return
	}

	events, err := h.orchestrator.AccessHistory(r.Context(), patient)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// AccessJournal returns the store's copy of a patient's access changes
func (h *Handlers) AccessJournal(w http.ResponseWriter, r *http.Request) {
	patient, ok := h.pathAddress(w, r, "patient")
	if !ok {
		return
	}

	events, err := h.orchestrator.AccessJournal(r.Context(), patient)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// statusFor maps a flow error to an HTTP status
func statusFor(err error, unconfirmed bool, success int) int {
	if err == nil {
		return success
	}
	if unconfirmed {
		return http.StatusAccepted
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}

	switch types.KindOf(err) {
	case types.ErrorTypeValidation:
		return http.StatusBadRequest
	case types.ErrorTypeLedgerRejected:
		if errors.Is(err, types.ErrAccessDenied) || errors.Is(err, types.ErrNotAuthorized) {
			return http.StatusForbidden
		}
		return http.StatusConflict
	case types.ErrorTypeUserCancelled:
		return http.StatusConflict
	case types.ErrorTypeNotFound:
		return http.StatusNotFound
	case types.ErrorTypeWalletUnavailable, types.ErrorTypeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// requestLog tags entries with the authenticated caller when there is one
func (h *Handlers) requestLog(r *http.Request) *logrus.Entry {
	entry := h.logger.WithContext(r.Context())
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		entry = entry.WithField("caller", claims.Identity.Hex())
	}
	return entry
}

func (h *Handlers) pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	return h.parseAddress(w, mux.Vars(r)[name], name)
}

func (h *Handlers) parseAddress(w http.ResponseWriter, value, field string) (common.Address, bool) {
	if !common.IsHexAddress(value) {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid "+field+" address")
		return common.Address{}, false
	}
	return common.HexToAddress(value), true
}

func (h *Handlers) writeFailure(w http.ResponseWriter, err error) {
	outcome := OutcomeFor(err, "")
	h.writeError(w, statusFor(err, false, http.StatusOK), string(outcome.Status), outcome.Message)
}

// writeJSON writes JSON response
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes error response
func (h *Handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
