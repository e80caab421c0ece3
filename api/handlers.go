/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes bill generation, payments, credit and transaction reversal over
  REST. Handles HTTP request/response and JSON, and delegates to the
  engine services.

ENDPOINTS:
  Bills:
    POST   /api/clients/{clientId}/bills/{domain}/{periodId}/generate
    GET    /api/clients/{clientId}/bills/{domain}/{periodId}
    POST   /api/clients/{clientId}/bills/{domain}/penalties/refresh

  Payments and transactions:
    POST   /api/clients/{clientId}/payments
    GET    /api/clients/{clientId}/transactions/{transactionId}
    DELETE /api/clients/{clientId}/transactions/{transactionId}

  Credit:
    POST   /api/clients/{clientId}/units/{unitId}/credit
    GET    /api/clients/{clientId}/units/{unitId}/credit?limit=

  Configuration:
    GET    /api/clients/{clientId}/config
    PUT    /api/clients/{clientId}/config   (JSON or YAML body)

  Scenarios:
    GET    /api/scenarios
    GET    /api/scenarios/current
    POST   /api/scenarios/load

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the engine's
  error taxonomy:
  - 422: billing configuration missing or invalid (code configuration_error)
  - 400: validation errors, invalid input
  - 404: referenced document not found
  - 409: concurrent modification, settled bills, insufficient credit
  - 500: anything else; details are logged, never returned

SEE ALSO:
  - dto.go: request/response data structures
  - scenarios.go: demo client loader
  - server.go: router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/hoa-billing/billing"
	"github.com/warp/hoa-billing/clock"
	"github.com/warp/hoa-billing/credit"
	"github.com/warp/hoa-billing/docstore"
	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/factory"
	"github.com/warp/hoa-billing/logger"
	"github.com/warp/hoa-billing/money"
	"github.com/warp/hoa-billing/payments"
	"github.com/warp/hoa-billing/reversal"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the collaborators shared by every engine service.
type Deps struct {
	Store           docstore.Store
	Cache           billing.PeriodCache
	Clock           clock.Clock
	Audit           engine.AuditSink
	Logger          *zap.Logger
	Retries         int
	DefaultTimezone string
	RebuildBalances bool
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     docstore.Store
	Billing   *billing.Service
	Payments  *payments.Recorder
	Reversals *reversal.Coordinator
	Credit    *credit.Ledger
	Factory   *factory.ClientFactory
	Clock     clock.Clock
	Logger    *zap.Logger

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler builds the engine services over one store and wires them to
// the HTTP layer.
func NewHandler(d Deps) *Handler {
	log := logger.OrNop(d.Logger)
	if d.Audit == nil {
		d.Audit = engine.NopAuditSink{}
	}
	if d.Retries < 1 {
		d.Retries = 3
	}

	svc := billing.NewService(d.Store, d.Clock)
	svc.Cache = billing.OrNop(d.Cache)
	svc.Audit, svc.Logger, svc.Retries = d.Audit, log.Named("billing"), d.Retries

	rec := payments.NewRecorder(d.Store, d.Cache, d.Clock)
	rec.Audit, rec.Logger, rec.Retries = d.Audit, log.Named("payments"), d.Retries

	coord := reversal.NewCoordinator(d.Store, d.Cache, d.Clock)
	coord.Audit, coord.Logger, coord.Retries = d.Audit, log.Named("reversal"), d.Retries
	if d.RebuildBalances {
		rb := reversal.NewBalanceRebuilder(d.Store, d.Clock)
		rb.Logger, rb.Retries = log.Named("rebuild"), d.Retries
		coord.Rebuilder = rb
	}

	ledger := credit.NewLedger(d.Store, d.Clock)
	ledger.Audit, ledger.Logger, ledger.Retries = d.Audit, log.Named("credit"), d.Retries

	return &Handler{
		Store:     d.Store,
		Billing:   svc,
		Payments:  rec,
		Reversals: coord,
		Credit:    ledger,
		Factory:   factory.NewClientFactory(d.DefaultTimezone),
		Clock:     d.Clock,
		Logger:    log,
		validate:  newValidator(),
	}
}

func clientParam(r *http.Request) engine.ClientID {
	return engine.ClientID(chi.URLParam(r, "clientId"))
}

func domainParam(r *http.Request) engine.Domain {
	return engine.Domain(chi.URLParam(r, "domain"))
}

// =============================================================================
// BILL HANDLERS
// =============================================================================

// GenerateBills builds and stores one billing period.
func (h *Handler) GenerateBills(w http.ResponseWriter, r *http.Request) {
	set, err := h.Billing.GeneratePeriodBills(r.Context(), clientParam(r), domainParam(r), chi.URLParam(r, "periodId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, set)
}

// GetBillPeriod returns one bill period document.
func (h *Handler) GetBillPeriod(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Billing.GetPeriod(r.Context(), clientParam(r), domainParam(r), chi.URLParam(r, "periodId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// RefreshPenalties recomputes penalties for a domain, as of today unless
// the body names a date.
func (h *Handler) RefreshPenalties(w http.ResponseWriter, r *http.Request) {
	var req RefreshPenaltiesRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	clientID := clientParam(r)
	asOf := h.Clock.Now()
	if req.AsOf != "" {
		cfg, err := billing.ReadConfig(r.Context(), h.Store, clientID)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		if asOf, err = clock.ParseDate(req.AsOf, cfg.Location()); err != nil {
			h.writeServiceError(w, r, engine.Invalid("as_of", "%v", err))
			return
		}
	}

	report, err := h.Billing.RefreshPenalties(r.Context(), clientID, domainParam(r), asOf)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// PAYMENT AND TRANSACTION HANDLERS
// =============================================================================

// RecordPayment distributes a payment across a unit's open bills.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Payments.RecordPayment(r.Context(), req.toInput(clientParam(r)))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetTransaction returns one stored transaction.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := payments.GetTransaction(r.Context(), h.Store, clientParam(r), engine.TransactionID(chi.URLParam(r, "transactionId")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DeleteTransaction reverses every effect of a transaction and deletes it.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	var req DeleteTransactionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get("X-User-ID")
	}

	res, err := h.Reversals.ReverseAndDelete(r.Context(), clientParam(r), engine.TransactionID(chi.URLParam(r, "transactionId")), req.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// CREDIT HANDLERS
// =============================================================================

// RecordCredit adds or consumes credit on a unit.
func (h *Handler) RecordCredit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Credit.Append(r.Context(), credit.AppendInput{
		ClientID:      clientParam(r),
		UnitID:        engine.UnitID(chi.URLParam(r, "unitId")),
		Amount:        money.Centavos(req.Amount),
		TransactionID: engine.TransactionID(req.TransactionID),
		Note:          req.Note,
		Source:        req.Source,
		UserID:        req.UserID,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetCredit returns a unit's credit balance and history, newest first.
func (h *Handler) GetCredit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeServiceError(w, r, engine.Invalid("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}

	unitID := engine.UnitID(chi.URLParam(r, "unitId"))
	history, balance, err := h.Credit.History(r.Context(), clientParam(r), unitID, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CreditHistoryResponse{UnitID: string(unitID), Balance: balance, History: history})
}

// =============================================================================
// CONFIGURATION HANDLERS
// =============================================================================

// GetClientConfig returns the stored billing policy.
func (h *Handler) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := billing.ReadConfig(r.Context(), h.Store, clientParam(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(cfg))
}

// PutClientConfig replaces the billing policy from a JSON or YAML document.
func (h *Handler) PutClientConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	clientID := clientParam(r)
	cfg, err := h.Factory.Parse(body, r.Header.Get("Content-Type"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if cfg.ClientID != clientID {
		h.writeServiceError(w, r, engine.Invalid("client_id", "document is for client %q, not %q", cfg.ClientID, clientID))
		return
	}
	if err := billing.SaveConfig(r.Context(), h.Store, cfg); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("billing configuration saved",
		zap.String("client_id", string(clientID)),
		zap.Int("domains", len(cfg.Domains)))
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(cfg))
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a required JSON body and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, v)
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, v)
}

func (h *Handler) check(w http.ResponseWriter, v any) bool {
	if err := h.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Request validation failed",
			Code:    "validation_error",
			Details: validationDetails(err),
		})
		return false
	}
	return true
}

// statusFor maps the engine error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrConfiguration):
		return http.StatusUnprocessableEntity, "configuration_error"
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, engine.ErrBillAlreadySettled):
		return http.StatusConflict, "bill_already_settled"
	case errors.Is(err, engine.ErrInsufficientCredit):
		return http.StatusConflict, "insufficient_credit"
	case errors.Is(err, engine.ErrConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeJSON(w, status, ErrorResponse{Error: "Internal server error", Code: code})
		return
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Error = message + ": " + err.Error()
	}
	writeJSON(w, status, resp)
}
