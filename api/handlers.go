/*
handlers.go - HTTP API handlers for the revenue engine

PURPOSE:
  Exposes distribution, wallets, payouts and conversions via REST API.
  Handles HTTP request/response and JSON serialization, and delegates to
  the revenue package. No business rule lives here.

ENDPOINTS:
  Sales:
    POST   /api/sales                            Distribute a confirmed sale

  Wallets:
    GET    /api/wallets/{owner}                  Wallet aggregate
    GET    /api/wallets/{owner}/transactions     Transaction log
    GET    /api/wallets/{owner}/reconcile        Check wallet against log
    POST   /api/wallets/{owner}/adjustments      Manual credit or clawback
    POST   /api/wallets/{owner}/payouts          Request a payout
    GET    /api/wallets/{owner}/payouts          Payouts, newest first

  Payouts:
    GET    /api/payouts/pending                  Approval queue
    GET    /api/payouts/{id}                     One payout
    POST   /api/payouts/{id}/approve             Approve
    POST   /api/payouts/{id}/reject              Reject with reason

  Conversions:
    GET    /api/affiliates/{owner}/conversions   Affiliate conversions
    POST   /api/conversions/{id}/paid            Mark paid

  Catalog / Admin:
    PUT    /api/courses/{id}                     Upsert course mentor/share
    GET    /api/admin/reconcile                  Reconcile every wallet

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid sale, invalid payout amount
  - 404: Wallet, payout, conversion or course not found
  - 409: Already processed
  - 422: Insufficient balance
  - 500: Storage failures and integrity violations

  A sale whose legs partly failed answers 500 with the partial result so
  checkout can see what was credited and retry.

SECURITY NOTE:
  No authentication. The adapter expects to sit behind a gateway that has
  already authorised the caller.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/revenue-engine/factory"
	"github.com/warp/revenue-engine/revenue"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

var decimal100 = decimal.NewFromInt(100)

// Catalog is a course catalog the API can also write to.
type Catalog interface {
	revenue.CourseCatalog
	revenue.CourseWriter
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	distributor *revenue.Distributor
	ledger      *revenue.Ledger
	payouts     *revenue.PayoutService
	tracker     *revenue.ConversionTracker
	catalog     Catalog
	policy      revenue.CommissionPolicy

	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandler wires the revenue services over store. opts are passed to every service.
func NewHandler(store revenue.Store, catalog Catalog, cfg *factory.Config, log zerolog.Logger, opts ...revenue.Option) *Handler {
	opts = append([]revenue.Option{revenue.WithLogger(log)}, opts...)
	return &Handler{
		distributor: revenue.NewDistributor(store, revenue.NewResolver(catalog), opts...),
		ledger:      revenue.NewLedger(store, opts...),
		payouts:     revenue.NewPayoutService(store, cfg.Payout, opts...),
		tracker:     revenue.NewConversionTracker(store, opts...),
		catalog:     catalog,
		policy:      cfg.Policy,
		validate:    validator.New(),
		log:         log,
	}
}

// =============================================================================
// SALES
// =============================================================================

// DistributeSale credits the beneficiaries of a confirmed sale.
// POST /api/sales
func (h *Handler) DistributeSale(w http.ResponseWriter, r *http.Request) {
	var req SaleRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.distributor.Distribute(r.Context(), h.policy, req.toSale())
	var derr *revenue.DistributionError
	switch {
	case errors.As(err, &derr) && result != nil:
		dto := toDistributionDTO(result)
		dto.Error = derr.Error()
		dto.Retryable = revenue.IsRetryable(err)
		writeJSON(w, http.StatusInternalServerError, dto)
		return
	case err != nil:
		h.writeDomainError(w, "Failed to distribute sale", err)
		return
	}

	status := http.StatusCreated
	if result.SkippedReason != "" {
		status = http.StatusOK
	}
	writeJSON(w, status, toDistributionDTO(result))
}

// =============================================================================
// WALLETS
// =============================================================================

// GetWallet returns the wallet aggregate.
// GET /api/wallets/{owner}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.ledger.Wallet(r.Context(), ownerParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// GET /api/wallets/{owner}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.ledger.History(r.Context(), ownerParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get transactions", err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = toTransactionDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReconcileWallet reports whether a wallet agrees with its log.
// GET /api/wallets/{owner}/reconcile
func (h *Handler) ReconcileWallet(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.Reconcile(r.Context(), ownerParam(r))
	if err != nil && !errors.Is(err, revenue.ErrLedgerIntegrityViolation) {
		h.writeDomainError(w, "Failed to reconcile wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(report, integrityDetails(err)))
}

// CreateAdjustment posts a manual adjustment (credit) or clawback (debit).
// POST /api/wallets/{owner}/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	p := revenue.Posting{
		Owner:          ownerParam(r),
		Amount:         req.Amount,
		Type:           revenue.TxType(req.Type),
		Reference:      req.Reference,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	}
	var (
		entry *revenue.WalletTransaction
		err   error
	)
	if p.Type == revenue.TxClawback {
		entry, err = h.ledger.Debit(r.Context(), p)
	} else {
		entry, err = h.ledger.Credit(r.Context(), p)
	}
	if errors.Is(err, revenue.ErrDuplicateIdempotencyKey) {
		writeError(w, http.StatusConflict, "Adjustment already applied", err)
		return
	}
	if err != nil {
		h.writeDomainError(w, "Failed to apply adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*entry))
}

// =============================================================================
// PAYOUTS
// =============================================================================

// RequestPayout holds funds for a new PENDING payout.
// POST /api/wallets/{owner}/payouts
func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	var req PayoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.payouts.Request(r.Context(), ownerParam(r), req.Amount, req.Note)
	if err != nil {
		h.writeDomainError(w, "Failed to request payout", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPayoutDTO(p))
}

// GET /api/wallets/{owner}/payouts
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	ps, err := h.payouts.ListByOwner(r.Context(), ownerParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to list payouts", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTOs(ps))
}

// GET /api/payouts/pending
func (h *Handler) ListPendingPayouts(w http.ResponseWriter, r *http.Request) {
	ps, err := h.payouts.Pending(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list pending payouts", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTOs(ps))
}

// GET /api/payouts/{id}
func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.payouts.Get(r.Context(), revenue.PayoutID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get payout", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(p))
}

// POST /api/payouts/{id}/approve
func (h *Handler) ApprovePayout(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.payouts.Approve(r.Context(), revenue.PayoutID(chi.URLParam(r, "id")), req.Actor)
	if err != nil {
		h.writeDomainError(w, "Failed to approve payout", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(p))
}

// POST /api/payouts/{id}/reject
func (h *Handler) RejectPayout(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.payouts.Reject(r.Context(), revenue.PayoutID(chi.URLParam(r, "id")), req.Actor, req.Reason)
	if err != nil {
		h.writeDomainError(w, "Failed to reject payout", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(p))
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// GET /api/affiliates/{owner}/conversions
func (h *Handler) ListConversions(w http.ResponseWriter, r *http.Request) {
	convs, err := h.tracker.ListByAffiliate(r.Context(), ownerParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to list conversions", err)
		return
	}
	dtos := make([]ConversionDTO, len(convs))
	for i := range convs {
		dtos[i] = toConversionDTO(&convs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// MarkConversionPaid is idempotent; a paid conversion is returned unchanged.
// POST /api/conversions/{id}/paid
func (h *Handler) MarkConversionPaid(w http.ResponseWriter, r *http.Request) {
	c, err := h.tracker.MarkPaid(r.Context(), revenue.ConversionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to mark conversion paid", err)
		return
	}
	writeJSON(w, http.StatusOK, toConversionDTO(c))
}

// =============================================================================
// CATALOG / ADMIN
// =============================================================================

// PUT /api/courses/{id}
func (h *Handler) PutCourse(w http.ResponseWriter, r *http.Request) {
	var req CourseRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.MentorShare != nil && (req.MentorShare.IsNegative() || req.MentorShare.GreaterThan(decimal100)) {
		writeError(w, http.StatusBadRequest, "mentor_share must be within [0, 100]", nil)
		return
	}

	c := revenue.Course{
		ID:          revenue.CourseID(chi.URLParam(r, "id")),
		MentorID:    revenue.OwnerID(req.MentorID),
		MentorShare: req.MentorShare,
		Active:      req.Active == nil || *req.Active,
	}
	if err := h.catalog.SaveCourse(r.Context(), c); err != nil {
		h.writeDomainError(w, "Failed to save course", err)
		return
	}
	saved, err := h.catalog.Course(r.Context(), c.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to load course", err)
		return
	}
	writeJSON(w, http.StatusOK, CourseDTO{
		ID:          string(saved.ID),
		MentorID:    string(saved.MentorID),
		MentorShare: saved.MentorShare,
		Active:      saved.Active,
		UpdatedAt:   saved.UpdatedAt,
	})
}

// ReconcileAll checks every wallet. It answers 200 even when wallets are
// inconsistent; the report says which.
// GET /api/admin/reconcile
func (h *Handler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	reports, err := h.ledger.ReconcileAll(r.Context())
	if err != nil && !errors.Is(err, revenue.ErrLedgerIntegrityViolation) {
		h.writeDomainError(w, "Failed to reconcile wallets", err)
		return
	}
	details := integrityDetails(err)
	dtos := make([]ReconciliationDTO, len(reports))
	for i, rep := range reports {
		dtos[i] = toReconciliationDTO(rep, details)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func ownerParam(r *http.Request) revenue.OwnerID {
	return revenue.OwnerID(chi.URLParam(r, "owner"))
}

// decode reads and validates the body. On failure the response is written.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeDomainError maps revenue errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, revenue.ErrAlreadyProcessed):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, revenue.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	case revenue.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case revenue.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.log.Error().Err(err).Msg(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// integrityDetails indexes the violations in err by owner.
func integrityDetails(err error) map[revenue.OwnerID]string {
	details := make(map[revenue.OwnerID]string)
	var collect func(error)
	collect = func(err error) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				collect(e)
			}
			return
		}
		var ie *revenue.IntegrityError
		if errors.As(err, &ie) {
			details[ie.Owner] = ie.Detail
		}
	}
	if err != nil {
		collect(err)
	}
	return details
}

func toReconciliationDTO(r revenue.Reconciliation, details map[revenue.OwnerID]string) ReconciliationDTO {
	detail, bad := details[r.Owner]
	return ReconciliationDTO{
		Owner:      string(r.Owner),
		Balance:    r.Balance,
		LedgerSum:  r.LedgerSum,
		Expected:   r.Expected,
		Entries:    r.Entries,
		Consistent: !bad,
		Detail:     detail,
	}
}
