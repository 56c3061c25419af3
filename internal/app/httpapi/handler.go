// Package httpapi exposes the ledger over HTTP. Callers identify
// themselves with the X-Caller-Address header; role checks happen in the
// services, the handler only maps their errors onto status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/openraffle/lottery-ledger/internal/app/events"
	"github.com/openraffle/lottery-ledger/internal/app/metrics"
	"github.com/openraffle/lottery-ledger/internal/app/services/credentials"
	"github.com/openraffle/lottery-ledger/internal/app/services/ledger"
	"github.com/openraffle/lottery-ledger/internal/app/services/treasury"
	"github.com/openraffle/lottery-ledger/pkg/logger"
)

const callerHeader = "X-Caller-Address"

// Handler is the HTTP API.
type Handler struct {
	ledger      *ledger.Service
	treasury    *treasury.Service
	credentials *credentials.Service
	bus         *events.Bus
	log         *logger.Logger

	rateLimit float64
	rateBurst int
}

// Option customizes the handler.
type Option func(*Handler)

// WithRateLimit sets the per-second request allowance for participant
// routes.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(h *Handler) {
		h.rateLimit = perSecond
		h.rateBurst = burst
	}
}

// New constructs the handler.
func New(svc *ledger.Service, tre *treasury.Service, creds *credentials.Service, bus *events.Bus, log *logger.Logger, opts ...Option) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &Handler{
		ledger:      svc,
		treasury:    tre,
		credentials: creds,
		bus:         bus,
		log:         log,
		rateLimit:   10,
		rateBurst:   20,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(metrics.InstrumentHandler)

	r.Get("/health", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/ws/events", h.handleEventsWS)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/lottery", h.handleInfo)
		r.Get("/lottery/phase", h.handlePhase)

		r.Group(func(r chi.Router) {
			r.Use(rateLimiter(h.rateLimit, h.rateBurst))
			r.Post("/lottery/enter", h.handleEnter)
			r.Post("/lottery/tickets/buy", h.handleBuyMore)
			r.Post("/lottery/tickets/return", h.handleReturnTickets)
			r.Post("/refunds/claim", h.handleRefund)
		})

		r.Get("/refunds/amount", h.handleRefundAmount)
		r.Get("/participants/me", h.handleMyRegistration)
		r.Get("/participants/contact", h.handleContact)

		r.Post("/lottery/start", h.handleStart)
		r.Post("/lottery/extend", h.handleExtend)
		r.Post("/lottery/request-winner", h.handleRequestWinner)
		r.Post("/lottery/close-invalid", h.handleCloseInvalid)
		r.Post("/lottery/clear", h.handleClear)

		r.Post("/organizer/withdraw", h.handleWithdraw)
		r.Post("/organizer/ticket-price", h.handleSetTicketPrice)
		r.Post("/organizer/transfer", h.handleChangeOrganizer)
		r.Post("/organizer/fallback", h.handleChangeFallback)
		r.Post("/organizer/operators", h.handleAddOperator)
		r.Delete("/organizer/operators", h.handleRemoveOperator)
		r.Post("/refunds/collect", h.handleCollectExpired)

		r.Get("/treasury/balance", h.handleBalance)
		r.Get("/treasury/transfers", h.handleTransfers)
		r.Post("/treasury/credit", h.handleCredit)

		r.Get("/credentials", h.handleListCredentials)
	})
	return r
}

func caller(r *http.Request) string {
	return r.Header.Get(callerHeader)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.ledger.CurrentInfo(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) handlePhase(w http.ResponseWriter, r *http.Request) {
	phase, err := h.ledger.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"phase": string(phase)})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	round, err := h.ledger.Start(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (h *Handler) handleExtend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Extension string `json:"extension"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	extra, err := time.ParseDuration(req.Extension)
	if err != nil {
		h.writeErrorStatus(w, http.StatusBadRequest, "invalid extension duration")
		return
	}
	round, err := h.ledger.ExtendRegistration(r.Context(), caller(r), extra)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (h *Handler) handleRequestWinner(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.RequestWinner(r.Context(), caller(r)); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (h *Handler) handleCloseInvalid(w http.ResponseWriter, r *http.Request) {
	batch, err := h.ledger.CloseInvalidRound(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Round     uint64 `json:"round"`
		FromIndex uint64 `json:"from_index"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	cleared, err := h.ledger.ClearRoundData(r.Context(), caller(r), req.Round, req.FromIndex)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"cleared": cleared})
}

func (h *Handler) handleEnter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tickets uint64 `json:"tickets"`
		Payment int64  `json:"payment"`
		Contact string `json:"contact,omitempty"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	var contact []byte
	if req.Contact != "" {
		contact = []byte(req.Contact)
	}
	if err := h.ledger.Enter(r.Context(), caller(r), req.Tickets, req.Payment, contact); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func (h *Handler) handleBuyMore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tickets uint64 `json:"tickets"`
		Payment int64  `json:"payment"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.ledger.BuyMoreTickets(r.Context(), caller(r), req.Tickets, req.Payment); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purchased"})
}

func (h *Handler) handleReturnTickets(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tickets uint64 `json:"tickets"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.ledger.ReturnTickets(r.Context(), caller(r), req.Tickets); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "returned"})
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	amount, err := h.ledger.Refund(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"refunded": amount})
}

func (h *Handler) handleRefundAmount(w http.ResponseWriter, r *http.Request) {
	amount, err := h.ledger.RefundAmount(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"claimable": amount})
}

func (h *Handler) handleCollectExpired(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchID   uint64 `json:"batch_id"`
		Recipient string `json:"recipient"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	swept, err := h.ledger.CollectExpiredRefunds(r.Context(), caller(r), req.BatchID, req.Recipient)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"collected": swept})
}

func (h *Handler) handleMyRegistration(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.ledger.UserTickets(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"registered": tickets > 0,
		"tickets":    tickets,
	})
}

func (h *Handler) handleContact(w http.ResponseWriter, r *http.Request) {
	contact, err := h.ledger.LatestContactDetails(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"contact": string(contact)})
}

func (h *Handler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipient string `json:"recipient"`
		Amount    int64  `json:"amount"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.ledger.WithdrawOrganizerFunds(r.Context(), caller(r), req.Recipient, req.Amount); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

func (h *Handler) handleSetTicketPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Price int64 `json:"price"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.ledger.SetTicketPrice(r.Context(), caller(r), req.Price); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"ticket_price": req.Price})
}

func (h *Handler) handleChangeOrganizer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.ledger.ChangeOrganizer(r.Context(), caller(r), req.Address); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"organizer": req.Address})
}

func (h *Handler) handleChangeFallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.ledger.ChangeFallbackRecipient(r.Context(), caller(r), req.Address); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fallback_recipient": req.Address})
}

func (h *Handler) handleAddOperator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.ledger.AddOperator(r.Context(), caller(r), req.Address); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"operator": req.Address})
}

func (h *Handler) handleRemoveOperator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.ledger.RemoveOperator(r.Context(), caller(r), req.Address); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": req.Address})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.treasury.Balance(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (h *Handler) handleTransfers(w http.ResponseWriter, r *http.Request) {
	transfers, err := h.treasury.Transfers(r.Context(), caller(r), 100)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transfers)
}

func (h *Handler) handleCredit(w http.ResponseWriter, r *http.Request) {
	ok, err := h.ledger.IsOrganizer(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ok {
		h.writeError(w, ledger.ErrNotOrganizer)
		return
	}

	var req struct {
		Address string `json:"address"`
		Amount  int64  `json:"amount"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.treasury.Credit(r.Context(), req.Address, req.Amount); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "credited"})
}

func (h *Handler) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.credentials.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeErrorStatus(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeErrorStatus(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed")
		h.writeErrorStatus(w, status, "internal error")
		return
	}
	h.writeErrorStatus(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotOperator),
		errors.Is(err, ledger.ErrNotOrganizer):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrBatchNotFound),
		errors.Is(err, ledger.ErrNoContactData):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrRoundActive),
		errors.Is(err, ledger.ErrAlreadyRegistered),
		errors.Is(err, ledger.ErrNoPendingReveal),
		errors.Is(err, ledger.ErrRegistrationClosed),
		errors.Is(err, ledger.ErrRegistrationNotEnded),
		errors.Is(err, ledger.ErrRoundNotInvalid),
		errors.Is(err, ledger.ErrRefundWindowOpen),
		errors.Is(err, ledger.ErrRoundStillFresh):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrZeroTickets),
		errors.Is(err, ledger.ErrWrongPayment),
		errors.Is(err, ledger.ErrTicketLimitExceeded),
		errors.Is(err, ledger.ErrInvalidTicketPrice),
		errors.Is(err, ledger.ErrNotRegistered),
		errors.Is(err, ledger.ErrCredentialHolder),
		errors.Is(err, ledger.ErrTooManyTickets),
		errors.Is(err, ledger.ErrExtensionTooLong),
		errors.Is(err, ledger.ErrNothingToRefund),
		errors.Is(err, ledger.ErrNothingToCollect),
		errors.Is(err, ledger.ErrNothingToClear),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, treasury.ErrInvalidAmount),
		errors.Is(err, treasury.ErrInsufficientFunds),
		errors.Is(err, treasury.ErrAccountFrozen),
		errors.Is(err, treasury.ErrAccountNotFound):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
