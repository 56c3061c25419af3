package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/openraffle/lottery-ledger/internal/app/domain/ledger"
	"github.com/openraffle/lottery-ledger/internal/app/events"
	"github.com/openraffle/lottery-ledger/internal/app/services/credentials"
	"github.com/openraffle/lottery-ledger/internal/app/services/ledger"
	"github.com/openraffle/lottery-ledger/internal/app/services/treasury"
	"github.com/openraffle/lottery-ledger/internal/app/storage/memory"
)

const (
	testOrganizer = "org-1"
	testOperator  = "op-1"
)

func newTestServer(t *testing.T) (*httptest.Server, *treasury.Service) {
	t.Helper()

	store := memory.New()
	tre := treasury.New(store, nil)
	creds := credentials.New(store, nil)
	params := domain.Params{
		TicketPrice:          100,
		TargetParticipants:   2,
		MaxParticipants:      10,
		RegistrationDuration: time.Hour,
		MaxExtension:         time.Hour,
		RefundWindow:         time.Hour,
		FreshnessRounds:      1,
		ClearBatchSize:       10,
	}
	roles := domain.Roles{
		Organizer:         testOrganizer,
		FallbackRecipient: "fb-1",
		Operators:         []string{testOperator},
	}
	svc := ledger.New(store, tre, creds, params, roles, nil)
	bus := events.NewBus()
	svc.WithBus(bus)

	h := New(svc, tre, creds, bus, nil, WithRateLimit(1000, 1000))
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, tre
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, caller string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if caller != "" {
		req.Header.Set(callerHeader, caller)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doRequest(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartRequiresOperator(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodPost, "/v1/lottery/start", "nobody", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodPost, "/v1/lottery/start", testOperator, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var round domain.Round
	decodeBody(t, resp, &round)
	assert.Equal(t, uint64(1), round.Number)
}

func TestEnterFlow(t *testing.T) {
	srv, tre := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, tre.Credit(ctx, "alice", 1000))

	resp := doRequest(t, srv, http.MethodPost, "/v1/lottery/start", testOperator, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	t.Run("wrong payment rejected", func(t *testing.T) {
		resp := doRequest(t, srv, http.MethodPost, "/v1/lottery/enter", "alice",
			map[string]any{"tickets": 2, "payment": 150})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("exact payment accepted", func(t *testing.T) {
		resp := doRequest(t, srv, http.MethodPost, "/v1/lottery/enter", "alice",
			map[string]any{"tickets": 2, "payment": 200, "contact": "alice@example.com"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		balance, err := tre.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(800), balance)

		pool, err := tre.PoolBalance(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(200), pool)
	})

	t.Run("duplicate rejected", func(t *testing.T) {
		resp := doRequest(t, srv, http.MethodPost, "/v1/lottery/enter", "alice",
			map[string]any{"tickets": 1, "payment": 100})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("info reflects registration", func(t *testing.T) {
		resp := doRequest(t, srv, http.MethodGet, "/v1/lottery", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var info ledger.Info
		decodeBody(t, resp, &info)
		assert.Equal(t, uint64(1), info.ParticipantsCount)
		assert.Equal(t, uint64(2), info.TotalTickets)
		assert.Equal(t, domain.PhaseOpenedForRegistration, info.Phase)
	})

	t.Run("registration view", func(t *testing.T) {
		resp := doRequest(t, srv, http.MethodGet, "/v1/participants/me", "alice", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var view struct {
			Registered bool   `json:"registered"`
			Tickets    uint64 `json:"tickets"`
		}
		decodeBody(t, resp, &view)
		assert.True(t, view.Registered)
		assert.Equal(t, uint64(2), view.Tickets)
	})

	t.Run("contact round trip", func(t *testing.T) {
		resp := doRequest(t, srv, http.MethodGet, "/v1/participants/contact", "alice", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out map[string]string
		decodeBody(t, resp, &out)
		assert.Equal(t, "alice@example.com", out["contact"])
	})

	t.Run("contact absent", func(t *testing.T) {
		resp := doRequest(t, srv, http.MethodGet, "/v1/participants/contact", "bob", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestReturnTicketsHTTP(t *testing.T) {
	srv, tre := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, tre.Credit(ctx, "alice", 1000))

	resp := doRequest(t, srv, http.MethodPost, "/v1/lottery/start", testOperator, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = doRequest(t, srv, http.MethodPost, "/v1/lottery/enter", "alice",
		map[string]any{"tickets": 3, "payment": 300})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodPost, "/v1/lottery/tickets/return", "alice",
		map[string]any{"tickets": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	balance, err := tre.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(800), balance)
}

func TestCloseInvalidRequiresPhase(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, srv, http.MethodPost, "/v1/lottery/close-invalid", testOperator, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestOrganizerEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("ticket price organizer only", func(t *testing.T) {
		resp := doRequest(t, srv, http.MethodPost, "/v1/organizer/ticket-price", testOperator,
			map[string]any{"price": 250})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = doRequest(t, srv, http.MethodPost, "/v1/organizer/ticket-price", testOrganizer,
			map[string]any{"price": 250})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("operator lifecycle", func(t *testing.T) {
		resp := doRequest(t, srv, http.MethodPost, "/v1/organizer/operators", testOrganizer,
			map[string]any{"address": "op-2"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = doRequest(t, srv, http.MethodPost, "/v1/lottery/start", "op-2", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestCreditRequiresOrganizer(t *testing.T) {
	srv, tre := newTestServer(t)
	body := map[string]any{"address": "alice", "amount": 500}

	resp := doRequest(t, srv, http.MethodPost, "/v1/treasury/credit", "alice", body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodPost, "/v1/treasury/credit", testOperator, body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	balance, err := tre.Balance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, balance, "rejected credit must not mint value")

	resp = doRequest(t, srv, http.MethodPost, "/v1/treasury/credit", testOrganizer, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	balance, err = tre.Balance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestInvalidBody(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doRequest(t, srv, http.MethodPost, "/v1/lottery/extend", testOperator,
		map[string]any{"unexpected": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
