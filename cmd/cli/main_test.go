package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apihttp "github.com/iho/minibank/internal/adapter/http"
	"github.com/iho/minibank/internal/adapter/http/handler"
	"github.com/iho/minibank/internal/adapter/repository/memory"
	"github.com/iho/minibank/internal/infrastructure/idgen"
	"github.com/iho/minibank/internal/usecase"
)

func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()

	store := memory.NewAccountStore()
	ids := idgen.NewULIDGenerator()
	logger := zerolog.Nop()

	accountUC := usecase.NewAccountUseCase(store, ids, nil, logger)
	ledgerUC := usecase.NewLedgerUseCase(store, ids, nil, nil, logger)

	router := apihttp.NewRouter(apihttp.RouterConfig{
		AccountHandler:   handler.NewAccountHandler(accountUC),
		LedgerHandler:    handler.NewLedgerHandler(ledgerUC, usecase.NewConsistencyUseCase(store)),
		TransferHandler:  handler.NewTransferHandler(ledgerUC),
		HealthHandler:    handler.NewHealthHandler(),
		IdempotencyStore: memory.NewIdempotencyStore(),
		IdempotencyTTL:   time.Minute,
		Logger:           logger,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append([]string{"--url", url, "--retries", "0"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_TransferScenario(t *testing.T) {
	srv := newAPIServer(t)

	out, err := runCLI(t, srv.URL, "account", "open", "alice", "--name", "Alice", "--pin", "1234", "--initial-balance", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "Opened account ALICE (Alice) with balance 100")

	_, err = runCLI(t, srv.URL, "account", "open", "bob", "--name", "Bob", "--pin", "5678")
	require.NoError(t, err)

	out, err = runCLI(t, srv.URL, "transfer", "alice", "bob", "30")
	require.NoError(t, err)
	assert.Contains(t, out, "Transferred 30 from ALICE to BOB")
	assert.Contains(t, out, "New balance of ALICE: 70")

	out, err = runCLI(t, srv.URL, "balance", "bob")
	require.NoError(t, err)
	assert.Equal(t, "Balance of BOB: 30\n", out)

	out, err = runCLI(t, srv.URL, "deposit", "bob", "5")
	require.NoError(t, err)
	assert.Equal(t, "New balance of BOB: 35\n", out)

	out, err = runCLI(t, srv.URL, "withdraw", "bob", "10")
	require.NoError(t, err)
	assert.Equal(t, "New balance of BOB: 25\n", out)

	out, err = runCLI(t, srv.URL, "statement", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "DESCRIPTION")
	assert.Contains(t, out, "ALICE")

	out, err = runCLI(t, srv.URL, "account", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ALICE")
	assert.Contains(t, out, "BOB")

	out, err = runCLI(t, srv.URL, "ledger", "consistency")
	require.NoError(t, err)
	assert.Contains(t, out, "PASSED (2 accounts, total balance 95)")
}

func TestCLI_APIErrors(t *testing.T) {
	srv := newAPIServer(t)

	_, err := runCLI(t, srv.URL, "balance", "ghost")
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = runCLI(t, srv.URL, "account", "open", "carol", "--name", "Carol", "--pin", "1234")
	require.NoError(t, err)

	_, err = runCLI(t, srv.URL, "withdraw", "carol", "1")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
}

func TestCLI_RejectsFractionalAmount(t *testing.T) {
	_, err := runCLI(t, "http://127.0.0.1:1", "deposit", "alice", "1.5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "whole number")
}

func TestCLI_CloseAccount(t *testing.T) {
	srv := newAPIServer(t)

	_, err := runCLI(t, srv.URL, "account", "open", "dave", "--name", "Dave", "--pin", "1234")
	require.NoError(t, err)

	out, err := runCLI(t, srv.URL, "account", "verify-pin", "dave", "--pin", "1234")
	require.NoError(t, err)
	assert.Equal(t, "PIN verified for DAVE\n", out)

	_, err = runCLI(t, srv.URL, "account", "verify-pin", "dave", "--pin", "9999")
	require.Error(t, err)

	out, err = runCLI(t, srv.URL, "account", "close", "dave")
	require.NoError(t, err)
	assert.Equal(t, "Closed account DAVE\n", out)

	_, err = runCLI(t, srv.URL, "account", "get", "dave")
	require.Error(t, err)
}

func TestCLI_RetriesUnavailableWithSameKey(t *testing.T) {
	var (
		mu    sync.Mutex
		keys  []string
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"store_unavailable"}`))
			return
		}
		_, _ = w.Write([]byte(`{"account_id":"ALICE","balance":10}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{"--url", srv.URL, "--retries", "2", "deposit", "alice", "10"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "New balance of ALICE: 10\n", out.String())
	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
}

func TestCLI_GivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"store_unavailable","message":"service temporarily unavailable"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{"--url", srv.URL, "--retries", "1", "balance", "alice"})
	err := cmd.Execute()

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Contains(t, err.Error(), "service temporarily unavailable")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
