/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Wallet listing, history and audit through the router
- Event injection and the reflect sweep
- Path parameter validation
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ModerRAS/WalletBot/bot"
	"github.com/ModerRAS/WalletBot/ledger"
	"github.com/ModerRAS/WalletBot/ledger/store"
	"github.com/ModerRAS/WalletBot/platform"
	"github.com/ModerRAS/WalletBot/retry"
)

// recordingPlatform accepts every call and remembers edits.
type recordingPlatform struct {
	mu      sync.Mutex
	edits   []string
	failing bool
}

func (p *recordingPlatform) SendMessage(context.Context, ledger.ChatID, string, ledger.MessageID) (ledger.MessageID, error) {
	return 1, nil
}

func (p *recordingPlatform) EditMessageText(_ context.Context, _ ledger.ChatID, _ ledger.MessageID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return &platform.Error{Op: "editMessageText", Code: 502, Description: "Bad Gateway"}
	}
	p.edits = append(p.edits, text)
	return nil
}

func (p *recordingPlatform) DeleteMessage(context.Context, ledger.ChatID, ledger.MessageID) error {
	return nil
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database is locked") }

type testServer struct {
	router   http.Handler
	handler  *Handler
	ledger   *ledger.Ledger
	mem      *store.TxMemory
	platform *recordingPlatform
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewTxMemory()
	l := ledger.NewLedger(mem)
	fp := &recordingPlatform{}
	exec := retry.New(retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})
	proc := bot.NewProcessor(l, fp, exec, bot.DefaultOptions(), zerolog.Nop())
	sched := bot.NewReflectScheduler(proc, zerolog.Nop())
	sched.Grace = -time.Second

	h := NewHandler(l, proc, sched, zerolog.Nop())
	return &testServer{router: NewRouter(h, []string{"http://localhost:3000"}), handler: h, ledger: l, mem: mem, platform: fp}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) post(t *testing.T, chat, msg int64, text string) EventResultDTO {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/events", EventRequest{ChatID: chat, MessageID: msg, Text: text})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var dto EventResultDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	return dto
}

func walletPath(chat int64, name, suffix string) string {
	return "/api/chats/" + strconv.FormatInt(chat, 10) + "/wallets/" + url.PathEscape(name) + suffix
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","database":"ok"}`, rec.Body.String())

	ts.handler.DB = failingPinger{}
	rec = ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// =============================================================================
// EVENTS AND READS
// =============================================================================

func TestPostEvent_CommitsAndReflects(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: Two entries are posted for the same wallet, one twice
	// THEN: The wallet shows the running balance and history has two rows

	ts := newTestServer(t)

	dto := ts.post(t, -100, 1, "#支付宝 #12月 #2024年\n#出账 150.00元")
	assert.Equal(t, string(bot.OutcomeConfirmed), dto.Outcome)
	require.NotNil(t, dto.Wallet)
	assert.Equal(t, "-150.00", dto.Wallet.Balance)

	dto = ts.post(t, -100, 1, "#支付宝 #12月 #2024年\n#出账 150.00元")
	assert.Equal(t, string(bot.OutcomeAlreadyProcessed), dto.Outcome)

	ts.post(t, -100, 2, "#支付宝 #12月 #2024年\n#收入 200元")

	rec := ts.do(t, http.MethodGet, walletPath(-100, "支付宝", ""), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var wallet WalletDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wallet))
	assert.Equal(t, "50.00", wallet.Balance)
	assert.Equal(t, "50.00元", wallet.Display)

	rec = ts.do(t, http.MethodGet, walletPath(-100, "支付宝", "/transactions"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history HistoryDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Transactions, 2)
	assert.Equal(t, "outflow", history.Transactions[0].Kind)
	assert.Equal(t, "-150.00", history.Transactions[0].Delta)
	assert.Equal(t, "收入", history.Transactions[1].Label)
	assert.Equal(t, int64(2), history.Transactions[1].SourceMessageID)

	assert.Equal(t, []string{
		"#支付宝 #12月 #2024年\n#出账 150.00元\n#总额 -150.00元",
		"#支付宝 #12月 #2024年\n#收入 200元\n#总额 50.00元",
	}, ts.platform.edits)
}

func TestListWallets_ScopedByChat(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, -100, 1, "#现金 #1月 #2025年\n#支出 10元")
	ts.post(t, -200, 1, "#现金 #1月 #2025年\n#入账 99元")

	rec := ts.do(t, http.MethodGet, "/api/chats/-100/wallets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var wallets []WalletDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wallets))
	require.Len(t, wallets, 1)
	assert.Equal(t, "-10.00", wallets[0].Balance)

	rec = ts.do(t, http.MethodGet, "/api/chats/-300/wallets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestGetWallet_NotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, walletPath(-100, "不存在", ""), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBadPathParameters(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/chats/abc/wallets", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/chats/-100/messages/xyz", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostEvent_Validation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/events", EventRequest{ChatID: -100, MessageID: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/events", EventRequest{Text: "#现金 #1月 #2025年\n#支出 10元"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/events", bytes.NewBufferString("{"))
	res := httptest.NewRecorder()
	ts.router.ServeHTTP(res, req)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestGetProcessed(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, -100, 7, "#现金 #1月 #2025年\n#支出 10元")

	rec := ts.do(t, http.MethodGet, "/api/chats/-100/messages/7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pm ProcessedMessageDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pm))
	assert.Equal(t, "confirmed", pm.ReflectStatus)
	assert.Equal(t, "-10.00", pm.BalanceAfter)
	assert.NotEmpty(t, pm.TransactionID)

	rec = ts.do(t, http.MethodGet, "/api/chats/-100/messages/8", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// FAILURES, SWEEP AND AUDIT
// =============================================================================

func TestPostEvent_SideEffectFailureThenSweep(t *testing.T) {
	ts := newTestServer(t)
	ts.platform.failing = true

	rec := ts.do(t, http.MethodPost, "/api/events", EventRequest{ChatID: -100, MessageID: 1, Text: "#现金 #1月 #2025年\n#支出 10元"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	var dto EventResultDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, string(bot.OutcomeSideEffectFailed), dto.Outcome)
	assert.Equal(t, "pending", dto.Reflect)
	assert.NotEmpty(t, dto.Error)

	ts.platform.mu.Lock()
	ts.platform.failing = false
	ts.platform.mu.Unlock()

	rec = ts.do(t, http.MethodPost, "/api/reflects/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sweep SweepDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sweep))
	assert.Equal(t, SweepDTO{Attempted: 1, Confirmed: 1}, sweep)
	assert.Len(t, ts.platform.edits, 1)
}

func TestAuditWallet(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, -100, 1, "#现金 #1月 #2025年\n#支出 10元")

	rec := ts.do(t, http.MethodGet, walletPath(-100, "现金", "/audit"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var audit AuditDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	assert.True(t, audit.Balanced)
	assert.Equal(t, 1, audit.Transactions)

	// Corrupt the cached balance behind the ledger's back.
	w, err := ts.ledger.Wallet(context.Background(), -100, "现金")
	require.NoError(t, err)
	require.NoError(t, ts.mem.UpdateBalance(context.Background(), w.ID, ledger.NewAmount(ledger.MustParseDecimal("5")), time.Now()))

	rec = ts.do(t, http.MethodGet, walletPath(-100, "现金", "/audit"), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	assert.False(t, audit.Balanced)
	assert.Equal(t, "-10.00", audit.Computed)
	assert.Equal(t, "5.00", audit.Wallet.Balance)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/chats/-100/wallets", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
