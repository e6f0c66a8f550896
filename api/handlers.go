/*
handlers.go - HTTP API handlers for the wallet ledger

PURPOSE:
  Exposes the ledger read side and two operator actions over HTTP. The chat
  platform stays the primary input; this API is for inspection, scripted
  replays and health checks.

ENDPOINTS:
  GET    /healthz                                          Liveness and database ping
  GET    /api/chats/{chatID}/wallets                       Wallets of a chat
  GET    /api/chats/{chatID}/wallets/{name}                One wallet
  GET    /api/chats/{chatID}/wallets/{name}/transactions   History, reversals included
  GET    /api/chats/{chatID}/wallets/{name}/audit          Replay vs stored balance
  GET    /api/chats/{chatID}/messages/{messageID}          Processed-message row
  POST   /api/events                                       Run a message through the bot
  POST   /api/reflects/sweep                               Retry pending reflects now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid path parameters or body
  - 404: Unknown wallet or message
  - 409: Stored balance disagrees with its history
  - 502: The bot committed but could not reach the chat
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Bind to localhost or put it behind a proxy.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ModerRAS/WalletBot/bot"
	"github.com/ModerRAS/WalletBot/ledger"
	"github.com/ModerRAS/WalletBot/platform"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *ledger.Ledger
	Processor *bot.Processor
	Scheduler *bot.ReflectScheduler
	DB        Pinger // optional

	log zerolog.Logger
}

func NewHandler(l *ledger.Ledger, p *bot.Processor, s *bot.ReflectScheduler, log zerolog.Logger) *Handler {
	return &Handler{
		Ledger:    l,
		Processor: p,
		Scheduler: s,
		log:       log.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthDTO{Status: "degraded", Database: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthDTO{Status: "ok", Database: "ok"})
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// ListWallets returns the wallets of one chat ordered by name.
func (h *Handler) ListWallets(w http.ResponseWriter, r *http.Request) {
	chat, ok := chatParam(w, r)
	if !ok {
		return
	}
	wallets, err := h.Ledger.Wallets(r.Context(), chat)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list wallets", err)
		return
	}
	dtos := make([]WalletDTO, 0, len(wallets))
	for _, wl := range wallets {
		dtos = append(dtos, toWalletDTO(wl))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	chat, ok := chatParam(w, r)
	if !ok {
		return
	}
	wl, err := h.Ledger.Wallet(r.Context(), chat, walletParam(r))
	if err != nil {
		writeLedgerError(w, "Failed to get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wl))
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	chat, ok := chatParam(w, r)
	if !ok {
		return
	}
	wl, txs, err := h.Ledger.History(r.Context(), chat, walletParam(r))
	if err != nil {
		writeLedgerError(w, "Failed to get transactions", err)
		return
	}
	dto := HistoryDTO{Wallet: toWalletDTO(wl), Transactions: make([]TransactionDTO, 0, len(txs))}
	for _, tx := range txs {
		dto.Transactions = append(dto.Transactions, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, dto)
}

// AuditWallet replays the history. A drifted balance answers 409 with the
// report in the body.
func (h *Handler) AuditWallet(w http.ResponseWriter, r *http.Request) {
	chat, ok := chatParam(w, r)
	if !ok {
		return
	}
	report, err := h.Ledger.Audit(r.Context(), chat, walletParam(r))
	if err != nil && !errors.Is(err, ledger.ErrBalanceDrift) {
		writeLedgerError(w, "Failed to audit wallet", err)
		return
	}
	dto := AuditDTO{
		Wallet:       toWalletDTO(report.Wallet),
		Computed:     report.Computed.Value.StringFixed(2),
		Transactions: report.Transactions,
		Balanced:     report.Balanced(),
	}
	if err != nil {
		h.log.Warn().Err(err).Int64("chat", int64(chat)).Str("wallet", report.Wallet.Name).Msg("balance drift detected")
		writeJSON(w, http.StatusConflict, dto)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetProcessed(w http.ResponseWriter, r *http.Request) {
	chat, ok := chatParam(w, r)
	if !ok {
		return
	}
	msg, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid message id", err)
		return
	}
	pm, found, err := h.Ledger.Processed(r.Context(), ledger.MessageKey{Chat: chat, Message: ledger.MessageID(msg)})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get message", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Message not processed", nil)
		return
	}
	writeJSON(w, http.StatusOK, toProcessedDTO(pm))
}

// =============================================================================
// OPERATOR ACTIONS
// =============================================================================

// PostEvent runs a message through the same pipeline as platform updates,
// outbound side effects included.
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ChatID == 0 || req.MessageID <= 0 {
		writeError(w, http.StatusBadRequest, "chat_id and message_id are required", nil)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required", nil)
		return
	}

	ev := platform.Event{
		Chat:    ledger.ChatID(req.ChatID),
		Message: ledger.MessageID(req.MessageID),
		Text:    req.Text,
	}
	if req.ReplyToMessageID > 0 {
		ev.ReplyTo = &platform.Reply{Message: ledger.MessageID(req.ReplyToMessageID), Text: req.ReplyToText}
	}

	res, err := h.Processor.Handle(r.Context(), ev)
	dto := toEventResultDTO(res)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, dto)
	case res.Outcome == bot.OutcomeSideEffectFailed:
		writeJSON(w, http.StatusBadGateway, dto)
	default:
		writeJSON(w, http.StatusInternalServerError, dto)
	}
}

func (h *Handler) SweepReflects(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Reflect sweep not configured", nil)
		return
	}
	report := h.Scheduler.Sweep(r.Context())
	writeJSON(w, http.StatusOK, SweepDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func chatParam(w http.ResponseWriter, r *http.Request) (ledger.ChatID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid chat id", err)
		return 0, false
	}
	return ledger.ChatID(id), true
}

// walletParam returns the decoded wallet name; names are usually not ASCII.
func walletParam(r *http.Request) string {
	raw := chi.URLParam(r, "name")
	if name, err := url.PathUnescape(raw); err == nil {
		return name
	}
	return raw
}

func writeLedgerError(w http.ResponseWriter, message string, err error) {
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Wallet not found", nil)
		return
	}
	writeError(w, http.StatusInternalServerError, message, err)
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
