/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the read-only ledger API and the event
  injection endpoint. Amounts are rendered as fixed two-decimal strings so
  clients never round a float.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/ModerRAS/WalletBot/bot"
	"github.com/ModerRAS/WalletBot/ledger"
)

// =============================================================================
// WALLETS
// =============================================================================

type WalletDTO struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Name      string    `json:"name"`
	Balance   string    `json:"balance"` // e.g. "-150.00"
	Display   string    `json:"display"` // e.g. "-150.00元"
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TransactionDTO struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Kind            string    `json:"kind"`
	Label           string    `json:"label"`
	Amount          string    `json:"amount"`
	Delta           string    `json:"delta"`
	Month           int       `json:"month"`
	Year            int       `json:"year"`
	SourceMessageID int64     `json:"source_message_id"`
	ReversesID      string    `json:"reverses_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type HistoryDTO struct {
	Wallet       WalletDTO        `json:"wallet"`
	Transactions []TransactionDTO `json:"transactions"`
}

type AuditDTO struct {
	Wallet       WalletDTO `json:"wallet"`
	Computed     string    `json:"computed"`
	Transactions int       `json:"transactions"`
	Balanced     bool      `json:"balanced"`
}

type ProcessedMessageDTO struct {
	ChatID          int64     `json:"chat_id"`
	MessageID       int64     `json:"message_id"`
	WalletID        int64     `json:"wallet_id,omitempty"`
	TransactionID   string    `json:"transaction_id,omitempty"`
	AlreadyHadTotal bool      `json:"already_had_total"`
	Directive       bool      `json:"directive"`
	BalanceAfter    string    `json:"balance_after"`
	ReflectStatus   string    `json:"reflect_status"`
	ReflectMessage  int64     `json:"reflect_message_id,omitempty"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// =============================================================================
// EVENTS
// =============================================================================

// EventRequest injects a chat message as if the platform had delivered it.
type EventRequest struct {
	ChatID           int64  `json:"chat_id"`
	MessageID        int64  `json:"message_id"`
	Text             string `json:"text"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
	ReplyToText      string `json:"reply_to_text,omitempty"`
}

type EventResultDTO struct {
	Outcome string     `json:"outcome"`
	Reflect string     `json:"reflect,omitempty"`
	Wallet  *WalletDTO `json:"wallet,omitempty"`
	Error   string     `json:"error,omitempty"`
}

type SweepDTO struct {
	Attempted int `json:"attempted"`
	Confirmed int `json:"confirmed"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
}

type HealthDTO struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toWalletDTO(w ledger.Wallet) WalletDTO {
	return WalletDTO{
		ID:        int64(w.ID),
		ChatID:    int64(w.Chat),
		Name:      w.Name,
		Balance:   w.Balance.Value.StringFixed(2),
		Display:   w.Balance.String(),
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:              string(tx.ID),
		Type:            string(tx.Type),
		Kind:            tx.Kind.String(),
		Label:           tx.Label,
		Amount:          tx.Amount.Value.StringFixed(2),
		Delta:           tx.Delta.Value.StringFixed(2),
		Month:           tx.Period.Month,
		Year:            tx.Period.Year,
		SourceMessageID: int64(tx.SourceMessageID),
		ReversesID:      string(tx.ReversesID),
		CreatedAt:       tx.CreatedAt,
	}
}

func toProcessedDTO(pm ledger.ProcessedMessage) ProcessedMessageDTO {
	return ProcessedMessageDTO{
		ChatID:          int64(pm.Key.Chat),
		MessageID:       int64(pm.Key.Message),
		WalletID:        int64(pm.WalletID),
		TransactionID:   string(pm.TransactionID),
		AlreadyHadTotal: pm.AlreadyHadTotal,
		Directive:       pm.Directive,
		BalanceAfter:    pm.BalanceAfter.Value.StringFixed(2),
		ReflectStatus:   string(pm.ReflectStatus),
		ReflectMessage:  int64(pm.ReflectMessage),
		ProcessedAt:     pm.ProcessedAt,
	}
}

func toEventResultDTO(res bot.Result) EventResultDTO {
	dto := EventResultDTO{Outcome: string(res.Outcome), Reflect: string(res.Reflect)}
	if res.Wallet.ID != 0 {
		w := toWalletDTO(res.Wallet)
		dto.Wallet = &w
	}
	if res.Err != nil {
		dto.Error = res.Err.Error()
	}
	return dto
}
