package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction indicates whether a transaction moved money into or out of the account.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Transaction is a single account movement as reported by the bank.
// Records are immutable once fetched; identity is the bank-assigned ID.
type Transaction struct {
	ID            string          `json:"id"` // bank sequence number ("seq")
	AccountNumber string          `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"` // always positive; see Direction
	Direction     Direction       `json:"direction"`
	Currency      string          `json:"currency"`
	Timestamp     time.Time       `json:"timestamp"`
	Description   string          `json:"description"`
	Reference     string          `json:"reference,omitempty"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

// DedupKey returns the identity used by the dedup store. When the bank omits
// the sequence number the key degrades to account|timestamp|amount, which can
// collide for identical same-second transfers; the degraded mode is accepted
// as the best identity the feed offers.
func (t Transaction) DedupKey() string {
	if t.ID != "" {
		return fmt.Sprintf("%s|%s", t.ID, t.Timestamp.Format("02/01/2006"))
	}
	return fmt.Sprintf("%s|%d|%s", t.AccountNumber, t.Timestamp.Unix(), t.Amount.String())
}

// Signed returns the amount with a negative sign for debits.
func (t Transaction) Signed() decimal.Decimal {
	if t.Direction == DirectionDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}
