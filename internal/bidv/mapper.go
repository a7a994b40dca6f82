package bidv

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tooroo-1911/bidv-transaction-monitor/pkg/model"
)

// tranDateLayout is the bank's transaction timestamp format, reported in
// Indochina time regardless of caller locale.
const tranDateLayout = "02/01/2006 15:04:05"

var bankZone = time.FixedZone("ICT", 7*60*60)

// MapTransaction converts one raw record into the canonical model. Records
// with an unparseable date or no amount are rejected individually so a
// single malformed entry never poisons the page.
func MapTransaction(raw RawTransaction, account, defaultCurrency string) (model.Transaction, error) {
	ts, err := time.ParseInLocation(tranDateLayout, raw.TranDate, bankZone)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("bidv: record seq=%s: bad tranDate %q: %w", raw.Seq, raw.TranDate, err)
	}

	debit := parseAmount(raw.DebitAmount.String())
	credit := parseAmount(raw.CreditAmount.String())

	var amount decimal.Decimal
	direction := model.DirectionCredit
	switch {
	case debit.IsPositive():
		amount = debit
		direction = model.DirectionDebit
	case credit.IsPositive():
		amount = credit
	default:
		return model.Transaction{}, fmt.Errorf("bidv: record seq=%s: no debit or credit amount", raw.Seq)
	}

	currency := raw.CurrCode
	if currency == "" {
		currency = defaultCurrency
	}

	return model.Transaction{
		ID:            raw.Seq,
		AccountNumber: account,
		Amount:        amount,
		Direction:     direction,
		Currency:      currency,
		Timestamp:     ts.UTC(),
		Description:   raw.Remark,
		Reference:     raw.Ref,
	}, nil
}

// MapTransactions converts a page of raw records, collecting per-record
// failures separately from the successes.
func MapTransactions(body *InquireBody, account, defaultCurrency string) ([]model.Transaction, []error) {
	var (
		out  []model.Transaction
		errs []error
	)
	for _, raw := range body.Trans {
		tx, err := MapTransaction(raw, account, defaultCurrency)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, tx)
	}
	return out, errs
}

// parseAmount tolerates empty and malformed amounts, returning zero.
func parseAmount(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
