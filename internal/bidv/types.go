package bidv

import "encoding/json"

// inquireRequest is the signed (and optionally encrypted) body of the
// inquire-account-transaction call. Dates are compact YYYYMMDD.
type inquireRequest struct {
	ActNumber string `json:"actNumber"`
	Curr      string `json:"curr"`
	FromDate  string `json:"fromDate"`
	ToDate    string `json:"toDate"`
	Page      string `json:"page"`
}

// balanceRequest is the body of the inquire-account (balance) call.
type balanceRequest struct {
	ActNumber string `json:"actNumber"`
	Curr      string `json:"curr"`
}

// InquireResponse is the decrypted inquire-account-transaction response.
type InquireResponse struct {
	Body InquireBody `json:"body"`
}

// InquireBody carries one page of raw transaction records plus window
// summary figures. Numeric fields arrive as either strings or numbers
// depending on the gateway, hence json.Number.
type InquireBody struct {
	Result       string           `json:"result"`
	TotalRecords int              `json:"totalRecords"`
	TotalPages   int              `json:"totalPages"`
	Page         int              `json:"page"`
	StartingBal  json.Number      `json:"startingBal"`
	EndingBal    json.Number      `json:"endingBal"`
	Trans        []RawTransaction `json:"trans"`
}

// RawTransaction is a single record exactly as the bank reports it.
type RawTransaction struct {
	Seq          string      `json:"seq"`
	TranDate     string      `json:"tranDate"` // "02/01/2006 15:04:05", bank-local time
	Remark       string      `json:"remark"`
	DebitAmount  json.Number `json:"debitAmount"`
	CreditAmount json.Number `json:"creditAmount"`
	Ref          string      `json:"ref"`
	CurrCode     string      `json:"currCode"`
}

// BalanceResponse is the decrypted inquire-account response.
type BalanceResponse struct {
	Body BalanceBody `json:"body"`
}

// BalanceBody carries the account balance snapshot.
type BalanceBody struct {
	Result       string      `json:"result"`
	ActNumber    string      `json:"actNumber"`
	Curr         string      `json:"curr"`
	AvailableBal json.Number `json:"availableBal"`
	CurrentBal   json.Number `json:"currentBal"`
}
