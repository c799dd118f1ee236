package model

import (
	"errors"
	"strings"
	"time"
)

// LedgerReason categorizes a credit ledger entry.
type LedgerReason string

const (
	// LedgerReasonUse is a debit taken at job admission.
	LedgerReasonUse LedgerReason = "use"
	// LedgerReasonRefund compensates a debit after a failed or cancelled job.
	LedgerReasonRefund LedgerReason = "refund"
	// LedgerReasonCharge is a purchased credit top-up.
	LedgerReasonCharge LedgerReason = "charge"
	// LedgerReasonAdminGrant is a manual operator grant.
	LedgerReasonAdminGrant LedgerReason = "admin_grant"
)

// Valid returns true if the LedgerReason is one of the known reasons.
func (r LedgerReason) Valid() bool {
	return r == LedgerReasonUse || r == LedgerReasonRefund ||
		r == LedgerReasonCharge || r == LedgerReasonAdminGrant
}

// LedgerEntry is one append-only row of a user's credit history.
//
// Invariant: for a given owner, the running sum of Delta ordered by insertion
// equals the current balance, and BalanceAfter on each entry equals that
// running sum at insertion time. No entry is ever retroactively invalid.
type LedgerEntry struct {
	ID           string       `json:"id"                       db:"id"`
	OwnerID      string       `json:"owner_id"                 db:"owner_id"`
	Delta        int          `json:"delta"                    db:"delta"`
	Reason       LedgerReason `json:"reason"                   db:"reason"`
	RelatedJobID *string      `json:"related_job_id,omitempty" db:"related_job_id"`
	BalanceAfter int          `json:"balance_after"            db:"balance_after"`
	CreatedAt    time.Time    `json:"created_at"               db:"created_at"`
}

// ErrInsufficientCredit is returned by TryDebit when the owner cannot cover
// the requested amount. The ledger is left unchanged.
var ErrInsufficientCredit = errors.New("insufficient credit")

// CreditRequest describes an unconditional ledger credit.
type CreditRequest struct {
	OwnerID      string
	Amount       int
	Reason       LedgerReason
	RelatedJobID *string
}

// Validate validates a CreditRequest.
func (r *CreditRequest) Validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return errors.New("owner id is required")
	}
	if r.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	if !r.Reason.Valid() {
		return errors.New("invalid ledger reason")
	}
	if r.Reason == LedgerReasonUse {
		return errors.New("use entries are only appended via TryDebit")
	}
	return nil
}
