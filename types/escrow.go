package types

import "time"

type EscrowStatus string

const (
	EscrowStatusCreated  EscrowStatus = "created"
	EscrowStatusFunded   EscrowStatus = "funded"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusRefunded EscrowStatus = "refunded"
	EscrowStatusDisputed EscrowStatus = "disputed"
)

// Transition names, used in rejections and audit routing keys.
const (
	EscrowTransitionFund    = "fund"
	EscrowTransitionRelease = "release"
	EscrowTransitionRefund  = "refund"
	EscrowTransitionDispute = "dispute"
	EscrowTransitionResolve = "resolve"
)

// Escrow is a held payment driven through
// created → funded → {released | refunded | disputed}. The two pay-out
// states are terminal; disputed resolves externally into one of them.
type Escrow struct {
	ID            string       `json:"id"`
	PayerID       string       `json:"payer_id"`
	Amount        int64        `json:"amount"` // minor currency units
	Currency      string       `json:"currency"`
	Status        EscrowStatus `json:"status"`
	SubjectKind   RoomKind     `json:"subject_kind"` // ride or package
	SubjectID     string       `json:"subject_id"`
	DisputeReason string       `json:"dispute_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Terminal reports whether the escrow has reached an immutable state.
func (e *Escrow) Terminal() bool {
	return e.Status == EscrowStatusReleased || e.Status == EscrowStatusRefunded
}
