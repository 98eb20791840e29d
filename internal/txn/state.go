package txn

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrRejected means the transaction never made it on chain (signing or broadcast failed).
	ErrRejected = errors.New("transaction rejected")
	// ErrReverted means the transaction was mined with a failed status.
	ErrReverted = errors.New("transaction reverted")
	// ErrConfirmTimeout means no receipt arrived within the confirmation window.
	ErrConfirmTimeout = errors.New("transaction confirmation timed out")
	// ErrBusy means the target already has an action in flight.
	ErrBusy = errors.New("target busy")
	// ErrNotRebalancer means the signer may not rebalance the vault.
	ErrNotRebalancer = errors.New("signer is not a rebalancer for this vault")
	// ErrInvalidAmount means a zero or negative amount was requested.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidBasket means token names and percentages do not form a valid basket.
	ErrInvalidBasket = errors.New("invalid basket")
)

// State is the per-target state of the orchestrator.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingApproval State = "awaiting_approval"
	StateAwaitingAction   State = "awaiting_action"
	StateConfirmed        State = "confirmed"
	StateFailed           State = "failed"
)

// Kind names the action that drives a target.
type Kind string

const (
	KindDeposit        Kind = "deposit"
	KindWithdraw       Kind = "withdraw"
	KindWithdrawToBase Kind = "withdraw_to_base"
	KindRebalance      Kind = "rebalance"
	KindCreateVault    Kind = "create_vault"
)

// Status is the latest transition of a target. Reason and TxHash survive the
// return to Idle so callers can read the last outcome.
type Status struct {
	ActionID  string         `json:"action_id,omitempty"`
	Target    common.Address `json:"target"`
	Kind      Kind           `json:"kind,omitempty"`
	State     State          `json:"state"`
	Reason    string         `json:"reason,omitempty"`
	TxHash    common.Hash    `json:"tx_hash"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Observer receives every transition.
type Observer func(Status)
