package model

import "time"

type WithdrawalState string

const (
	WithdrawalPending WithdrawalState = "pending"
	WithdrawalFlagged WithdrawalState = "flagged"
	// WithdrawalSubmitting means a signed transfer may have been sent but its
	// transaction has not been seen yet. It is never broadcast again.
	WithdrawalSubmitting WithdrawalState = "submitting"
	WithdrawalProcessing WithdrawalState = "processing"
	WithdrawalCompleted  WithdrawalState = "completed"
	WithdrawalFailed     WithdrawalState = "failed"
)

func (s WithdrawalState) Terminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalFailed
}

// WithdrawalRequest is one outbound transfer request. CreditAmount is held
// (debited) from the account for as long as the request is not Failed.
type WithdrawalRequest struct {
	ID                 string          `json:"id"`
	WalletID           string          `json:"wallet_id"`
	DestinationAddress string          `json:"destination_address"`
	CreditAmount       int64           `json:"credit_amount"`
	TokenAmount        int64           `json:"token_amount"`
	NetworkFee         int64           `json:"network_fee"`
	NetTokenAmount     int64           `json:"net_token_amount"`
	State              WithdrawalState `json:"state"`
	RequestedAt        time.Time       `json:"requested_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	ChainTxID          string          `json:"chain_tx_id,omitempty"`
	MessageHash        string          `json:"message_hash,omitempty"`
	MessageExpiresAt   time.Time       `json:"-"`
	FailureReason      string          `json:"failure_reason,omitempty"`
	FraudFlags         []string        `json:"fraud_flags,omitempty"`
	Attempts           int             `json:"-"`
}

// WithdrawalReceipt is returned to the caller of a withdrawal request.
type WithdrawalReceipt struct {
	ID             string          `json:"id"`
	State          WithdrawalState `json:"state"`
	CreditAmount   int64           `json:"credit_amount"`
	NetTokenAmount int64           `json:"net_token_amount"`
	NetworkFee     int64           `json:"network_fee"`
	EstimatedTime  string          `json:"estimated_time"`
	Message        string          `json:"message,omitempty"`
}

type CreateWithdrawalRequest struct {
	WalletID           string `json:"wallet_id" binding:"required"`
	CreditAmount       int64  `json:"credit_amount" binding:"required,gt=0"`
	DestinationAddress string `json:"destination_address"`
}

type ReviewWithdrawalRequest struct {
	Reason string `json:"reason"`
}
