package query

import "time"

// DonorTotalResponse is one donor's aggregate contribution.
type DonorTotalResponse struct {
	Donor         string    `json:"donor"`
	TotalDonated  string    `json:"total_donated"`       // raw u128
	TotalHuman    string    `json:"total_donated_human"` // derived at query time
	DonationCount int64     `json:"donation_count"`
	LastSequence  int64     `json:"last_sequence"`
	UpdatedAt     time.Time `json:"updated_at"`
	AsOfSequence  int64     `json:"as_of_sequence"`
}

// TopDonorsResponse lists donors by total contribution, largest first.
type TopDonorsResponse struct {
	Donors       []DonorTotalResponse `json:"donors"`
	AsOfSequence int64                `json:"as_of_sequence"`
}

// PoolSummaryResponse is the projected pool state.
type PoolSummaryResponse struct {
	Balance        string `json:"balance"`
	BalanceHuman   string `json:"balance_human"`
	TotalDonated   string `json:"total_donated"`
	TotalWithdrawn string `json:"total_withdrawn"`
	EntryCount     int64  `json:"entry_count"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// TransferResponse is a transfer request and its settlement status.
type TransferResponse struct {
	TransferID   string    `json:"transfer_id"`
	Sequence     int64     `json:"sequence"`
	Beneficiary  string    `json:"beneficiary"`
	Amount       string    `json:"amount"`
	AmountHuman  string    `json:"amount_human"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// EntryResponse is one persisted history entry.
type EntryResponse struct {
	Position    int64     `json:"position"`
	Sequence    int64     `json:"sequence"`
	Actor       string    `json:"actor"`
	Kind        string    `json:"kind"`
	Amount      string    `json:"amount"`
	AmountHuman string    `json:"amount_human"`
	Timestamp   time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	// PoolMismatch is set when the projected balance differs from the
	// balance recomputed from ledger.entries.
	PoolMismatch *PoolMismatch `json:"pool_mismatch,omitempty"`
	AsOfSequence int64         `json:"as_of_sequence"`
}

// PoolMismatch carries the two disagreeing balances.
type PoolMismatch struct {
	Projected  string `json:"projected"`
	Recomputed string `json:"recomputed"`
}
