package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ClaimRecord is one on-chain claim event awaiting off-chain acknowledgment.
type ClaimRecord struct {
	Address   common.Address `json:"address"`
	TxHash    common.Hash    `json:"tx_hash"`
	Referrer  common.Address `json:"referrer"`
	CreatedAt time.Time      `json:"created_at"`
}

// HasReferrer reports whether the claim was made through a referral.
func (c ClaimRecord) HasReferrer() bool {
	return c.Referrer != (common.Address{})
}

// ClaimEntry is a claim in the account history together with whether the
// ledger has acknowledged it.
type ClaimEntry struct {
	Claim     ClaimRecord `json:"claim"`
	Synced    bool        `json:"synced"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Referral is a claim made by an address the account invited, as recorded by the ledger.
type Referral struct {
	Invitee   common.Address `json:"invitee"`
	First     bool           `json:"first"`
	CreatedAt time.Time      `json:"created_at"`
}
