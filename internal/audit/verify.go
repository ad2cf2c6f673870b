package audit

import (
	"fmt"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/crypto"
)

// VerifyResult describes the outcome of a chain verification.
type VerifyResult struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	Head    string `json:"head"`

	// BrokenAt is the sequence of the first entry that does not verify.
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify walks entries in order from the genesis seed and recomputes every hash.
// Entries must be the complete chain ordered by sequence.
func Verify(entries []core.AuditEntry) *VerifyResult {
	res := &VerifyResult{
		Entries: len(entries),
		Head:    crypto.GenesisHash,
	}

	prev := crypto.GenesisHash
	for i, e := range entries {
		wantSeq := uint64(i + 1)
		if e.Sequence != wantSeq {
			return res.broken(e.Sequence, fmt.Sprintf("expected sequence %d, got %d", wantSeq, e.Sequence))
		}
		if e.PreviousHash != prev {
			return res.broken(e.Sequence, "previous hash does not match predecessor")
		}
		hash, err := crypto.ComputeAuditLogHash(prev, e)
		if err != nil {
			return res.broken(e.Sequence, err.Error())
		}
		if hash != e.EntryHash {
			return res.broken(e.Sequence, "entry hash does not match contents")
		}
		prev = hash
	}

	res.Valid = true
	res.Head = prev
	return res
}

func (r *VerifyResult) broken(seq uint64, reason string) *VerifyResult {
	r.Valid = false
	r.BrokenAt = seq
	r.Reason = reason
	return r
}
