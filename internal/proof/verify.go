package proof

import (
	"fmt"

	"trail/internal/domain"
	"trail/internal/ledger"
)

type VerificationError struct {
	PacketID string
	Expected string
	Actual   string
	Cause    error
}

func (e *VerificationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("packet %s failed verification: %v", e.PacketID, e.Cause)
	}
	return fmt.Sprintf("packet %s failed verification: root %s, recomputed %s", e.PacketID, e.Expected, e.Actual)
}

func (e *VerificationError) Unwrap() error { return e.Cause }

// Verify recomputes the chain from the first event through the packet's
// root sequence and compares the result with the sealed root. Events
// appended after sealing, such as proof_exported, are not part of the root.
func Verify(p domain.ProofPacket, events []domain.Event) error {
	if p.HashChainRoot == "" {
		return fmt.Errorf("%w: %s is %s", ErrNotFinalized, p.ID, p.Status)
	}
	prefix := events
	if p.RootSequence > 0 {
		prefix = prefix[:0:0]
		for _, ev := range events {
			if ev.Sequence <= p.RootSequence {
				prefix = append(prefix, ev)
			}
		}
	}
	root, err := ledger.RecomputeChain(prefix)
	if err != nil {
		return &VerificationError{PacketID: p.ID, Expected: p.HashChainRoot, Cause: err}
	}
	if root != p.HashChainRoot {
		return &VerificationError{PacketID: p.ID, Expected: p.HashChainRoot, Actual: root}
	}
	return nil
}
