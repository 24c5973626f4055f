package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"trail/internal/domain"
)

// RootSentinel is the prior hash of the first event in every chain.
var RootSentinel = strings.Repeat("0", 64)

const fieldSep = "\x1f"

// ContentHash is the SHA-256 digest over type, payload bytes, sequence and
// prior hash, hex encoded.
func ContentHash(eventType domain.EventType, payload string, sequence int64, priorHash string) string {
	h := sha256.New()
	h.Write([]byte(string(eventType)))
	h.Write([]byte(fieldSep))
	h.Write([]byte(payload))
	h.Write([]byte(fieldSep))
	h.Write([]byte(strconv.FormatInt(sequence, 10)))
	h.Write([]byte(fieldSep))
	h.Write([]byte(priorHash))
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalPayload encodes a payload with sorted keys. A nil payload encodes
// as an empty object.
func CanonicalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(data), nil
}

// ChainError locates the first event that breaks the chain.
type ChainError struct {
	Sequence int64
	Reason   string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("hash chain broken at sequence %d: %s", e.Sequence, e.Reason)
}

func (e *ChainError) Unwrap() error { return ErrIntegrity }

// RecomputeChain walks events in order from the root sentinel and returns
// the recomputed head hash. Gaps, reordering, foreign prior hashes and
// mutated content are all reported as *ChainError.
func RecomputeChain(events []domain.Event) (string, error) {
	prior := RootSentinel
	for i, ev := range events {
		want := int64(i + 1)
		if ev.Sequence != want {
			return "", &ChainError{Sequence: ev.Sequence, Reason: fmt.Sprintf("expected sequence %d", want)}
		}
		if ev.PriorHash != prior {
			return "", &ChainError{Sequence: ev.Sequence, Reason: "prior hash does not match predecessor"}
		}
		sum := ContentHash(ev.Type, ev.Payload, ev.Sequence, ev.PriorHash)
		if sum != ev.SelfHash {
			return "", &ChainError{Sequence: ev.Sequence, Reason: "content hash mismatch"}
		}
		prior = sum
	}
	return prior, nil
}
