package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"CDPLedger/internal/observability"
	"CDPLedger/internal/protocol"
)

// SequenceValidator validates source sequences per partition. A partition's
// sequence only advances once its command has been applied, so a rejected
// command can be resubmitted with the same sequence.
// Not thread-safe, only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// CallerPartition orders the commands of one principal.
func CallerPartition(caller uuid.UUID) string {
	return "caller:" + caller.String()
}

// PricePartition orders the quotes of one asset.
func PricePartition(asset string) string {
	return "price:" + asset
}

func (sv *SequenceValidator) expected(partition string) int64 {
	if next, ok := sv.expectedNextSeq[partition]; ok {
		return next
	}
	return 1
}

// ValidateSequence checks that sourceSequence is exactly the next one for the
// partition. Zero means the command is unsequenced.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64) error {
	if sourceSequence == 0 {
		return nil
	}
	expected := sv.expected(partition)

	if sourceSequence < expected {
		sv.recordOutOfOrder(partition)
		return fmt.Errorf("partition=%s expected=%d got=%d: %w",
			partition, expected, sourceSequence, protocol.ErrOutOfOrder)
	}
	if sourceSequence > expected {
		sv.recordGap(partition)
		return fmt.Errorf("sequence gap: partition=%s expected=%d got=%d: %w",
			partition, expected, sourceSequence, protocol.ErrOutOfOrder)
	}
	return nil
}

// IsStalePrice reports whether a price sequence is at or below the last one
// applied for the asset. Gaps are tolerated and only counted.
func (sv *SequenceValidator) IsStalePrice(asset string, priceSequence int64) bool {
	if priceSequence == 0 {
		return false
	}
	partition := PricePartition(asset)
	expected := sv.expected(partition)

	if priceSequence < expected {
		return true
	}
	if priceSequence > expected {
		sv.recordGap(partition)
	}
	return false
}

// Advance records sourceSequence as applied.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if sourceSequence == 0 {
		return
	}
	sv.expectedNextSeq[partition] = sourceSequence + 1
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expected(partition)
}

// SetLastApplied initializes a partition during recovery.
func (sv *SequenceValidator) SetLastApplied(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq + 1
}

func (sv *SequenceValidator) recordGap(partition string) {
	if sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partitionKind(partition)).Inc()
	}
}

func (sv *SequenceValidator) recordOutOfOrder(partition string) {
	if sv.metrics != nil {
		sv.metrics.EventOutOfOrder.WithLabelValues(partitionKind(partition)).Inc()
	}
}

func partitionKind(partition string) string {
	kind, _, _ := strings.Cut(partition, ":")
	return kind
}
