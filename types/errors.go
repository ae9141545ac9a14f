package types

import "errors"

// Error kinds surfaced to callers. The core never retries; recoverable
// failures leave persistent state untouched.
var (
	// ErrUnknownID marks an (agent, seq) pair that is not in the causal graph.
	ErrUnknownID = errors.New("unknown version id")

	// ErrInvalidParents marks a parent LV >= its child, or a raw parent
	// referring to an unknown id.
	ErrInvalidParents = errors.New("invalid parents")

	// ErrVersionNotReached marks a requested version that is not dominated by
	// the current frontier.
	ErrVersionNotReached = errors.New("version not reached")

	// ErrDuplicateOperation marks an ingested (agent, seq) range that is
	// already stored with different content. Benign duplicates (same content)
	// are silently deduplicated instead.
	ErrDuplicateOperation = errors.New("duplicate operation with different content")

	// ErrCorruptFile marks bad magic, a chunk length overflow, a CRC
	// mismatch, or an unknown required chunk.
	ErrCorruptFile = errors.New("corrupt file")

	// ErrDocumentTooLarge marks a position or length overflowing 31 bits.
	ErrDocumentTooLarge = errors.New("document too large")
)
