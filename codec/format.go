// Package codec implements the chunked binary file format: varint-framed
// chunks holding independently run-length-encoded columns, optional LZ4
// compression of content, and a trailing CRC32C.
//
// A legal file starts with the magic bytes and ends with a CRC chunk. Files
// produced from the same log with the same options are byte-equal. Unknown
// chunk kinds are skipped by their declared length so new chunk codes never
// invalidate old readers.
package codec

// File magic and protocol version.
var magicBytes = []byte("DMNDTYPS")

const protocolVersion = 0

// Chunk kinds.
const (
	chunkFileInfo        = 1
	chunkUserData        = 2
	chunkAgentNames      = 3
	chunkStartBranch     = 10
	chunkFrontier        = 12
	chunkContent         = 13
	chunkPatches         = 20
	chunkAgentAssign     = 21
	chunkOpKindAndPos    = 22
	chunkParents         = 23
	chunkInsertedContent = 24
	chunkDeletedContent  = 25
	chunkCRC             = 100
)

// Parents column flags, one entry per run.
const (
	parentsChainBack  = 0 // single parent, k+1 versions back
	parentsSameAsPrev = 1
	parentsExplicit   = 2
	parentsRoot       = 3
)

// Explicit parent entries pack two flag bits into each varint: bit 0 marks
// the final entry of the list, bit 1 marks a foreign (agent, seq) reference.
const (
	parentEntryLast    = 1
	parentEntryForeign = 2
	parentEntryShift   = 2
)

// Content chunks start with a compression flag byte.
const (
	contentRaw = 0
	contentLZ4 = 1
)

// EncodeOpts controls encoding. The zero value produces uncompressed files.
type EncodeOpts struct {
	// Compress LZ4-compresses content chunks that clear the size threshold.
	Compress bool
}

// compressThreshold is the minimum content size worth compressing.
const compressThreshold = 64
