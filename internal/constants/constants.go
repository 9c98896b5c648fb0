// Package constants holds the core server's fixed sizing limits.
package constants

// Transaction table sizing. A txn ID is an 8-bit wire field, so the table
// has at most 256 slots.
const (
	// MaxTxnCount is the number of slots in the transaction table.
	MaxTxnCount = 256

	// MaxTxnMessages is the number of sub-messages a single slot can
	// accumulate before a response is forced.
	MaxTxnMessages = 64
)

// Channel sizing.
const (
	// FIFOMaxDepth is the number of request records read from the
	// channel in one pipeline iteration.
	FIFOMaxDepth = 64

	// ChannelCapacity is the number of records the channel's ring
	// buffer holds per direction.
	ChannelCapacity = 512
)

// Request geometry bounds (§4.4 of the pipeline validation rules).
const (
	// MinBlocksPerRequest is the minimum length/block_size for a
	// READ/WRITE request.
	MinBlocksPerRequest = 1

	// MaxBlocksPerRequest is the maximum length/block_size for a
	// READ/WRITE request (fits the 16-bit lower-driver length field).
	MaxBlocksPerRequest = 65536

	// DefaultLogicalBlockSize is used when a lower driver reports zero
	// for block size (defensive default, not a wire requirement).
	DefaultLogicalBlockSize = 512

	// UnlimitedMaxTransfer is the max_transfer_size sentinel meaning
	// "no splitting required."
	UnlimitedMaxTransfer = 0
)

// AutoAssignSessionID indicates the hosting device should assign a new
// session ID rather than reuse an existing one.
const AutoAssignSessionID = -1
