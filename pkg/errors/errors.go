// Package errors defines sentinel errors used across the snapnode project.
package errors

import "errors"

// Sentinel errors for gossip and peer handling.
var (
	// ErrNetworkMismatch indicates a message or contact from a different network.
	ErrNetworkMismatch = errors.New("network mismatch")

	// ErrDuplicate signals an already-known message. It is informational, not a failure.
	ErrDuplicate = errors.New("duplicate")

	// ErrUnknownPeer indicates a directed send to a peer that is not in the directory.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrFrameTooLarge indicates a frame above the transport limit.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Sentinel errors for message admission.
var (
	// ErrInvalidMessage indicates a malformed message (bad hash, bad signature encoding).
	ErrInvalidMessage = errors.New("invalid message")

	// ErrUnauthorized indicates the signer is not active for the claimed fid.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStorageExhausted indicates the account has no storage entitlement.
	ErrStorageExhausted = errors.New("storage exhausted")

	// ErrMempoolFull indicates the mempool reached its capacity.
	ErrMempoolFull = errors.New("mempool full")
)

// Sentinel errors for consensus.
var (
	// ErrInvalidProposal indicates a proposal that fails local validation.
	ErrInvalidProposal = errors.New("invalid proposal")

	// ErrConsensusTimeout indicates a round step timed out. Not fatal.
	ErrConsensusTimeout = errors.New("consensus timeout")

	// ErrUnknownShard indicates a message for a shard this node does not run.
	ErrUnknownShard = errors.New("unknown shard")

	// ErrInvalidCertificate indicates a commit certificate without a valid quorum.
	ErrInvalidCertificate = errors.New("invalid commit certificate")
)

// Sentinel errors for on-chain events.
var (
	// ErrReorgDetected indicates an event whose block hash conflicts with a known block.
	ErrReorgDetected = errors.New("reorg detected")

	// ErrInvalidEvent indicates an event whose body does not match its type.
	ErrInvalidEvent = errors.New("invalid onchain event")
)

// Sentinel errors for storage.
var (
	// ErrStorageWriteFailure indicates the block store could not durably persist a block.
	ErrStorageWriteFailure = errors.New("storage write failure")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")
)
