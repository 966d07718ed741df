// Package dmerrors enumerates the error taxonomy of the storage engine
// (§7): one kind per failure class, independent of which component raised
// it. The command context returns component errors unchanged (it adds no
// operation name and never rewraps the kind), so a CLI or API boundary can
// recover the kind with KindOf and map it to an exit code or HTTP status.
package dmerrors

import (
	"errors"
	"fmt"
)

// Kind is a coarse failure class from §7.
type Kind string

const (
	KindInput     Kind = "input"
	KindIO        Kind = "io"
	KindIntegrity Kind = "integrity"
	KindCrypto    Kind = "crypto"
	KindNetwork   Kind = "network"
	KindQuota     Kind = "quota"
	KindLifecycle Kind = "lifecycle"
)

// kindError pairs an error with its taxonomy kind.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// New creates a sentinel error tagged with a kind.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, err: errors.New(msg)}
}

// Wrap tags an existing error with a kind, preserving it for errors.Is/As.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf recovers the kind of a dmerrors-produced error, or "" if the error
// was never tagged.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return ""
}

// Sentinels used across the engine. Each maps to exactly one §7 kind.
var (
	// Input
	ErrUnknownName      = New(KindInput, "no file entry with that name")
	ErrMalformedKey     = New(KindInput, "malformed content key or identifier")
	ErrBadKeyFormat     = New(KindInput, "key file bytes do not parse")
	ErrInvalidName      = New(KindInput, "name contains path separators, NULs, or exceeds 255 characters")
	ErrFileTooLarge     = New(KindInput, "file exceeds configured max_file_size")
	ErrEmptyQuery       = New(KindInput, "search query must not be empty")
	ErrMalformedEmail   = New(KindInput, "email address is malformed")

	// IO
	ErrAlreadyExists = New(KindIO, "a file entry with that name already exists for this owner")
	ErrCatalogIO     = New(KindIO, "catalog database operation failed")

	// Integrity
	ErrShardHashMismatch  = New(KindIntegrity, "shard content hash does not match manifest")
	ErrContentHashMismatch = New(KindIntegrity, "ciphertext hash does not match content key")
	ErrPlainHashMismatch  = New(KindIntegrity, "decrypted plaintext hash does not match recorded hash")
	ErrCorrupt            = New(KindIntegrity, "algebraic reconstruction detected inconsistency")

	// Crypto
	ErrAuthenticationFailed = New(KindCrypto, "ciphertext authentication tag did not verify")
	ErrMalformedKeyBytes    = New(KindCrypto, "key bytes are malformed")

	// Network
	ErrQueryTimeout        = New(KindNetwork, "DHT query timed out")
	ErrInsufficientShards  = New(KindNetwork, "insufficient shards available for reconstruction")
	ErrUnrecoverableLoss   = New(KindNetwork, "too many shards missing, file cannot be reconstructed")
	ErrDialFailed          = New(KindNetwork, "failed to dial peer")
	ErrQuorumNotReached    = New(KindNetwork, "publish could not replicate the minimum quorum of shards")

	// Quota
	ErrQuotaExceeded       = New(KindQuota, "allocation would exceed quota")
	ErrReputationTooLow    = New(KindQuota, "reputation below required threshold")
	ErrInsufficientSpace   = New(KindQuota, "insufficient free space on contributed path")

	// Lifecycle
	ErrActorShutdown  = New(KindLifecycle, "network actor has shut down")
	ErrCancelled      = New(KindLifecycle, "operation cancelled")
)

// IntegrityViolation names the pipeline stage at which a hash check failed
// (§4.3). It wraps ErrShardHashMismatch/ErrContentHashMismatch/ErrPlainHashMismatch
// style sentinels with the stage name for diagnostics.
type IntegrityViolation struct {
	Stage string
	Err   error
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity violation at stage %q: %v", e.Stage, e.Err)
}

func (e *IntegrityViolation) Unwrap() error { return e.Err }

// Degraded reports a publish that completed with fewer than the full shard
// count replicated, but at least the quorum (§4.5, §4.6). It is not itself
// an error kind — callers treat it as success with a warning channel.
type Degraded struct {
	StoredCopies int
}

func (d *Degraded) Error() string {
	return fmt.Sprintf("publish degraded: only %d shard copies replicated", d.StoredCopies)
}
