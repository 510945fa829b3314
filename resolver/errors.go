package resolver

import (
	"fmt"

	"go.pdpstore.dev/synapse/chain"
)

// An OwnershipError is returned when an explicit data set is paid for by
// someone other than the caller.
type OwnershipError struct {
	DataSetID uint64
	Payer     string
	Caller    string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("data set %d is not owned by %s (owned by %s)", e.DataSetID, e.Caller, e.Payer)
}

// A ConsistencyError is returned when an explicit data set and an explicit
// provider disagree.
type ConsistencyError struct {
	DataSetID  uint64
	ProviderID uint64
	Requested  string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("data set %d belongs to provider %d, not the requested provider %s", e.DataSetID, e.ProviderID, e.Requested)
}

// A MetadataMismatchError is returned when an explicit data set's metadata
// differs from the requested metadata.
type MetadataMismatchError struct {
	DataSetID uint64
	Actual    map[string]string
	Requested map[string]string
}

func (e *MetadataMismatchError) Error() string {
	return fmt.Sprintf("data set %d metadata %s does not match requested metadata %s", e.DataSetID, chain.FormatMetadata(e.Actual), chain.FormatMetadata(e.Requested))
}

// An ApprovalError is returned when an explicit provider is inactive or not
// approved by the storage service.
type ApprovalError struct {
	ProviderID uint64
	Reason     string
	Approved   []uint64
}

func (e *ApprovalError) Error() string {
	return fmt.Sprintf("provider %d cannot be used: %s (approved providers: %v)", e.ProviderID, e.Reason, e.Approved)
}

// A NoProviderError is returned when smart selection exhausts every
// candidate.
type NoProviderError struct {
	Tried    int
	Excluded []uint64
}

func (e *NoProviderError) Error() string {
	msg := fmt.Sprintf("no approved storage provider available (%d probed)", e.Tried)
	if len(e.Excluded) > 0 {
		msg += fmt.Sprintf(", excluded %v", e.Excluded)
	}
	return msg
}
