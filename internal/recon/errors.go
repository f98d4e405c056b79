package recon

import "fmt"

// DataFetchError means an upstream source was unreachable after retries
// were exhausted. The run that hit it is marked failed.
type DataFetchError struct {
	Source string
	Err    error
}

func (e *DataFetchError) Error() string {
	return fmt.Sprintf("fetch from %s failed: %v", e.Source, e.Err)
}

func (e *DataFetchError) Unwrap() error { return e.Err }

// PartialFetchError means a source returned some records but not all of
// them. It is non-fatal: the run completes over the partial data and is
// flagged partial.
type PartialFetchError struct {
	Source string
	Err    error
}

func (e *PartialFetchError) Error() string {
	return fmt.Sprintf("partial fetch from %s: %v", e.Source, e.Err)
}

func (e *PartialFetchError) Unwrap() error { return e.Err }

// DuplicateRunError is returned when a trigger is coalesced into a run
// already in flight for the tenant. It carries the in-flight run's ID so
// the caller observes the same run as the first trigger.
type DuplicateRunError struct {
	RunID string
}

func (e *DuplicateRunError) Error() string {
	return fmt.Sprintf("reconciliation run %s already in flight", e.RunID)
}
