// Package orchestrator sequences the reconciliation phases and performs the
// per-record move transactions they are built from.
package orchestrator

// Outcome classifies what happened to one record. Flow decisions are made on
// outcomes, never by inspecting error text.
type Outcome string

const (
	// OutcomeSuccess means the record was mutated as requested.
	OutcomeSuccess Outcome = "success"
	// OutcomeAlreadyDone means a previous run already applied the change.
	OutcomeAlreadyDone Outcome = "already_done"
	// OutcomeSkipped means the record no longer exists or was excluded.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the operation failed and was reported.
	OutcomeFailed Outcome = "failed"
)
