package reconcile

import "fmt"

// LedgerStateCorruptedError is fatal: the registry rejected a mint as already
// issued while its own token enumeration shows no credential for the owner.
// The contract needs operator remediation; retrying cannot help, and no cache
// record is written for the claim.
type LedgerStateCorruptedError struct {
	Contract string
	Owner    string
	AppID    string
}

func (e *LedgerStateCorruptedError) Error() string {
	return fmt.Sprintf("ledger state corrupted: contract %s reports already-issued for owner %s app %s but enumeration shows no credential",
		e.Contract, e.Owner, e.AppID)
}
