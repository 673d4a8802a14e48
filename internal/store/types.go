package store

import (
	"time"

	"github.com/blackwell-systems/portforge/internal/atom"
)

// Transaction states recorded in the journal.
const (
	TxPending    = "pending"
	TxCommitted  = "committed"
	TxRolledBack = "rolled_back"
)

// TransactionRecord is one row of the transaction journal.
type TransactionRecord struct {
	ID             string
	StartedAt      time.Time
	FinishedAt     time.Time
	State          string
	Reason         string
	OperationCount int
}

// FileOwner maps one installed path to its owning package and slot.
type FileOwner struct {
	Path string
	ID   atom.PackageID
	Slot string
	Type int
}
