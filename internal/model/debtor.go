// Package model defines the data structures shared by the ledger, the view
// engine and the HTTP layer.
//
// Export dates are calendar dates (civil.Date), not instants: a snapshot is
// "the delinquent list of 2024-03-05" regardless of the terminal's timezone.
// Action timestamps are instants (time.Time) because the view engine compares
// them against the start of a day in the configured location.
package model

import (
	"time"

	"cloud.google.com/go/civil"
)

// Debtor is a client that appeared in at least one delinquency snapshot.
//
// ClientID is the gym's own client number and never changes once stored.
// The contact fields follow "last non-empty write wins": a later snapshot
// with a blank email keeps the email we already have.
type Debtor struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DelinquencyEvent is one debtor's entry in one day's snapshot.
// There is at most one per (DebtorID, ExportDate).
type DelinquencyEvent struct {
	DebtorID      string     `json:"debtorId"`
	ExportDate    civil.Date `json:"exportDate"`
	IncidentCount int        `json:"incidentCount"` // unpaid invoices reported that day, >= 1
}

// Action kinds. Only ActionKindEmail gates the notification views; the
// others are kept for the debtor's history.
const (
	ActionKindEmail    = "email"
	ActionKindWhatsApp = "whatsapp"
	ActionKindCall     = "call"
)

// Action is an outreach step an operator confirmed. Append-only.
type Action struct {
	ID        string    `json:"id"`
	DebtorID  string    `json:"debtorId"`
	Kind      string    `json:"kind"`
	Template  string    `json:"template"`
	Operator  string    `json:"operator"`
	Notes     string    `json:"notes"`
	CreatedAt time.Time `json:"createdAt"`
}

// CanonicalRecord is one normalized snapshot row.
type CanonicalRecord struct {
	ClientID      string
	FirstName     string
	LastName      string
	Email         string
	Phone         string
	IncidentCount int
}

// DirectoryEntry holds the contact data of the gym's client roster.
type DirectoryEntry struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

// Directory maps client_id to roster contact data. It is read-only for the
// reconciliation engine.
type Directory map[string]DirectoryEntry

// DebtorHistory is everything the ledger knows about one debtor.
type DebtorHistory struct {
	Debtor  *Debtor            `json:"debtor"`
	Events  []DelinquencyEvent `json:"events"`
	Actions []Action           `json:"actions"`
}
