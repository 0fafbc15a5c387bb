// Package repository declares the debt ledger storage contract.
//
// Two implementations exist: repository/sqlite (embedded, one writer per
// file) and repository/postgres (shared by every terminal). Callers never
// branch on which one they hold; both give the same answers to the same
// calls.
package repository

import (
	"context"
	"time"

	"cloud.google.com/go/civil"

	"github.com/sakif/frontdesk/internal/model"
)

// PointerKey is the settings key holding the last imported export date.
const PointerKey = "impagos.last_export"

// LedgerRepository stores debtors, their delinquency events and the actions
// taken against them.
type LedgerRepository interface {
	// UpsertDebtor inserts the debtor when its ClientID is new. Otherwise it
	// overwrites the contact fields that are non-empty in d and leaves the
	// rest alone. On return d holds the stored row.
	UpsertDebtor(ctx context.Context, d *model.Debtor) error
	// RecordEvent stores the incident count of one debtor for one export
	// date, replacing any count already stored for that pair. An unknown
	// debtor yields apperror.ErrReferentialGap.
	RecordEvent(ctx context.Context, debtorID string, exportDate civil.Date, incidentCount int) error
	// LogAction appends an action timestamped at call time. An unknown
	// debtor yields apperror.ErrReferentialGap.
	LogAction(ctx context.Context, a *model.Action) error

	SetPointer(ctx context.Context, date civil.Date) error
	// GetPointer returns false when no snapshot was ever imported.
	GetPointer(ctx context.Context) (civil.Date, bool, error)

	// CurrentFacts returns one entry per event dated ref, with the most
	// recent earlier export date of the same debtor.
	CurrentFacts(ctx context.Context, ref civil.Date) ([]model.DebtorFacts, error)
	// ResolvedFacts returns the debtors whose latest event is before ref,
	// each carrying that latest event.
	ResolvedFacts(ctx context.Context, ref civil.Date) ([]model.DebtorFacts, error)
	// EmailActivity returns the email action timestamps of the given
	// debtors, oldest first. Debtors without emails are absent from the map.
	EmailActivity(ctx context.Context, debtorIDs []string) (map[string][]time.Time, error)

	GetDebtorByClientID(ctx context.Context, clientID string) (*model.Debtor, error)
	ListEvents(ctx context.Context, debtorID string) ([]model.DelinquencyEvent, error)
	ListActions(ctx context.Context, debtorID string) ([]model.Action, error)

	// WithTx runs fn against a repository bound to one transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx LedgerRepository) error) error

	Ping(ctx context.Context) error
	Close() error
}
