// Package view computes the five debtor classifications from raw ledger
// facts.
//
// The repository only answers three plain questions (who is in the snapshot
// of a date, whose last snapshot is older than a date, when were they
// emailed). Everything derived from those answers lives here, in plain Go,
// so both storage backends classify identically.
package view

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/sakif/frontdesk/internal/model"
)

// RecurringGapDays is the minimum number of calendar days between the
// reference snapshot and the debtor's previous one for the debtor to count
// as recurring. A gap of one day is the same debt reported on consecutive
// exports.
const RecurringGapDays = 2

// HistoryLayout formats each entry of DebtorRow.EmailHistory.
const HistoryLayout = "2006-01-02 15:04"

// FactSource is the part of the ledger the engine reads.
type FactSource interface {
	CurrentFacts(ctx context.Context, ref civil.Date) ([]model.DebtorFacts, error)
	ResolvedFacts(ctx context.Context, ref civil.Date) ([]model.DebtorFacts, error)
	EmailActivity(ctx context.Context, debtorIDs []string) (map[string][]time.Time, error)
}

// Engine answers view queries for one location. The location decides where
// "the start of the reference day" falls for notification gating.
type Engine struct {
	facts FactSource
	loc   *time.Location
}

// NewEngine returns an Engine. A nil loc means time.Local.
func NewEngine(facts FactSource, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.Local
	}
	return &Engine{facts: facts, loc: loc}
}

// Location returns the engine's time zone.
func (e *Engine) Location() *time.Location { return e.loc }

// Fetch returns the rows of view v for reference date ref. The result is
// never nil.
func (e *Engine) Fetch(ctx context.Context, v model.View, ref civil.Date) ([]model.DebtorRow, error) {
	var (
		facts []model.DebtorFacts
		err   error
	)
	if v == model.ViewResolved {
		facts, err = e.facts.ResolvedFacts(ctx, ref)
	} else {
		facts, err = e.facts.CurrentFacts(ctx, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("view %s at %s: %w", v, ref, err)
	}
	if len(facts) == 0 {
		return []model.DebtorRow{}, nil
	}

	ids := make([]string, len(facts))
	for i, f := range facts {
		ids[i] = f.Debtor.ID
	}
	emails, err := e.facts.EmailActivity(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("view %s at %s: email activity: %w", v, ref, err)
	}
	for i := range facts {
		facts[i].EmailTimes = emails[facts[i].Debtor.ID]
	}

	return Classify(v, ref, facts, e.loc), nil
}

// Classify filters and annotates facts for view v. For ViewResolved, facts
// must come from ResolvedFacts; for every other view, from CurrentFacts.
// Unknown views behave like ViewCurrent.
func Classify(v model.View, ref civil.Date, facts []model.DebtorFacts, loc *time.Location) []model.DebtorRow {
	rows := make([]model.DebtorRow, 0, len(facts))
	for _, f := range facts {
		row := toRow(f, loc)

		switch v {
		case model.ViewResolved:
			row.IsRecurring = false
		default:
			row.IsRecurring = IsRecurring(ref, f.PreviousExportDate)
		}

		if include(v, ref, f, row, loc) {
			rows = append(rows, row)
		}
	}
	return rows
}

func include(v model.View, ref civil.Date, f model.DebtorFacts, row model.DebtorRow, loc *time.Location) bool {
	switch v {
	case model.ViewRecurring:
		return row.IsRecurring
	case model.ViewFirstNotice:
		return f.IncidentCount == 1 && !NotifiedOn(f.EmailTimes, ref, loc)
	case model.ViewRepeatNotice:
		return f.IncidentCount >= 2 && !NotifiedOn(f.EmailTimes, ref, loc)
	default:
		return true
	}
}

// IsRecurring reports whether the previous export date is at least
// RecurringGapDays before ref. Only the single most recent earlier date
// matters.
func IsRecurring(ref civil.Date, previous *civil.Date) bool {
	return previous != nil && ref.DaysSince(*previous) >= RecurringGapDays
}

// NotifiedOn reports whether the latest email is at or after the start of
// ref in loc. Such a debtor is held back from the notification views for the
// rest of that day.
func NotifiedOn(emails []time.Time, ref civil.Date, loc *time.Location) bool {
	last, ok := latest(emails)
	if !ok {
		return false
	}
	return !last.Before(StartOfDay(ref, loc))
}

// StartOfDay returns midnight of d in loc.
func StartOfDay(d civil.Date, loc *time.Location) time.Time {
	return d.In(loc)
}

func toRow(f model.DebtorFacts, loc *time.Location) model.DebtorRow {
	row := model.DebtorRow{
		DebtorID:           f.Debtor.ID,
		ClientID:           f.Debtor.ClientID,
		FirstName:          f.Debtor.FirstName,
		LastName:           f.Debtor.LastName,
		Email:              f.Debtor.Email,
		Phone:              f.Debtor.Phone,
		IncidentCount:      f.IncidentCount,
		ExportDate:         f.ExportDate,
		PreviousExportDate: f.PreviousExportDate,
		EmailSent:          len(f.EmailTimes) > 0,
		EmailHistory:       History(f.EmailTimes, loc),
	}
	if last, ok := latest(f.EmailTimes); ok {
		at := last.In(loc)
		row.LastEmailAt = &at
	}
	return row
}

// History formats email timestamps oldest first, comma separated.
func History(emails []time.Time, loc *time.Location) string {
	if len(emails) == 0 {
		return ""
	}
	sorted := slices.Clone(emails)
	slices.SortFunc(sorted, func(a, b time.Time) int { return a.Compare(b) })

	parts := make([]string, len(sorted))
	for i, t := range sorted {
		parts[i] = t.In(loc).Format(HistoryLayout)
	}
	return strings.Join(parts, ",")
}

func latest(ts []time.Time) (time.Time, bool) {
	if len(ts) == 0 {
		return time.Time{}, false
	}
	last := ts[0]
	for _, t := range ts[1:] {
		if t.After(last) {
			last = t
		}
	}
	return last, true
}
