package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/xid"

	"github.com/sakif/frontdesk/internal/apperror"
	"github.com/sakif/frontdesk/internal/model"
	"github.com/sakif/frontdesk/internal/repository"
)

// maxInArgs keeps IN (...) lists well under SQLITE_MAX_VARIABLE_NUMBER on
// older builds.
const maxInArgs = 500

// UpsertDebtor looks the debtor up by client id and then updates or inserts.
// Writers are serialized by the ledger lock, so the lookup cannot race with
// another insert of the same client.
func (db *DB) UpsertDebtor(ctx context.Context, d *model.Debtor) error {
	if d.ClientID == "" {
		return apperror.ValidationFailed("clientId", "client id is required")
	}
	existing, err := db.debtorByClientID(ctx, d.ClientID)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	if existing == nil {
		d.ID = xid.New().String()
		d.CreatedAt = now
		d.UpdatedAt = now
		_, err = db.q.ExecContext(ctx,
			`INSERT INTO debtors (id, client_id, first_name, last_name, email, phone, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.ClientID, d.FirstName, d.LastName, d.Email, d.Phone, d.CreatedAt, d.UpdatedAt,
		)
		if err != nil {
			return wrap(fmt.Sprintf("inserting debtor (clientID=%s)", d.ClientID), err)
		}
		return nil
	}

	// Empty values never overwrite stored ones.
	_, err = db.q.ExecContext(ctx,
		`UPDATE debtors
		 SET first_name = COALESCE(NULLIF(?, ''), first_name),
		     last_name  = COALESCE(NULLIF(?, ''), last_name),
		     email      = COALESCE(NULLIF(?, ''), email),
		     phone      = COALESCE(NULLIF(?, ''), phone),
		     updated_at = ?
		 WHERE id = ?`,
		d.FirstName, d.LastName, d.Email, d.Phone, now, existing.ID,
	)
	if err != nil {
		return wrap(fmt.Sprintf("updating debtor %s", existing.ID), err)
	}

	d.ID = existing.ID
	d.FirstName = orElse(d.FirstName, existing.FirstName)
	d.LastName = orElse(d.LastName, existing.LastName)
	d.Email = orElse(d.Email, existing.Email)
	d.Phone = orElse(d.Phone, existing.Phone)
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = now
	return nil
}

func (db *DB) RecordEvent(ctx context.Context, debtorID string, exportDate civil.Date, incidentCount int) error {
	if incidentCount < 1 {
		return apperror.ValidationFailed("incidentCount", "incident count must be at least 1")
	}
	if err := db.requireDebtor(ctx, "delinquency event", debtorID); err != nil {
		return err
	}

	_, err := db.q.ExecContext(ctx,
		`INSERT INTO delinquency_events (debtor_id, export_date, incident_count, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (debtor_id, export_date)
		 DO UPDATE SET incident_count = excluded.incident_count, updated_at = excluded.updated_at`,
		debtorID, exportDate.String(), incidentCount, time.Now().UTC(),
	)
	if err != nil {
		return wrap(fmt.Sprintf("recording event %s/%s", debtorID, exportDate), err)
	}
	return nil
}

// LogAction appends a. A zero CreatedAt is stamped with the current time.
func (db *DB) LogAction(ctx context.Context, a *model.Action) error {
	if err := db.requireDebtor(ctx, "action", a.DebtorID); err != nil {
		return err
	}

	a.ID = xid.New().String()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.CreatedAt = a.CreatedAt.UTC()

	_, err := db.q.ExecContext(ctx,
		`INSERT INTO actions (id, debtor_id, kind, template, operator, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DebtorID, a.Kind, a.Template, a.Operator, a.Notes, a.CreatedAt,
	)
	if err != nil {
		return wrap(fmt.Sprintf("logging action for debtor %s", a.DebtorID), err)
	}
	return nil
}

func (db *DB) SetPointer(ctx context.Context, date civil.Date) error {
	_, err := db.q.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		repository.PointerKey, date.String(),
	)
	if err != nil {
		return wrap("setting pointer", err)
	}
	return nil
}

func (db *DB) GetPointer(ctx context.Context) (civil.Date, bool, error) {
	var value string
	err := db.q.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, repository.PointerKey,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return civil.Date{}, false, nil
	}
	if err != nil {
		return civil.Date{}, false, wrap("getting pointer", err)
	}
	d, err := civil.ParseDate(value)
	if err != nil {
		return civil.Date{}, false, fmt.Errorf("sqlite: pointer %q is not a date: %w", value, err)
	}
	return d, true, nil
}

const debtorColumns = `d.id, d.client_id, d.first_name, d.last_name, d.email, d.phone, d.created_at, d.updated_at`

func (db *DB) CurrentFacts(ctx context.Context, ref civil.Date) ([]model.DebtorFacts, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT `+debtorColumns+`, e.export_date, e.incident_count,
		        (SELECT MAX(p.export_date) FROM delinquency_events p
		         WHERE p.debtor_id = e.debtor_id AND p.export_date < e.export_date)
		 FROM delinquency_events e
		 JOIN debtors d ON d.id = e.debtor_id
		 WHERE e.export_date = ?
		 ORDER BY d.client_id`,
		ref.String(),
	)
	if err != nil {
		return nil, wrap("querying current facts", err)
	}
	defer rows.Close()

	facts := []model.DebtorFacts{}
	for rows.Next() {
		var (
			f        model.DebtorFacts
			export   string
			previous sql.NullString
		)
		if err := rows.Scan(
			&f.Debtor.ID, &f.Debtor.ClientID, &f.Debtor.FirstName, &f.Debtor.LastName,
			&f.Debtor.Email, &f.Debtor.Phone, &f.Debtor.CreatedAt, &f.Debtor.UpdatedAt,
			&export, &f.IncidentCount, &previous,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning current fact: %w", err)
		}
		if f.ExportDate, err = civil.ParseDate(export); err != nil {
			return nil, fmt.Errorf("sqlite: bad export_date %q: %w", export, err)
		}
		if previous.Valid {
			p, err := civil.ParseDate(previous.String)
			if err != nil {
				return nil, fmt.Errorf("sqlite: bad export_date %q: %w", previous.String, err)
			}
			f.PreviousExportDate = &p
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterating current facts", err)
	}
	return facts, nil
}

func (db *DB) ResolvedFacts(ctx context.Context, ref civil.Date) ([]model.DebtorFacts, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT `+debtorColumns+`, e.export_date, e.incident_count
		 FROM delinquency_events e
		 JOIN debtors d ON d.id = e.debtor_id
		 WHERE e.export_date = (SELECT MAX(x.export_date) FROM delinquency_events x
		                        WHERE x.debtor_id = e.debtor_id)
		   AND e.export_date < ?
		 ORDER BY d.client_id`,
		ref.String(),
	)
	if err != nil {
		return nil, wrap("querying resolved facts", err)
	}
	defer rows.Close()

	facts := []model.DebtorFacts{}
	for rows.Next() {
		var (
			f      model.DebtorFacts
			export string
		)
		if err := rows.Scan(
			&f.Debtor.ID, &f.Debtor.ClientID, &f.Debtor.FirstName, &f.Debtor.LastName,
			&f.Debtor.Email, &f.Debtor.Phone, &f.Debtor.CreatedAt, &f.Debtor.UpdatedAt,
			&export, &f.IncidentCount,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning resolved fact: %w", err)
		}
		if f.ExportDate, err = civil.ParseDate(export); err != nil {
			return nil, fmt.Errorf("sqlite: bad export_date %q: %w", export, err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterating resolved facts", err)
	}
	return facts, nil
}

func (db *DB) EmailActivity(ctx context.Context, debtorIDs []string) (map[string][]time.Time, error) {
	activity := make(map[string][]time.Time)
	for start := 0; start < len(debtorIDs); start += maxInArgs {
		end := min(start+maxInArgs, len(debtorIDs))
		if err := db.emailActivityChunk(ctx, debtorIDs[start:end], activity); err != nil {
			return nil, err
		}
	}
	return activity, nil
}

func (db *DB) emailActivityChunk(ctx context.Context, ids []string, into map[string][]time.Time) error {
	args := make([]any, 0, len(ids)+1)
	args = append(args, model.ActionKindEmail)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := db.q.QueryContext(ctx,
		`SELECT debtor_id, created_at FROM actions
		 WHERE kind = ? AND debtor_id IN (`+placeholders(len(ids))+`)
		 ORDER BY created_at, id`,
		args...,
	)
	if err != nil {
		return wrap("querying email activity", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			debtorID string
			at       time.Time
		)
		if err := rows.Scan(&debtorID, &at); err != nil {
			return fmt.Errorf("sqlite: scanning email activity: %w", err)
		}
		into[debtorID] = append(into[debtorID], at)
	}
	if err := rows.Err(); err != nil {
		return wrap("iterating email activity", err)
	}
	return nil
}

func (db *DB) GetDebtorByClientID(ctx context.Context, clientID string) (*model.Debtor, error) {
	return db.debtorByClientID(ctx, clientID)
}

func (db *DB) ListEvents(ctx context.Context, debtorID string) ([]model.DelinquencyEvent, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT debtor_id, export_date, incident_count FROM delinquency_events
		 WHERE debtor_id = ? ORDER BY export_date`,
		debtorID,
	)
	if err != nil {
		return nil, wrap(fmt.Sprintf("listing events of %s", debtorID), err)
	}
	defer rows.Close()

	events := []model.DelinquencyEvent{}
	for rows.Next() {
		var (
			e      model.DelinquencyEvent
			export string
		)
		if err := rows.Scan(&e.DebtorID, &export, &e.IncidentCount); err != nil {
			return nil, fmt.Errorf("sqlite: scanning event: %w", err)
		}
		if e.ExportDate, err = civil.ParseDate(export); err != nil {
			return nil, fmt.Errorf("sqlite: bad export_date %q: %w", export, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterating events", err)
	}
	return events, nil
}

func (db *DB) ListActions(ctx context.Context, debtorID string) ([]model.Action, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT id, debtor_id, kind, template, operator, notes, created_at FROM actions
		 WHERE debtor_id = ? ORDER BY created_at, id`,
		debtorID,
	)
	if err != nil {
		return nil, wrap(fmt.Sprintf("listing actions of %s", debtorID), err)
	}
	defer rows.Close()

	actions := []model.Action{}
	for rows.Next() {
		var a model.Action
		if err := rows.Scan(&a.ID, &a.DebtorID, &a.Kind, &a.Template, &a.Operator, &a.Notes, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterating actions", err)
	}
	return actions, nil
}

func (db *DB) debtorByClientID(ctx context.Context, clientID string) (*model.Debtor, error) {
	var d model.Debtor
	err := db.q.QueryRowContext(ctx,
		`SELECT `+debtorColumns+` FROM debtors d WHERE d.client_id = ?`, clientID,
	).Scan(&d.ID, &d.ClientID, &d.FirstName, &d.LastName, &d.Email, &d.Phone, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("debtor", clientID)
		}
		return nil, wrap(fmt.Sprintf("getting debtor %s", clientID), err)
	}
	return &d, nil
}

// requireDebtor returns apperror.ErrReferentialGap when debtorID is unknown.
func (db *DB) requireDebtor(ctx context.Context, resource, debtorID string) error {
	var one int
	err := db.q.QueryRowContext(ctx, `SELECT 1 FROM debtors WHERE id = ?`, debtorID).Scan(&one)
	if err == sql.ErrNoRows {
		return apperror.ReferentialGap(resource, debtorID)
	}
	if err != nil {
		return wrap(fmt.Sprintf("checking debtor %s", debtorID), err)
	}
	return nil
}

func orElse(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
