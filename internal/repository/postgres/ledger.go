package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/lib/pq"
	"github.com/rs/xid"

	"github.com/sakif/frontdesk/internal/apperror"
	"github.com/sakif/frontdesk/internal/model"
	"github.com/sakif/frontdesk/internal/repository"
)

// UpsertDebtor relies on ON CONFLICT so two terminals importing the same new
// client at once end with one row.
func (db *DB) UpsertDebtor(ctx context.Context, d *model.Debtor) error {
	if d.ClientID == "" {
		return apperror.ValidationFailed("clientId", "client id is required")
	}

	now := time.Now().UTC()
	err := db.q.QueryRowContext(ctx,
		`INSERT INTO debtors (id, client_id, first_name, last_name, email, phone, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (client_id) DO UPDATE SET
		     first_name = COALESCE(NULLIF(EXCLUDED.first_name, ''), debtors.first_name),
		     last_name  = COALESCE(NULLIF(EXCLUDED.last_name, ''), debtors.last_name),
		     email      = COALESCE(NULLIF(EXCLUDED.email, ''), debtors.email),
		     phone      = COALESCE(NULLIF(EXCLUDED.phone, ''), debtors.phone),
		     updated_at = EXCLUDED.updated_at
		 RETURNING id, first_name, last_name, email, phone, created_at, updated_at`,
		xid.New().String(), d.ClientID, d.FirstName, d.LastName, d.Email, d.Phone, now,
	).Scan(&d.ID, &d.FirstName, &d.LastName, &d.Email, &d.Phone, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return wrap(fmt.Sprintf("upserting debtor (clientID=%s)", d.ClientID), err)
	}
	return nil
}

func (db *DB) RecordEvent(ctx context.Context, debtorID string, exportDate civil.Date, incidentCount int) error {
	if incidentCount < 1 {
		return apperror.ValidationFailed("incidentCount", "incident count must be at least 1")
	}

	_, err := db.q.ExecContext(ctx,
		`INSERT INTO delinquency_events (debtor_id, export_date, incident_count, updated_at)
		 VALUES ($1, $2::date, $3, $4)
		 ON CONFLICT (debtor_id, export_date)
		 DO UPDATE SET incident_count = EXCLUDED.incident_count, updated_at = EXCLUDED.updated_at`,
		debtorID, exportDate.String(), incidentCount, time.Now().UTC(),
	)
	if err != nil {
		switch pqCode(err) {
		case codeForeignKeyViolation:
			return apperror.ReferentialGap("delinquency event", debtorID)
		case codeCheckViolation:
			return apperror.ValidationFailed("incidentCount", "incident count must be at least 1")
		}
		return wrap(fmt.Sprintf("recording event %s/%s", debtorID, exportDate), err)
	}
	return nil
}

// LogAction appends a. A zero CreatedAt is stamped with the current time.
func (db *DB) LogAction(ctx context.Context, a *model.Action) error {
	id := xid.New().String()
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	createdAt = createdAt.UTC()

	_, err := db.q.ExecContext(ctx,
		`INSERT INTO actions (id, debtor_id, kind, template, operator, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, a.DebtorID, a.Kind, a.Template, a.Operator, a.Notes, createdAt,
	)
	if err != nil {
		if pqCode(err) == codeForeignKeyViolation {
			return apperror.ReferentialGap("action", a.DebtorID)
		}
		return wrap(fmt.Sprintf("logging action for debtor %s", a.DebtorID), err)
	}
	a.ID = id
	a.CreatedAt = createdAt
	return nil
}

func (db *DB) SetPointer(ctx context.Context, date civil.Date) error {
	_, err := db.q.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
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
		`SELECT value FROM settings WHERE key = $1`, repository.PointerKey,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return civil.Date{}, false, nil
	}
	if err != nil {
		return civil.Date{}, false, wrap("getting pointer", err)
	}
	d, err := civil.ParseDate(value)
	if err != nil {
		return civil.Date{}, false, fmt.Errorf("postgres: pointer %q is not a date: %w", value, err)
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
		 WHERE e.export_date = $1::date
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
			export   time.Time
			previous sql.NullTime
		)
		if err := rows.Scan(
			&f.Debtor.ID, &f.Debtor.ClientID, &f.Debtor.FirstName, &f.Debtor.LastName,
			&f.Debtor.Email, &f.Debtor.Phone, &f.Debtor.CreatedAt, &f.Debtor.UpdatedAt,
			&export, &f.IncidentCount, &previous,
		); err != nil {
			return nil, fmt.Errorf("postgres: scanning current fact: %w", err)
		}
		f.ExportDate = civil.DateOf(export)
		if previous.Valid {
			p := civil.DateOf(previous.Time)
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
		   AND e.export_date < $1::date
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
			export time.Time
		)
		if err := rows.Scan(
			&f.Debtor.ID, &f.Debtor.ClientID, &f.Debtor.FirstName, &f.Debtor.LastName,
			&f.Debtor.Email, &f.Debtor.Phone, &f.Debtor.CreatedAt, &f.Debtor.UpdatedAt,
			&export, &f.IncidentCount,
		); err != nil {
			return nil, fmt.Errorf("postgres: scanning resolved fact: %w", err)
		}
		f.ExportDate = civil.DateOf(export)
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterating resolved facts", err)
	}
	return facts, nil
}

func (db *DB) EmailActivity(ctx context.Context, debtorIDs []string) (map[string][]time.Time, error) {
	activity := make(map[string][]time.Time)
	if len(debtorIDs) == 0 {
		return activity, nil
	}

	rows, err := db.q.QueryContext(ctx,
		`SELECT debtor_id, created_at FROM actions
		 WHERE kind = $1 AND debtor_id = ANY($2)
		 ORDER BY created_at, id`,
		model.ActionKindEmail, pq.Array(debtorIDs),
	)
	if err != nil {
		return nil, wrap("querying email activity", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			debtorID string
			at       time.Time
		)
		if err := rows.Scan(&debtorID, &at); err != nil {
			return nil, fmt.Errorf("postgres: scanning email activity: %w", err)
		}
		activity[debtorID] = append(activity[debtorID], at)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterating email activity", err)
	}
	return activity, nil
}

func (db *DB) GetDebtorByClientID(ctx context.Context, clientID string) (*model.Debtor, error) {
	var d model.Debtor
	err := db.q.QueryRowContext(ctx,
		`SELECT `+debtorColumns+` FROM debtors d WHERE d.client_id = $1`, clientID,
	).Scan(&d.ID, &d.ClientID, &d.FirstName, &d.LastName, &d.Email, &d.Phone, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("debtor", clientID)
		}
		return nil, wrap(fmt.Sprintf("getting debtor %s", clientID), err)
	}
	return &d, nil
}

func (db *DB) ListEvents(ctx context.Context, debtorID string) ([]model.DelinquencyEvent, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT debtor_id, export_date, incident_count FROM delinquency_events
		 WHERE debtor_id = $1 ORDER BY export_date`,
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
			export time.Time
		)
		if err := rows.Scan(&e.DebtorID, &export, &e.IncidentCount); err != nil {
			return nil, fmt.Errorf("postgres: scanning event: %w", err)
		}
		e.ExportDate = civil.DateOf(export)
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
		 WHERE debtor_id = $1 ORDER BY created_at, id`,
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
			return nil, fmt.Errorf("postgres: scanning action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterating actions", err)
	}
	return actions, nil
}
