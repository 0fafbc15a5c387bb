// Package service holds the business logic between the HTTP/CLI surfaces and
// the ledger.
//
//	ImpagosHandler / cmd/impagos → Reconciler → LedgerRepository (DB)
//	                                          ↘ Locker, view.Engine, notify.Publisher
//
// Every mutation goes through the ledger lock. Reads never take it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/go-playground/validator/v10"

	"github.com/sakif/frontdesk/internal/apperror"
	"github.com/sakif/frontdesk/internal/lock"
	"github.com/sakif/frontdesk/internal/model"
	"github.com/sakif/frontdesk/internal/notify"
	"github.com/sakif/frontdesk/internal/repository"
	"github.com/sakif/frontdesk/internal/snapshot"
	"github.com/sakif/frontdesk/internal/view"
)

// ReconcilerOptions configures a Reconciler. Zero values are usable.
type ReconcilerOptions struct {
	// Location decides the calendar day of a sync and the start of day used
	// for notification gating. Defaults to time.Local.
	Location *time.Location
	// PhoneRegion is the default region for phone canonicalisation.
	PhoneRegion string
	// Publisher receives SyncCompleted events. Defaults to notify.Discard.
	Publisher notify.Publisher
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Reconciler turns daily snapshots into ledger state and answers view queries.
type Reconciler struct {
	repo      repository.LedgerRepository
	locker    lock.Locker
	views     *view.Engine
	norm      *snapshot.Normalizer
	publisher notify.Publisher
	validate  *validator.Validate
	loc       *time.Location
	now       func() time.Time
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler. A nil locker means lock.None().
func NewReconciler(repo repository.LedgerRepository, locker lock.Locker, logger *slog.Logger, opts ReconcilerOptions) *Reconciler {
	if locker == nil {
		locker = lock.None()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{
		repo:      repo,
		locker:    locker,
		views:     view.NewEngine(repo, opts.Location),
		norm:      snapshot.NewNormalizer(opts.PhoneRegion),
		publisher: opts.Publisher,
		validate:  newValidator(),
		loc:       opts.Location,
		now:       opts.Now,
		logger:    logger,
	}
}

// Location returns the configured time zone.
func (r *Reconciler) Location() *time.Location { return r.loc }

// Normalizer exposes the snapshot normalizer so callers can load a roster
// with the same phone region.
func (r *Reconciler) Normalizer() *snapshot.Normalizer { return r.norm }

// Today returns the current calendar date in the configured location.
func (r *Reconciler) Today() civil.Date {
	return civil.DateOf(r.now().In(r.loc))
}

// Sync imports table as today's snapshot. Every record is upserted and its
// event recorded, then the pointer moves to today, all under one lock lease
// and one transaction. When the lock is busy nothing is applied.
//
// Re-running Sync on the same day with the same table leaves the ledger
// unchanged apart from updated_at timestamps.
func (r *Reconciler) Sync(ctx context.Context, table snapshot.Table, dir model.Directory) (civil.Date, int, error) {
	start := time.Now()
	exportDate := r.Today()

	records := r.norm.Normalize(table, dir)
	if len(records) == 0 {
		r.logger.Warn("zero records processed",
			slog.String("exportDate", exportDate.String()),
			slog.Int("rows", len(table.Rows)),
			slog.Int("columns", len(table.Header)),
		)
	}

	err := lock.With(ctx, r.locker, func(ctx context.Context) error {
		return r.repo.WithTx(ctx, func(tx repository.LedgerRepository) error {
			for _, rec := range records {
				d := &model.Debtor{
					ClientID:  rec.ClientID,
					FirstName: rec.FirstName,
					LastName:  rec.LastName,
					Email:     rec.Email,
					Phone:     rec.Phone,
				}
				if err := tx.UpsertDebtor(ctx, d); err != nil {
					return err
				}
				if err := tx.RecordEvent(ctx, d.ID, exportDate, rec.IncidentCount); err != nil {
					return err
				}
			}
			return tx.SetPointer(ctx, exportDate)
		})
	})

	syncsTotal.WithLabelValues(syncStatus(err)).Inc()
	syncDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.logStorageError("sync failed", err, slog.String("exportDate", exportDate.String()))
		return civil.Date{}, 0, fmt.Errorf("service/impagos: sync %s: %w", exportDate, err)
	}
	syncRecords.Observe(float64(len(records)))

	r.logger.Info("snapshot synced",
		slog.String("exportDate", exportDate.String()),
		slog.Int("records", len(records)),
	)

	r.publishSync(ctx, exportDate, len(records))

	return exportDate, len(records), nil
}

func (r *Reconciler) publishSync(ctx context.Context, exportDate civil.Date, records int) {
	ev := notify.SyncCompleted{
		ExportDate:  exportDate,
		Records:     records,
		CompletedAt: r.now().UTC(),
	}
	if badge, err := r.badgeAt(ctx, exportDate); err == nil {
		ev.PendingFirst = badge.PendingFirst
		ev.PendingRepeat = badge.PendingRepeat
	} else {
		r.logger.Warn("computing pending counts for sync event", slog.Any("error", err))
	}

	if err := r.publisher.PublishSyncCompleted(ctx, ev); err != nil {
		publishErrors.Inc()
		r.logger.Warn("publishing sync event", slog.Any("error", err))
	}
}

// ViewResult is a view together with the reference date it was computed for.
// Reference is nil when no snapshot was ever imported.
type ViewResult struct {
	View      model.View        `json:"view"`
	Reference *civil.Date       `json:"reference,omitempty"`
	Rows      []model.DebtorRow `json:"rows"`
}

// FetchView returns the named view. A nil ref means the pointer date; with no
// pointer either, the result is empty and not an error. Unknown names return
// the current view.
func (r *Reconciler) FetchView(ctx context.Context, name string, ref *civil.Date) (*ViewResult, error) {
	v := model.ParseView(name)
	result := &ViewResult{View: v, Rows: []model.DebtorRow{}}

	if ref == nil {
		pointer, ok, err := r.repo.GetPointer(ctx)
		if err != nil {
			return nil, fmt.Errorf("service/impagos: reading pointer: %w", err)
		}
		if !ok {
			return result, nil
		}
		ref = &pointer
	}
	if !ref.IsValid() {
		return nil, apperror.ValidationFailed("date", fmt.Sprintf("invalid reference date %s", ref))
	}

	rows, err := r.views.Fetch(ctx, v, *ref)
	if err != nil {
		return nil, fmt.Errorf("service/impagos: %w", err)
	}
	d := *ref
	result.Reference = &d
	result.Rows = rows
	return result, nil
}

// Pointer returns the date of the latest successful sync.
func (r *Reconciler) Pointer(ctx context.Context) (civil.Date, bool, error) {
	d, ok, err := r.repo.GetPointer(ctx)
	if err != nil {
		return civil.Date{}, false, fmt.Errorf("service/impagos: reading pointer: %w", err)
	}
	return d, ok, nil
}

// PendingNotifications counts the notification views at the pointer date. The
// badge is visible when either count is non-zero.
func (r *Reconciler) PendingNotifications(ctx context.Context) (model.Badge, error) {
	pointer, ok, err := r.Pointer(ctx)
	if err != nil {
		return model.Badge{}, err
	}
	if !ok {
		return model.Badge{}, nil
	}
	return r.badgeAt(ctx, pointer)
}

func (r *Reconciler) badgeAt(ctx context.Context, ref civil.Date) (model.Badge, error) {
	first, err := r.views.Fetch(ctx, model.ViewFirstNotice, ref)
	if err != nil {
		return model.Badge{}, fmt.Errorf("service/impagos: %w", err)
	}
	repeat, err := r.views.Fetch(ctx, model.ViewRepeatNotice, ref)
	if err != nil {
		return model.Badge{}, fmt.Errorf("service/impagos: %w", err)
	}
	return model.Badge{
		Pointer:       &ref,
		PendingFirst:  len(first),
		PendingRepeat: len(repeat),
		Visible:       len(first) > 0 || len(repeat) > 0,
	}, nil
}

// LogActionInput is an operator-confirmed outreach step.
type LogActionInput struct {
	ClientID string `json:"clientId" validate:"required,max=64"`
	Kind     string `json:"kind" validate:"required,oneof=email whatsapp call"`
	Template string `json:"template" validate:"max=200"`
	Operator string `json:"operator" validate:"required,max=100"`
	Notes    string `json:"notes" validate:"max=2000"`
}

// LogAction appends an action to the debtor's history. Email actions hold the
// debtor back from the notification views for the rest of the day.
func (r *Reconciler) LogAction(ctx context.Context, in LogActionInput) (*model.Action, error) {
	in.ClientID = strings.TrimSpace(in.ClientID)
	in.Kind = strings.ToLower(strings.TrimSpace(in.Kind))
	in.Operator = strings.TrimSpace(in.Operator)

	if err := r.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	debtor, err := r.repo.GetDebtorByClientID(ctx, in.ClientID)
	if err != nil {
		return nil, fmt.Errorf("service/impagos: looking up debtor %s: %w", in.ClientID, err)
	}

	action := &model.Action{
		DebtorID:  debtor.ID,
		Kind:      in.Kind,
		Template:  in.Template,
		Operator:  in.Operator,
		Notes:     in.Notes,
		CreatedAt: r.now(),
	}

	err = lock.With(ctx, r.locker, func(ctx context.Context) error {
		return r.repo.LogAction(ctx, action)
	})
	if err != nil {
		r.logStorageError("logging action failed", err, slog.String("clientID", in.ClientID))
		return nil, fmt.Errorf("service/impagos: logging %s action for %s: %w", in.Kind, in.ClientID, err)
	}

	actionsLogged.WithLabelValues(action.Kind).Inc()
	r.logger.Info("action logged",
		slog.String("clientID", in.ClientID),
		slog.String("kind", action.Kind),
		slog.String("operator", action.Operator),
	)
	return action, nil
}

// DebtorHistory returns the debtor with every event and action on record.
func (r *Reconciler) DebtorHistory(ctx context.Context, clientID string) (*model.DebtorHistory, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, apperror.ValidationFailed("clientId", "client id is required")
	}

	debtor, err := r.repo.GetDebtorByClientID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("service/impagos: looking up debtor %s: %w", clientID, err)
	}
	events, err := r.repo.ListEvents(ctx, debtor.ID)
	if err != nil {
		return nil, fmt.Errorf("service/impagos: listing events of %s: %w", clientID, err)
	}
	actions, err := r.repo.ListActions(ctx, debtor.ID)
	if err != nil {
		return nil, fmt.Errorf("service/impagos: listing actions of %s: %w", clientID, err)
	}

	return &model.DebtorHistory{Debtor: debtor, Events: events, Actions: actions}, nil
}

func (r *Reconciler) logStorageError(msg string, err error, attrs ...any) {
	attrs = append(attrs, slog.Any("error", err))
	switch {
	case errors.Is(err, apperror.ErrReferentialGap):
		r.logger.Error(msg+": referential gap", attrs...)
	case apperror.IsRetryable(err):
		r.logger.Warn(msg, attrs...)
	default:
		r.logger.Error(msg, attrs...)
	}
}

// validationError converts the first validator failure into an AppError.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperror.ValidationFailed("", err.Error())
	}
	fe := verrs[0]
	field := fe.Field()
	var msg string
	switch fe.Tag() {
	case "required":
		msg = fmt.Sprintf("%s is required", field)
	case "oneof":
		msg = fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "max":
		msg = fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		msg = fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
	return apperror.ValidationFailed(field, msg)
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func isBusy(err error) bool        { return errors.Is(err, apperror.ErrBusy) }
func isUnavailable(err error) bool { return errors.Is(err, apperror.ErrUnavailable) }
