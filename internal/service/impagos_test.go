package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/frontdesk/internal/apperror"
	"github.com/sakif/frontdesk/internal/lock"
	"github.com/sakif/frontdesk/internal/model"
	"github.com/sakif/frontdesk/internal/notify"
	"github.com/sakif/frontdesk/internal/repository/sqlite"
	"github.com/sakif/frontdesk/internal/snapshot"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// clock is a settable time source shared by the reconciler under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// onDay moves the clock to hh:mm UTC of March n, 2024.
func (c *clock) onDay(n, hh, mm int) {
	c.set(time.Date(2024, time.March, n, hh, mm, 0, 0, time.UTC))
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	events []notify.SyncCompleted
	err    error
}

func (p *recordingPublisher) PublishSyncCompleted(_ context.Context, ev notify.SyncCompleted) error {
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	rec   *Reconciler
	db    *sqlite.DB
	clock *clock
	lock  *lock.Mutex
	pub   *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := &clock{}
	c.onDay(1, 9, 0)
	mu := lock.NewMutex("ledger", lock.Options{Attempts: 2, Backoff: time.Millisecond})
	pub := &recordingPublisher{}

	rec := NewReconciler(db, mu, slog.New(slog.NewTextHandler(io.Discard, nil)), ReconcilerOptions{
		Location:  time.UTC,
		Publisher: pub,
		Now:       c.Now,
	})
	return &fixture{rec: rec, db: db, clock: c, lock: mu, pub: pub}
}

var header = []string{"Numero de cliente", "Nombre", "Apellidos", "Email", "Numero de incidente"}

func table(rows ...[]string) snapshot.Table {
	return snapshot.Table{Header: header, Rows: rows}
}

func day(n int) civil.Date {
	return civil.Date{Year: 2024, Month: time.March, Day: n}
}

func (f *fixture) sync(t *testing.T, n int, tbl snapshot.Table) {
	t.Helper()
	f.clock.onDay(n, 9, 0)
	date, _, err := f.rec.Sync(context.Background(), tbl, nil)
	require.NoError(t, err)
	require.Equal(t, day(n), date)
}

func (f *fixture) view(t *testing.T, name string) []string {
	t.Helper()
	res, err := f.rec.FetchView(context.Background(), name, nil)
	require.NoError(t, err)
	ids := make([]string, len(res.Rows))
	for i, r := range res.Rows {
		ids[i] = r.ClientID
	}
	return ids
}

func (f *fixture) logEmail(t *testing.T, clientID string) {
	t.Helper()
	_, err := f.rec.LogAction(context.Background(), LogActionInput{
		ClientID: clientID, Kind: model.ActionKindEmail, Template: "aviso-1", Operator: "maria",
	})
	require.NoError(t, err)
}

// =========================================================================
// SYNC
// =========================================================================

func TestSync_ReturnsDateAndCount(t *testing.T) {
	f := newFixture(t)
	f.clock.onDay(4, 23, 30)

	date, n, err := f.rec.Sync(context.Background(), table(
		[]string{"100", "Ana", "Ruiz", "ana@example.com", "1"},
		[]string{"", "Nobody", "", "", "1"},
		[]string{"200", "Luis", "Gil", "", "3"},
	), nil)
	require.NoError(t, err)
	assert.Equal(t, day(4), date)
	assert.Equal(t, 2, n, "rows without client id are skipped")

	pointer, ok, err := f.rec.Pointer(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, day(4), pointer)
}

func TestSync_DateFollowsLocation(t *testing.T) {
	f := newFixture(t)
	f.rec.loc = time.FixedZone("UTC+2", 2*3600)
	f.clock.onDay(4, 23, 30)

	date, _, err := f.rec.Sync(context.Background(), table([]string{"100", "Ana", "", "", "1"}), nil)
	require.NoError(t, err)
	assert.Equal(t, day(5), date)
}

func TestSync_IdempotentResync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tbl := table(
		[]string{"100", "Ana", "Ruiz", "ana@example.com", "1"},
		[]string{"200", "Luis", "Gil", "", "2"},
	)

	f.sync(t, 3, tbl)
	first, err := f.rec.FetchView(ctx, "actuales", nil)
	require.NoError(t, err)

	f.sync(t, 3, tbl)
	second, err := f.rec.FetchView(ctx, "actuales", nil)
	require.NoError(t, err)

	assert.Equal(t, first.Rows, second.Rows)
	hist, err := f.rec.DebtorHistory(ctx, "200")
	require.NoError(t, err)
	assert.Len(t, hist.Events, 1)
	assert.Equal(t, 2, hist.Events[0].IncidentCount)
}

func TestSync_SameDayOverwritesCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.sync(t, 3, table([]string{"100", "Ana", "", "", "1"}))
	f.sync(t, 3, table([]string{"100", "Ana", "", "", "4"}))

	hist, err := f.rec.DebtorHistory(ctx, "100")
	require.NoError(t, err)
	require.Len(t, hist.Events, 1)
	assert.Equal(t, 4, hist.Events[0].IncidentCount)
}

func TestSync_LastNonEmptyContactWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.sync(t, 1, table([]string{"100", "Ana", "Ruiz", "ana@example.com", "1"}))
	f.sync(t, 2, table([]string{"100", "", "", "", "1"}))

	hist, err := f.rec.DebtorHistory(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "Ana", hist.Debtor.FirstName)
	assert.Equal(t, "ana@example.com", hist.Debtor.Email)

	f.sync(t, 3, table([]string{"100", "Ana", "Ruiz", "nueva@example.com", "1"}))
	hist, err = f.rec.DebtorHistory(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "nueva@example.com", hist.Debtor.Email)
}

func TestSync_RosterFillsBlankContact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dir := model.Directory{"100": {FirstName: "Ana", Email: "roster@example.com"}}

	f.clock.onDay(1, 9, 0)
	_, _, err := f.rec.Sync(ctx, table([]string{"100", "", "", "", "1"}), dir)
	require.NoError(t, err)

	hist, err := f.rec.DebtorHistory(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "roster@example.com", hist.Debtor.Email)
	assert.Equal(t, "Ana", hist.Debtor.FirstName)
}

func TestSync_ZeroRecordsStillMovesPointer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sync(t, 1, table([]string{"100", "Ana", "", "", "1"}))

	f.clock.onDay(2, 9, 0)
	_, n, err := f.rec.Sync(ctx, snapshot.Table{Header: []string{"foo", "bar"}, Rows: [][]string{{"1", "2"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Empty(t, f.view(t, "actuales"))
	assert.Equal(t, []string{"100"}, f.view(t, "resueltos"))
}

func TestSync_BusyLeavesLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	lease, err := f.lock.Acquire(ctx)
	require.NoError(t, err)

	_, _, err = f.rec.Sync(ctx, table([]string{"100", "Ana", "", "", "1"}), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrBusy))
	assert.True(t, apperror.IsRetryable(err))

	_, ok, err := f.rec.Pointer(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "pointer must not move when the lock is busy")
	_, err = f.rec.DebtorHistory(ctx, "100")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	assert.Empty(t, f.pub.events)

	require.NoError(t, lease.Release(ctx))
	f.sync(t, 1, table([]string{"100", "Ana", "", "", "1"}))
}

func TestSync_PublishesEvent(t *testing.T) {
	f := newFixture(t)
	f.sync(t, 2, table(
		[]string{"100", "Ana", "", "", "1"},
		[]string{"200", "Luis", "", "", "3"},
		[]string{"300", "Eva", "", "", "1"},
	))

	require.Len(t, f.pub.events, 1)
	ev := f.pub.events[0]
	assert.Equal(t, day(2), ev.ExportDate)
	assert.Equal(t, 3, ev.Records)
	assert.Equal(t, 2, ev.PendingFirst)
	assert.Equal(t, 1, ev.PendingRepeat)
}

func TestSync_PublishFailureDoesNotFailSync(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("broker down")

	f.sync(t, 2, table([]string{"100", "Ana", "", "", "1"}))
	assert.Equal(t, []string{"100"}, f.view(t, "actuales"))
}

// =========================================================================
// VIEWS
// =========================================================================

func TestFetchView_NoPointerIsEmpty(t *testing.T) {
	f := newFixture(t)

	for _, v := range model.Views {
		res, err := f.rec.FetchView(context.Background(), string(v), nil)
		require.NoError(t, err)
		assert.Nil(t, res.Reference)
		assert.NotNil(t, res.Rows)
		assert.Empty(t, res.Rows, v)
	}

	badge, err := f.rec.PendingNotifications(context.Background())
	require.NoError(t, err)
	assert.False(t, badge.Visible)
	assert.Nil(t, badge.Pointer)
}

func TestFetchView_RecurringBoundary(t *testing.T) {
	f := newFixture(t)

	f.sync(t, 1, table([]string{"100", "Gap", "", "", "1"}))
	f.sync(t, 2, table([]string{"200", "Daily", "", "", "1"}))
	f.sync(t, 3, table(
		[]string{"100", "Gap", "", "", "1"},
		[]string{"200", "Daily", "", "", "1"},
		[]string{"300", "New", "", "", "1"},
	))

	assert.Equal(t, []string{"100"}, f.view(t, "reincidentes"))

	res, err := f.rec.FetchView(context.Background(), "actuales", nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.True(t, res.Rows[0].IsRecurring)
	assert.False(t, res.Rows[1].IsRecurring, "a one-day gap is not recurring")
	assert.False(t, res.Rows[2].IsRecurring)
}

func TestFetchView_Resolved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.sync(t, 1, table(
		[]string{"100", "Ana", "", "", "2"},
		[]string{"200", "Luis", "", "", "1"},
	))
	f.sync(t, 2, table([]string{"200", "Luis", "", "", "1"}))

	res, err := f.rec.FetchView(ctx, "resueltos", nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "100", res.Rows[0].ClientID)
	assert.Equal(t, day(1), res.Rows[0].ExportDate)
	assert.Equal(t, 2, res.Rows[0].IncidentCount)
	assert.False(t, res.Rows[0].IsRecurring)

	ref := day(1)
	res, err = f.rec.FetchView(ctx, "resueltos", &ref)
	require.NoError(t, err)
	assert.Empty(t, res.Rows, "nobody is resolved as of the first snapshot")
}

func TestFetchView_ExplicitReferenceDate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sync(t, 1, table([]string{"100", "Ana", "", "", "1"}))
	f.sync(t, 2, table([]string{"200", "Luis", "", "", "1"}))

	ref := day(1)
	res, err := f.rec.FetchView(ctx, "actuales", &ref)
	require.NoError(t, err)
	require.NotNil(t, res.Reference)
	assert.Equal(t, day(1), *res.Reference)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "100", res.Rows[0].ClientID)
}

func TestFetchView_InvalidReferenceDate(t *testing.T) {
	f := newFixture(t)
	bad := civil.Date{Year: 2024, Month: time.February, Day: 30}
	_, err := f.rec.FetchView(context.Background(), "actuales", &bad)
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestFetchView_UnknownNameIsCurrent(t *testing.T) {
	f := newFixture(t)
	f.sync(t, 1, table([]string{"100", "Ana", "", "", "1"}))

	res, err := f.rec.FetchView(context.Background(), "nonsense", nil)
	require.NoError(t, err)
	assert.Equal(t, model.ViewCurrent, res.View)
	assert.Len(t, res.Rows, 1)
}

func TestNotificationGating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.sync(t, 1, table(
		[]string{"100", "Ana", "", "ana@example.com", "1"},
		[]string{"200", "Luis", "", "luis@example.com", "2"},
	))
	assert.Equal(t, []string{"100"}, f.view(t, "incidentes1"))
	assert.Equal(t, []string{"200"}, f.view(t, "incidentes2"))

	f.clock.onDay(1, 10, 0)
	f.logEmail(t, "100")
	f.logEmail(t, "200")
	assert.Empty(t, f.view(t, "incidentes1"))
	assert.Empty(t, f.view(t, "incidentes2"))

	badge, err := f.rec.PendingNotifications(ctx)
	require.NoError(t, err)
	assert.False(t, badge.Visible)

	// The next day the same debtors are pending again.
	f.sync(t, 2, table(
		[]string{"100", "Ana", "", "ana@example.com", "1"},
		[]string{"200", "Luis", "", "luis@example.com", "2"},
	))
	assert.Equal(t, []string{"100"}, f.view(t, "incidentes1"))
	assert.Equal(t, []string{"200"}, f.view(t, "incidentes2"))

	res, err := f.rec.FetchView(ctx, "actuales", nil)
	require.NoError(t, err)
	assert.True(t, res.Rows[0].EmailSent)
	assert.Equal(t, "2024-03-01 10:00", res.Rows[0].EmailHistory)
}

func TestNotificationGating_OnlyEmailsCount(t *testing.T) {
	f := newFixture(t)
	f.sync(t, 1, table([]string{"100", "Ana", "", "", "1"}))

	_, err := f.rec.LogAction(context.Background(), LogActionInput{
		ClientID: "100", Kind: model.ActionKindCall, Operator: "maria",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"100"}, f.view(t, "incidentes1"))
}

// =========================================================================
// ACTIONS AND HISTORY
// =========================================================================

func TestLogAction_Validation(t *testing.T) {
	f := newFixture(t)
	f.sync(t, 1, table([]string{"100", "Ana", "", "", "1"}))

	tests := []struct {
		name  string
		in    LogActionInput
		field string
	}{
		{"missing client", LogActionInput{Kind: "email", Operator: "maria"}, "clientId"},
		{"unknown kind", LogActionInput{ClientID: "100", Kind: "fax", Operator: "maria"}, "kind"},
		{"missing operator", LogActionInput{ClientID: "100", Kind: "email", Operator: "  "}, "operator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.rec.LogAction(context.Background(), tt.in)
			require.Error(t, err)
			var appErr *apperror.AppError
			require.ErrorAs(t, err, &appErr)
			assert.ErrorIs(t, err, apperror.ErrValidation)
			assert.Equal(t, tt.field, appErr.Field)
		})
	}
}

func TestLogAction_NormalizesKind(t *testing.T) {
	f := newFixture(t)
	f.sync(t, 1, table([]string{"100", "Ana", "", "", "1"}))

	action, err := f.rec.LogAction(context.Background(), LogActionInput{
		ClientID: " 100 ", Kind: "EMAIL", Operator: "maria",
	})
	require.NoError(t, err)
	assert.Equal(t, model.ActionKindEmail, action.Kind)
	assert.NotEmpty(t, action.ID)
	assert.True(t, action.CreatedAt.Equal(f.clock.Now()))
}

func TestLogAction_UnknownDebtor(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.LogAction(context.Background(), LogActionInput{
		ClientID: "999", Kind: "email", Operator: "maria",
	})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestLogAction_Busy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sync(t, 1, table([]string{"100", "Ana", "", "", "1"}))

	lease, err := f.lock.Acquire(ctx)
	require.NoError(t, err)
	defer lease.Release(ctx)

	_, err = f.rec.LogAction(ctx, LogActionInput{ClientID: "100", Kind: "email", Operator: "maria"})
	assert.ErrorIs(t, err, apperror.ErrBusy)
}

func TestDebtorHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sync(t, 1, table([]string{"100", "Ana", "", "", "1"}))
	f.sync(t, 3, table([]string{"100", "Ana", "", "", "2"}))
	f.logEmail(t, "100")

	hist, err := f.rec.DebtorHistory(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "100", hist.Debtor.ClientID)
	require.Len(t, hist.Events, 2)
	assert.Equal(t, day(1), hist.Events[0].ExportDate)
	assert.Equal(t, day(3), hist.Events[1].ExportDate)
	require.Len(t, hist.Actions, 1)
	assert.Equal(t, "maria", hist.Actions[0].Operator)

	_, err = f.rec.DebtorHistory(ctx, "")
	assert.ErrorIs(t, err, apperror.ErrValidation)
	_, err = f.rec.DebtorHistory(ctx, "404")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

// =========================================================================
// END TO END
// =========================================================================

// A week at the front desk: a debtor pays, another comes back after a
// pause, a third is emailed and drops out of the pending list for the day.
func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.sync(t, 4, table(
		[]string{"100", "Ana", "Ruiz", "ana@example.com", "1"},
		[]string{"200", "Luis", "Gil", "luis@example.com", "2"},
		[]string{"300", "Eva", "Sanz", "", "1"},
	))
	assert.Equal(t, []string{"100", "200", "300"}, f.view(t, "actuales"))
	assert.Empty(t, f.view(t, "reincidentes"))
	assert.Empty(t, f.view(t, "resueltos"))

	badge, err := f.rec.PendingNotifications(ctx)
	require.NoError(t, err)
	assert.True(t, badge.Visible)
	assert.Equal(t, 2, badge.PendingFirst)
	assert.Equal(t, 1, badge.PendingRepeat)

	// Day 5: Ana paid and Eva is missing from the export.
	f.sync(t, 5, table([]string{"200", "Luis", "Gil", "luis@example.com", "2"}))
	assert.Equal(t, []string{"100", "300"}, f.view(t, "resueltos"))

	// Day 7: Eva is back after a two-day gap, Luis was emailed.
	f.sync(t, 7, table(
		[]string{"200", "Luis", "Gil", "luis@example.com", "3"},
		[]string{"300", "Eva", "Sanz", "eva@example.com", "1"},
	))
	f.clock.onDay(7, 11, 0)
	f.logEmail(t, "200")

	assert.Equal(t, []string{"200", "300"}, f.view(t, "actuales"))
	assert.Equal(t, []string{"200", "300"}, f.view(t, "reincidentes"))
	assert.Equal(t, []string{"300"}, f.view(t, "incidentes1"))
	assert.Empty(t, f.view(t, "incidentes2"))
	assert.Equal(t, []string{"100"}, f.view(t, "resueltos"))

	badge, err = f.rec.PendingNotifications(ctx)
	require.NoError(t, err)
	require.NotNil(t, badge.Pointer)
	assert.Equal(t, day(7), *badge.Pointer)
	assert.True(t, badge.Visible)
	assert.Equal(t, 1, badge.PendingFirst)
	assert.Equal(t, 0, badge.PendingRepeat)

	hist, err := f.rec.DebtorHistory(ctx, "300")
	require.NoError(t, err)
	assert.Equal(t, "eva@example.com", hist.Debtor.Email)
}
