package worker

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"conti/internal/amqp"
	"conti/internal/core"
	applog "conti/internal/log"
	"conti/internal/services"
	"conti/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExporter struct {
	mu       sync.Mutex
	exported []string
	err      error
}

func (e *recordingExporter) ExportGroup(_ context.Context, g core.Group) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.exported = append(e.exported, g.ID)
	return nil
}

func quietLogger() *applog.Logger {
	return applog.New(applog.Config{Format: applog.FormatJSON, Output: &bytes.Buffer{}})
}

type env struct {
	repo *memory.Store
	svc  *services.GroupService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo := memory.New()
	return &env{repo: repo, svc: services.NewGroupService(repo, services.WithLogger(quietLogger()))}
}

func (e *env) group(t *testing.T, name string) core.Group {
	t.Helper()
	ctx := context.Background()
	g, err := e.svc.CreateGroup(ctx, services.CreateGroupInput{Name: name, Members: []string{"Alice", "Bob"}})
	require.NoError(t, err)
	g, _, err = e.svc.CreateExpense(ctx, g.ID, services.ExpenseInput{
		Title:   "Dinner",
		Amount:  core.Money{Cents: 1000},
		PayerID: g.Members[0].ID,
		PaidFor: []string{g.Members[0].ID, g.Members[1].ID},
	})
	require.NoError(t, err)
	return g
}

func (e *env) corrupt(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	g, err := e.repo.Load(ctx, id)
	require.NoError(t, err)
	g.Members[1].Balance = core.Money{Cents: 42}
	_, err = e.repo.Save(ctx, g)
	require.NoError(t, err)
}

func TestReconcile_Consistent(t *testing.T) {
	e := newEnv(t)
	g := e.group(t, "Trip")
	exp := &recordingExporter{}
	r := NewReconciler(e.svc, exp, nil, quietLogger(), Config{})

	outcome, err := r.Reconcile(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConsistent, outcome)
	assert.Equal(t, []string{g.ID}, exp.exported)
}

func TestReconcile_ReportOnly(t *testing.T) {
	e := newEnv(t)
	g := e.group(t, "Trip")
	e.corrupt(t, g.ID)
	r := NewReconciler(e.svc, nil, nil, quietLogger(), Config{Repair: false})

	outcome, err := r.Reconcile(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInconsistent, outcome)
	assert.True(t, core.IsConsistency(e.svc.Verify(context.Background(), g.ID)))
}

func TestReconcile_Repair(t *testing.T) {
	e := newEnv(t)
	g := e.group(t, "Trip")
	e.corrupt(t, g.ID)
	r := NewReconciler(e.svc, nil, nil, quietLogger(), Config{Repair: true})

	outcome, err := r.Reconcile(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRepaired, outcome)
	assert.NoError(t, e.svc.Verify(context.Background(), g.ID))

	fixed, err := e.svc.GetGroup(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-500), fixed.Members[1].Balance.Cents)
}

func TestReconcile_UnknownMemberInHistory(t *testing.T) {
	e := newEnv(t)
	g := e.group(t, "Trip")
	ctx := context.Background()
	stored, err := e.repo.Load(ctx, g.ID)
	require.NoError(t, err)
	stored.Expenses[0].Payer = core.MemberRef{ID: "ghost"}
	_, err = e.repo.Save(ctx, stored)
	require.NoError(t, err)

	r := NewReconciler(e.svc, nil, nil, quietLogger(), Config{})
	outcome, err := r.Reconcile(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInconsistent, outcome)
}

func TestReconcile_MissingGroupIsNotAnError(t *testing.T) {
	e := newEnv(t)
	r := NewReconciler(e.svc, &recordingExporter{}, nil, quietLogger(), Config{})

	outcome, err := r.Reconcile(context.Background(), "gone")
	require.NoError(t, err)
	assert.Equal(t, OutcomeGone, outcome)
}

func TestReconcile_ExportFailure(t *testing.T) {
	e := newEnv(t)
	g := e.group(t, "Trip")
	r := NewReconciler(e.svc, &recordingExporter{err: errors.New("quota")}, nil, quietLogger(), Config{})

	_, err := r.Reconcile(context.Background(), g.ID)
	assert.ErrorContains(t, err, "quota")
}

func TestHandleGroupChanged(t *testing.T) {
	e := newEnv(t)
	g := e.group(t, "Trip")
	exp := &recordingExporter{}
	r := NewReconciler(e.svc, exp, nil, quietLogger(), Config{})
	ctx := context.Background()

	require.NoError(t, r.HandleGroupChanged(ctx, amqp.NewGroupChangedMessage(g.ID, g.Version, applog.OpCreate, "")))
	assert.Len(t, exp.exported, 1)

	deleted := amqp.NewGroupChangedMessage(g.ID, 0, applog.OpDeleteGroup, "")
	deleted.Deleted = true
	require.NoError(t, r.HandleGroupChanged(ctx, deleted))
	assert.Len(t, exp.exported, 1)
}

func TestSweep(t *testing.T) {
	e := newEnv(t)
	var ids []string
	for _, name := range []string{"A", "B", "C", "D", "E"} {
		ids = append(ids, e.group(t, name).ID)
	}
	e.corrupt(t, ids[1])
	e.corrupt(t, ids[3])

	exp := &recordingExporter{}
	r := NewReconciler(e.svc, exp, nil, quietLogger(), Config{Repair: true, Concurrency: 3})

	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Groups: 5, Inconsistent: 2, Repaired: 2}, res)
	assert.ElementsMatch(t, ids, exp.exported)

	res, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Groups: 5}, res)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	e.group(t, "Trip")
	r := NewReconciler(e.svc, nil, nil, quietLogger(), Config{Interval: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
