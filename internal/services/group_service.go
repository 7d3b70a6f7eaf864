package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"conti/internal/amqp"
	"conti/internal/cache"
	"conti/internal/core"
	"conti/internal/ledger"
	applog "conti/internal/log"
	"conti/internal/metrics"
	"conti/internal/report"
	"conti/internal/storage"
)

// DefaultMaxAttempts bounds the load -> apply -> save cycle when saves
// keep losing the version race.
const DefaultMaxAttempts = 3

// Publisher announces saved group versions. *amqp.Client satisfies it.
type Publisher interface {
	PublishGroupChanged(ctx context.Context, msg amqp.GroupChangedMessage) error
}

// GroupService orchestrates group operations: it loads a group, applies a
// ledger operation, saves the result under an optimistic version check and
// publishes a change event.
type GroupService struct {
	repo        storage.Repository
	engine      *ledger.Engine
	publisher   Publisher
	stats       cache.Cache[report.Stats]
	metrics     *metrics.Metrics
	logger      *applog.Logger
	structured  *applog.StructuredLogger
	newID       func() string
	maxAttempts int
}

type Option func(*GroupService)

// WithPublisher enables change events. Without one nothing is published.
func WithPublisher(p Publisher) Option { return func(s *GroupService) { s.publisher = p } }

// WithStatsCache caches statistics per group version.
func WithStatsCache(c cache.Cache[report.Stats]) Option {
	return func(s *GroupService) { s.stats = c }
}

func WithMetrics(m *metrics.Metrics) Option { return func(s *GroupService) { s.metrics = m } }

func WithLogger(l *applog.Logger) Option { return func(s *GroupService) { s.logger = l } }

// WithIDGenerator overrides how group, member and expense ids are made.
func WithIDGenerator(fn func() string) Option { return func(s *GroupService) { s.newID = fn } }

func WithMaxAttempts(n int) Option { return func(s *GroupService) { s.maxAttempts = n } }

func NewGroupService(repo storage.Repository, opts ...Option) *GroupService {
	s := &GroupService{
		repo:        repo,
		newID:       uuid.NewString,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = ledger.New(ledger.WithIDGenerator(s.newID))
	if s.logger == nil {
		s.logger = applog.New(applog.DefaultConfig())
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = 1
	}
	s.logger = s.logger.WithComponent(applog.ComponentLedger)
	s.structured = applog.NewStructuredLogger(s.logger)
	return s
}

// CreateGroupInput describes a new group.
type CreateGroupInput struct {
	Name    string
	Symbol  string
	Members []string
}

// ExpenseInput is a fully parsed expense as submitted by a client.
type ExpenseInput struct {
	Title    string
	Amount   core.Money
	Time     time.Time
	Category core.Category
	PayerID  string
	PaidFor  []string
	Paid     bool
}

func (in ExpenseInput) expense(id string) core.Expense {
	e := core.Expense{
		ID:       id,
		Title:    strings.TrimSpace(in.Title),
		Amount:   in.Amount,
		Time:     in.Time,
		Category: in.Category,
		Payer:    core.MemberRef{ID: in.PayerID},
		Paid:     in.Paid,
	}
	if e.Category == "" {
		e.Category = core.CategoryOther
	}
	for _, id := range in.PaidFor {
		e.PaidFor = append(e.PaidFor, core.MemberRef{ID: id})
	}
	return e
}

// CreateGroup stores a new group whose members all start at zero.
func (s *GroupService) CreateGroup(ctx context.Context, in CreateGroupInput) (core.Group, error) {
	start := time.Now()

	g := core.Group{
		ID:     s.newID(),
		Name:   strings.TrimSpace(in.Name),
		Symbol: strings.TrimSpace(in.Symbol),
	}
	if g.Symbol == "" {
		g.Symbol = core.DefaultSymbol
	}

	var err error
	for _, name := range in.Members {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if g, _, err = s.engine.AddMember(g, name); err != nil {
			break
		}
	}
	if err == nil {
		err = g.Validate()
	}

	var saved core.Group
	if err == nil {
		saved, err = s.repo.Save(ctx, g)
	}
	s.record(ctx, applog.OpCreateGroup, g.ID, "", saved.Version, start, err)
	if err != nil {
		return core.Group{}, err
	}

	s.publish(ctx, amqp.NewGroupChangedMessage(saved.ID, saved.Version, applog.OpCreateGroup, ""))
	return saved, nil
}

func (s *GroupService) ListGroups(ctx context.Context) ([]core.GroupSummary, error) {
	groups, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

func (s *GroupService) GetGroup(ctx context.Context, id string) (core.Group, error) {
	return s.repo.Load(ctx, id)
}

func (s *GroupService) DeleteGroup(ctx context.Context, id string) error {
	start := time.Now()
	err := s.repo.Delete(ctx, id)
	s.record(ctx, applog.OpDeleteGroup, id, "", 0, start, err)
	if err != nil {
		return err
	}

	s.invalidate(id)
	msg := amqp.NewGroupChangedMessage(id, 0, applog.OpDeleteGroup, "")
	msg.Deleted = true
	s.publish(ctx, msg)
	return nil
}

// AddMember adds a member with a zero balance and returns it.
func (s *GroupService) AddMember(ctx context.Context, groupID, name string) (core.Group, core.Member, error) {
	var added core.Member
	g, err := s.mutate(ctx, applog.OpAddMember, groupID, "", func(g core.Group) (core.Group, error) {
		out, m, err := s.engine.AddMember(g, name)
		added = m
		return out, err
	})
	if err != nil {
		return core.Group{}, core.Member{}, err
	}
	return g, added, nil
}

// CreateExpense records a new expense and returns it as stored.
func (s *GroupService) CreateExpense(ctx context.Context, groupID string, in ExpenseInput) (core.Group, core.Expense, error) {
	// One id for every attempt so a retried save records the same expense.
	e := in.expense(s.newID())
	g, err := s.mutate(ctx, applog.OpCreate, groupID, e.ID, func(g core.Group) (core.Group, error) {
		return s.engine.ApplyCreate(g, e)
	})
	if err != nil {
		return core.Group{}, core.Expense{}, err
	}
	created, _, _ := g.Expense(e.ID)
	s.logger.DebugContext(ctx, "Expense recorded",
		applog.NewFields().WithGroup(g.ID, g.Version).WithExpense(created).ToSlice()...)
	return g, created, nil
}

// EditExpense replaces an expense, keeping its id.
func (s *GroupService) EditExpense(ctx context.Context, groupID, expenseID string, p ledger.Patch) (core.Group, error) {
	return s.mutate(ctx, applog.OpUpdate, groupID, expenseID, func(g core.Group) (core.Group, error) {
		return s.engine.ApplyEdit(g, expenseID, p)
	})
}

func (s *GroupService) MarkPaid(ctx context.Context, groupID, expenseID string, paid bool) (core.Group, error) {
	return s.mutate(ctx, applog.OpMarkPaid, groupID, expenseID, func(g core.Group) (core.Group, error) {
		return s.engine.MarkPaid(g, expenseID, paid)
	})
}

func (s *GroupService) DeleteExpense(ctx context.Context, groupID, expenseID string) (core.Group, error) {
	return s.mutate(ctx, applog.OpDelete, groupID, expenseID, func(g core.Group) (core.Group, error) {
		return s.engine.ApplyDelete(g, expenseID)
	})
}

// Settle zeroes fromID's balance with a payment between fromID and toID.
func (s *GroupService) Settle(ctx context.Context, groupID, fromID, toID string) (core.Group, error) {
	return s.mutate(ctx, applog.OpSettle, groupID, "", func(g core.Group) (core.Group, error) {
		return s.engine.Settle(g, fromID, toID)
	})
}

// ListExpenses returns the group's expenses matching f, newest first.
func (s *GroupService) ListExpenses(ctx context.Context, groupID string, f report.Filter) ([]core.Expense, error) {
	g, err := s.repo.Load(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return f.Apply(g.Expenses), nil
}

// Stats aggregates the group's spending. Results are cached per group
// version, so a cached entry can never be stale.
func (s *GroupService) Stats(ctx context.Context, groupID string, f report.Filter) (report.Stats, error) {
	g, err := s.repo.Load(ctx, groupID)
	if err != nil {
		return report.Stats{}, err
	}

	cacheable := s.stats != nil && f.IsEmpty()
	key := statsKey(g.ID, g.Version)
	if cacheable {
		if st, ok := s.stats.Get(key); ok {
			return st, nil
		}
	}

	st := report.Aggregate(f.Apply(g.Expenses))
	if cacheable {
		s.stats.Set(key, st)
	}
	return st, nil
}

func (s *GroupService) Selection(ctx context.Context, groupID string, expenseIDs []string) (report.Selection, error) {
	g, err := s.repo.Load(ctx, groupID)
	if err != nil {
		return report.Selection{}, err
	}
	return report.SelectionTotals(g, expenseIDs)
}

func (s *GroupService) Suggestions(ctx context.Context, groupID string) ([]report.Transfer, error) {
	g, err := s.repo.Load(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return report.SuggestSettlements(g.Members), nil
}

// Verify recomputes balances from history and returns a
// *core.ConsistencyError when they disagree with the stored ones.
func (s *GroupService) Verify(ctx context.Context, groupID string) error {
	g, err := s.repo.Load(ctx, groupID)
	if err != nil {
		return err
	}
	return s.verify(ctx, g)
}

func (s *GroupService) verify(ctx context.Context, g core.Group) error {
	err := ledger.Verify(g)
	var cerr *core.ConsistencyError
	switch {
	case err == nil:
		s.metrics.ConsistencyCheck("ok")
	case errors.As(err, &cerr):
		s.metrics.ConsistencyCheck("inconsistent")
		s.structured.LogConsistency(ctx, cerr)
	default:
		s.metrics.ConsistencyCheck("error")
	}
	return err
}

// Repair rewrites a group's balances and total spending from its history.
// It reports whether anything had to change.
func (s *GroupService) Repair(ctx context.Context, groupID string) (bool, error) {
	_, err := s.mutate(ctx, applog.OpRepair, groupID, "", func(g core.Group) (core.Group, error) {
		if s.verify(ctx, g) == nil {
			return g, errUnchanged
		}
		return ledger.Reconcile(g)
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.metrics.Repaired()
	return true, nil
}

// errUnchanged short-circuits mutate when there is nothing to save.
var errUnchanged = errors.New("group unchanged")

// Ping checks the repository.
func (s *GroupService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// mutate runs the load -> apply -> save cycle, retrying when the save
// loses a version race.
func (s *GroupService) mutate(ctx context.Context, op, groupID, expenseID string, apply func(core.Group) (core.Group, error)) (core.Group, error) {
	start := time.Now()

	var (
		saved core.Group
		err   error
	)
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		var g core.Group
		if g, err = s.repo.Load(ctx, groupID); err != nil {
			break
		}
		var next core.Group
		if next, err = apply(g); err != nil {
			break
		}
		if saved, err = s.repo.Save(ctx, next); err == nil || !errors.Is(err, core.ErrVersionConflict) {
			break
		}

		s.metrics.VersionConflict()
		s.logger.DebugContext(ctx, "Version conflict, retrying",
			applog.FieldOperation, op,
			applog.FieldGroupID, groupID,
			applog.FieldAttempt, attempt)
	}

	if errors.Is(err, errUnchanged) {
		return core.Group{}, err
	}
	s.record(ctx, op, groupID, expenseID, saved.Version, start, err)
	if err != nil {
		return core.Group{}, err
	}

	s.invalidate(groupID)
	s.publish(ctx, amqp.NewGroupChangedMessage(saved.ID, saved.Version, op, expenseID))
	return saved, nil
}

func (s *GroupService) record(ctx context.Context, op, groupID, expenseID string, version int64, start time.Time, err error) {
	if err == nil {
		s.metrics.Mutation(op, "ok")
	} else {
		s.metrics.Mutation(op, applog.ErrorType(err))
	}
	s.structured.LogMutation(ctx, op, groupID, expenseID, version, time.Since(start), err)
}

// publish is best effort: the group is already saved and the worker's
// periodic sweep catches anything an event would have triggered.
func (s *GroupService) publish(ctx context.Context, msg amqp.GroupChangedMessage) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishGroupChanged(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish group change",
			applog.FieldGroupID, msg.GroupID,
			applog.FieldVersion, msg.Version,
			applog.FieldError, err)
	}
}

func (s *GroupService) invalidate(groupID string) {
	if s.stats != nil {
		s.stats.DeletePrefix(groupID + ":")
	}
}

func statsKey(groupID string, version int64) string {
	return groupID + ":" + strconv.FormatInt(version, 10)
}
