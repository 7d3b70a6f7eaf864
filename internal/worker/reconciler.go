// Package worker reconciles stored balances with expense history, driven by
// group change events and a periodic sweep over every group.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"conti/internal/amqp"
	"conti/internal/core"
	"conti/internal/export/sheets"
	applog "conti/internal/log"
	"conti/internal/metrics"
)

// Ledger is the part of the group service the worker needs.
type Ledger interface {
	GetGroup(ctx context.Context, id string) (core.Group, error)
	ListGroups(ctx context.Context) ([]core.GroupSummary, error)
	Verify(ctx context.Context, id string) error
	Repair(ctx context.Context, id string) (bool, error)
}

// Config tunes the reconciler.
type Config struct {
	// Repair rewrites inconsistent balances from history instead of only
	// reporting them.
	Repair      bool
	Concurrency int
	Interval    time.Duration
}

// Outcome is what reconciling one group led to.
type Outcome string

const (
	OutcomeConsistent   Outcome = "consistent"
	OutcomeInconsistent Outcome = "inconsistent"
	OutcomeRepaired     Outcome = "repaired"
	OutcomeGone         Outcome = "gone"
)

// SweepResult counts outcomes across one sweep.
type SweepResult struct {
	Groups       int
	Inconsistent int
	Repaired     int
	Failed       int
}

type Reconciler struct {
	ledger   Ledger
	exporter sheets.Exporter
	metrics  *metrics.Metrics
	logger   *applog.Logger
	cfg      Config
}

// NewReconciler builds a reconciler. exporter and m may be nil.
func NewReconciler(l Ledger, exporter sheets.Exporter, m *metrics.Metrics, logger *applog.Logger, cfg Config) *Reconciler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	return &Reconciler{
		ledger:   l,
		exporter: exporter,
		metrics:  m,
		logger:   logger.WithComponent(applog.ComponentWorker),
		cfg:      cfg,
	}
}

// HandleGroupChanged processes one change event. Errors make the consumer
// nack the message.
func (r *Reconciler) HandleGroupChanged(ctx context.Context, msg amqp.GroupChangedMessage) error {
	log := r.logger.With(
		applog.FieldGroupID, msg.GroupID,
		applog.FieldVersion, msg.Version,
		applog.FieldOperation, msg.Operation)

	if msg.Deleted {
		log.DebugContext(ctx, "Group deleted, nothing to reconcile")
		return nil
	}

	outcome, err := r.Reconcile(ctx, msg.GroupID)
	if err != nil {
		return err
	}
	log.DebugContext(ctx, "Processed group change", "outcome", outcome)
	return nil
}

// Reconcile verifies one group, repairs it when configured to, then
// exports it. A group that no longer exists is not an error.
func (r *Reconciler) Reconcile(ctx context.Context, groupID string) (Outcome, error) {
	outcome := OutcomeConsistent

	err := r.ledger.Verify(ctx, groupID)
	switch {
	case core.IsNotFound(err):
		return OutcomeGone, nil
	case core.IsConsistency(err):
		outcome = OutcomeInconsistent
		if r.cfg.Repair {
			repaired, rerr := r.ledger.Repair(ctx, groupID)
			if rerr != nil {
				return outcome, fmt.Errorf("repair group %s: %w", groupID, rerr)
			}
			if repaired {
				outcome = OutcomeRepaired
				r.logger.WarnContext(ctx, "Rebuilt balances from history",
					applog.FieldGroupID, groupID,
					applog.FieldOperation, applog.OpRepair)
			}
		}
	case err != nil:
		return outcome, fmt.Errorf("verify group %s: %w", groupID, err)
	}

	if r.exporter != nil {
		if err := r.export(ctx, groupID); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

func (r *Reconciler) export(ctx context.Context, groupID string) error {
	g, err := r.ledger.GetGroup(ctx, groupID)
	if core.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load group %s for export: %w", groupID, err)
	}

	err = r.exporter.ExportGroup(ctx, g)
	r.metrics.Export(err == nil)
	if err != nil {
		return fmt.Errorf("export group %s: %w", groupID, err)
	}
	r.logger.DebugContext(ctx, "Exported group",
		applog.FieldGroupID, groupID,
		applog.FieldVersion, g.Version,
		applog.FieldOperation, applog.OpExport)
	return nil
}

// Sweep reconciles every group with at most Concurrency in flight. A
// failing group is logged and counted; only a failure to list groups
// aborts the sweep.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	groups, err := r.ledger.ListGroups(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list groups: %w", err)
	}

	var inconsistent, repaired, failed atomic.Int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.cfg.Concurrency)

	for _, g := range groups {
		id := g.ID
		eg.Go(func() error {
			outcome, err := r.Reconcile(egCtx, id)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				failed.Add(1)
				r.logger.ErrorContext(egCtx, "Failed to reconcile group",
					applog.FieldGroupID, id,
					applog.FieldError, err)
				return nil
			}
			switch outcome {
			case OutcomeInconsistent:
				inconsistent.Add(1)
			case OutcomeRepaired:
				inconsistent.Add(1)
				repaired.Add(1)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return SweepResult{}, err
	}

	res := SweepResult{
		Groups:       len(groups),
		Inconsistent: int(inconsistent.Load()),
		Repaired:     int(repaired.Load()),
		Failed:       int(failed.Load()),
	}
	r.logger.InfoContext(ctx, "Reconciliation sweep finished",
		"groups", res.Groups,
		"inconsistent", res.Inconsistent,
		"repaired", res.Repaired,
		"failed", res.Failed,
		applog.FieldDuration, time.Since(start).Milliseconds())
	return res, nil
}

// Run sweeps once immediately and then every Interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.ErrorContext(ctx, "Reconciliation sweep failed", applog.FieldError, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
