package group

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/internal/policy"
	"github.com/dhawalhost/permseal/internal/template"
	"github.com/dhawalhost/permseal/pkg/observability"
)

const taskBatchSize = 20

// PolicyCleaner is the slice of the policy service the expiry sweep
// uses.
type PolicyCleaner interface {
	Subjects(ctx context.Context) ([]policy.Subject, error)
	ListExpired(ctx context.Context, subject policy.Subject, expiredAt int64) ([]policy.ThinPolicy, error)
	DeleteByIDs(ctx context.Context, systemID string, subject policy.Subject, policyIDs []int64) error
}

// WorkerOptions tunes the task runner and the expiry sweep.
type WorkerOptions struct {
	PollInterval  time.Duration
	MaxAttempts   int
	SweepInterval time.Duration
	CleanupAge    time.Duration
}

// Worker applies enqueued authorization tasks and periodically sweeps
// expired members and policies. It wakes on a poll ticker and on
// enqueue notifications from the group service.
type Worker struct {
	store     Store
	policies  PolicyWriter
	templates TemplateGate
	backend   BackendClient
	cleaner   PolicyCleaner
	opts      WorkerOptions
	notify    <-chan struct{}
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewWorker creates a task runner. metrics may be nil.
func NewWorker(
	store Store,
	policies PolicyWriter,
	templates TemplateGate,
	backendClient BackendClient,
	cleaner PolicyCleaner,
	opts WorkerOptions,
	notify <-chan struct{},
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Hour
	}
	if opts.CleanupAge <= 0 {
		opts.CleanupAge = 24 * time.Hour
	}
	return &Worker{
		store:     store,
		policies:  policies,
		templates: templates,
		backend:   backendClient,
		cleaner:   cleaner,
		opts:      opts,
		notify:    notify,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run drains tasks until the context is canceled. A failed task keeps
// its locks and is retried on the next tick until its attempts run out.
func (w *Worker) Run(ctx context.Context) error {
	poll := time.NewTicker(w.opts.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(w.opts.SweepInterval)
	defer sweep.Stop()

	w.logger.Info("Authorization task runner started",
		zap.Duration("poll_interval", w.opts.PollInterval),
		zap.Int("max_attempts", w.opts.MaxAttempts),
	)
	w.drainTasks(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Authorization task runner stopped")
			return ctx.Err()
		case <-w.notify:
			w.drainTasks(ctx)
		case <-poll.C:
			w.drainTasks(ctx)
		case <-sweep.C:
			w.sweepExpired(ctx)
		}
	}
}

// drainTasks runs one batch of pending tasks. A failed task is bumped
// and waits for the next tick, so one bad batch cannot spin the runner.
func (w *Worker) drainTasks(ctx context.Context) {
	tasks, err := w.store.ListPendingTasks(ctx, taskBatchSize, w.opts.MaxAttempts)
	if err != nil {
		w.logger.Error("Failed to list pending tasks", zap.Error(err))
		return
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		if err := w.applyTask(ctx, t); err != nil {
			w.countTask(t.Type, "failed")
			w.logger.Error("Failed to apply authorization task",
				zap.Int64("task_id", t.ID),
				zap.String("task_key", t.Key),
				zap.Int("attempts", t.Attempts),
				zap.Error(err),
			)
			if err := w.store.BumpTaskAttempts(ctx, t.ID); err != nil {
				w.logger.Error("Failed to bump task attempts", zap.Int64("task_id", t.ID), zap.Error(err))
			}
			continue
		}
		w.countTask(t.Type, "applied")
	}
}

func (w *Worker) countTask(taskType, status string) {
	if w.metrics != nil {
		w.metrics.AuthorizeTasksTotal.WithLabelValues(taskType, status).Inc()
	}
}

// applyTask applies every lock of one authorization batch, then marks
// the task done. Each lock is deleted only after its snapshot is fully
// applied, so a crash between locks resumes where it left off: template
// locks skip work already recorded, custom locks re-diff against
// current state.
func (w *Worker) applyTask(ctx context.Context, t Task) error {
	locks, err := w.store.ListLocksByKey(ctx, t.Key)
	if err != nil {
		return err
	}
	for i := range locks {
		if err := w.applyLock(ctx, &locks[i]); err != nil {
			return err
		}
	}
	if err := w.store.MarkTaskDone(ctx, t.ID); err != nil {
		return err
	}
	w.logger.Info("Applied group authorization",
		zap.Int64("group_id", t.GroupID),
		zap.String("task_key", t.Key),
		zap.Int("locks", len(locks)),
	)
	return nil
}

func (w *Worker) applyLock(ctx context.Context, lock *AuthorizeLock) error {
	subject := policy.NewGroupSubject(strconv.FormatInt(lock.GroupID, 10))

	if lock.TemplateID == CustomTemplateID {
		if err := w.policies.Grant(ctx, lock.SystemID, subject, lock.Policies); err != nil {
			return err
		}
		return w.store.DeleteLock(ctx, lock.ID)
	}

	_, err := w.templates.LinkFor(ctx, lock.TemplateID, subject)
	if err == nil {
		// Already applied and recorded, only the lock is left over.
		return w.store.DeleteLock(ctx, lock.ID)
	}
	if !errors.Is(err, template.ErrNotFound) {
		return err
	}

	if err := w.backend.AlterTemplatePolicies(ctx, lock.SystemID, subject, lock.TemplateID, lock.Policies, nil); err != nil {
		return err
	}
	if err := w.templates.RecordGrant(ctx, lock.TemplateID, lock.SystemID, subject, lock.Policies); err != nil {
		return err
	}
	return w.store.DeleteLock(ctx, lock.ID)
}

// sweepExpired drops memberships and policies whose expiration passed
// more than the cleanup age ago. Group policies are permanent, access
// through a group ends by membership expiry instead.
func (w *Worker) sweepExpired(ctx context.Context) {
	cutoff := time.Now().Add(-w.opts.CleanupAge).Unix()
	w.sweepMembers(ctx, cutoff)
	w.sweepPolicies(ctx, cutoff)
}

func (w *Worker) sweepMembers(ctx context.Context, cutoff int64) {
	groups, err := w.store.ListGroups(ctx, 0)
	if err != nil {
		w.logger.Error("Failed to list groups for expiry sweep", zap.Error(err))
		return
	}
	for _, g := range groups {
		expired, err := w.store.ListMembersBefore(ctx, g.ID, cutoff)
		if err != nil {
			w.logger.Error("Failed to list expired members", zap.Int64("group_id", g.ID), zap.Error(err))
			continue
		}
		if len(expired) == 0 {
			continue
		}

		subjects := make([]policy.Subject, 0, len(expired))
		for _, m := range expired {
			subjects = append(subjects, policy.Subject{Type: m.Type, ID: m.ID})
		}
		err = w.store.InTransaction(ctx, func(tx Store) error {
			if err := tx.RemoveMembers(ctx, g.ID, subjects); err != nil {
				return err
			}
			return w.backend.DeleteSubjectMembers(ctx, g.Subject(), subjects)
		})
		if err != nil {
			w.logger.Error("Failed to remove expired members", zap.Int64("group_id", g.ID), zap.Error(err))
			continue
		}
		w.logger.Info("Removed expired group members", zap.Int64("group_id", g.ID), zap.Int("count", len(subjects)))
	}
}

func (w *Worker) sweepPolicies(ctx context.Context, cutoff int64) {
	subjects, err := w.cleaner.Subjects(ctx)
	if err != nil {
		w.logger.Error("Failed to list subjects for expiry sweep", zap.Error(err))
		return
	}
	for _, subject := range subjects {
		expired, err := w.cleaner.ListExpired(ctx, subject, cutoff)
		if err != nil {
			w.logger.Error("Failed to list expired policies",
				zap.String("subject_type", subject.Type),
				zap.String("subject_id", subject.ID),
				zap.Error(err),
			)
			continue
		}
		if len(expired) == 0 {
			continue
		}

		bySystem := make(map[string][]int64)
		for _, p := range expired {
			bySystem[p.SystemID] = append(bySystem[p.SystemID], p.ID)
		}
		for systemID, ids := range bySystem {
			if err := w.cleaner.DeleteByIDs(ctx, systemID, subject, ids); err != nil {
				w.logger.Error("Failed to delete expired policies",
					zap.String("system_id", systemID),
					zap.String("subject_type", subject.Type),
					zap.String("subject_id", subject.ID),
					zap.Error(err),
				)
				continue
			}
			w.logger.Info("Deleted expired policies",
				zap.String("system_id", systemID),
				zap.String("subject_type", subject.Type),
				zap.String("subject_id", subject.ID),
				zap.Int("count", len(ids)),
			)
		}
	}
}
