// Package registry drives one optimistic transaction across a set of
// transactional resources: it binds them to a coordinator-issued handle,
// unions their change sets for conflict detection, and runs the two-phase
// prepare / post-commit / rollback handshake against the coordinator's
// verdict.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/occtx/occtx/core/changeset"
	"github.com/occtx/occtx/core/coordinator"
	"github.com/occtx/occtx/core/resource"
	"github.com/occtx/occtx/core/transaction"
	internaltelemetry "github.com/occtx/occtx/internal/telemetry"
)

// --- Error Definitions ---

var (
	ErrNoResources        = errors.New("no resources registered")
	ErrNotBound           = errors.New("registry is not bound to a transaction")
	ErrInFlight           = errors.New("registry already has a transaction in flight")
	ErrConflict           = errors.New("transaction aborted due to write conflict")
	ErrAborted            = errors.New("transaction aborted")
	ErrInvalidTransaction = errors.New("transaction invalid: rollback failed on at least one resource")
)

// TxnOutcome is the registry's terminal view of one transaction.
type TxnOutcome int

const (
	OutcomePending   TxnOutcome = iota // No verdict yet
	OutcomeCommitted                   // Coordinator confirmed, post-commit ran
	OutcomeAborted                     // Rolled back cleanly on every resource
	OutcomeInvalid                     // Rollback failed somewhere, manual cleanup required
)

func (o TxnOutcome) String() string {
	switch o {
	case OutcomePending:
		return "PENDING"
	case OutcomeCommitted:
		return "COMMITTED"
	case OutcomeAborted:
		return "ABORTED"
	case OutcomeInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("TxnOutcome(%d)", int(o))
	}
}

// Config tunes the registry's failure handling.
type Config struct {
	// RollbackRetries is the number of extra rollback attempts after a
	// resource reports an unclean rollback. Prepare is never retried.
	RollbackRetries int `yaml:"rollback_retries"`
	// RollbackRetryInterval paces those retries.
	RollbackRetryInterval time.Duration `yaml:"rollback_retry_interval"`
}

// DefaultConfig returns the tuning used when no config is supplied.
func DefaultConfig() Config {
	return Config{
		RollbackRetries:       3,
		RollbackRetryInterval: 100 * time.Millisecond,
	}
}

// Outcome is the per-resource detail of one phase call.
type Outcome struct {
	Resource string
	OK       bool
	Err      error
	Elapsed  time.Duration
}

// Result aggregates one phase across all resources.
type Result struct {
	OK       bool
	Outcomes []Outcome
}

// Failed returns the outcomes of resources that did not succeed.
func (r Result) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.OK {
			out = append(out, o)
		}
	}
	return out
}

// Err folds all per-resource failures into one error, or nil when the phase
// succeeded everywhere.
func (r Result) Err() error {
	var merr *multierror.Error
	for _, o := range r.Outcomes {
		if o.OK {
			continue
		}
		if o.Err != nil {
			merr = multierror.Append(merr, fmt.Errorf("resource %s: %w", o.Resource, o.Err))
		} else {
			merr = multierror.Append(merr, fmt.Errorf("resource %s: declined", o.Resource))
		}
	}
	return merr.ErrorOrNil()
}

// Option customizes a Registry.
type Option func(*Registry)

// WithConfig overrides the default failure-handling tuning.
func WithConfig(cfg Config) Option {
	return func(r *Registry) { r.cfg = cfg }
}

// WithMetrics attaches protocol metrics.
func WithMetrics(m *internaltelemetry.TxnMetrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer attaches a tracer; each phase becomes a span.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// Registry orchestrates one transaction at a time over its registered
// resources. Resources are contractually independent of one another, so
// within a phase the registry fans calls out in parallel and waits for every
// result before advancing; phases themselves run strictly in order. A
// Registry must not be shared by concurrent transactions.
type Registry struct {
	coord   coordinator.Client
	log     *zap.Logger
	cfg     Config
	metrics *internaltelemetry.TxnMetrics
	tracer  trace.Tracer

	mu        sync.Mutex
	resources []resource.TransactionalResource
	handle    transaction.Handle
	bound     bool
	outcome   TxnOutcome
}

// New returns a Registry talking to the given coordinator.
func New(coord coordinator.Client, log *zap.Logger, opts ...Option) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		coord:  coord,
		log:    log,
		cfg:    DefaultConfig(),
		tracer: nooptrace.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds resources to the registry. Illegal while a transaction is in
// flight.
func (r *Registry) Register(resources ...resource.TransactionalResource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound {
		return ErrInFlight
	}
	r.resources = append(r.resources, resources...)
	return nil
}

// Outcome returns the terminal view of the most recent transaction, or
// OutcomePending while one is in flight.
func (r *Registry) Outcome() TxnOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Handle returns the handle of the in-flight transaction.
func (r *Registry) Handle() (transaction.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle, r.bound
}

// BindAll installs the handle on every resource, clearing whatever the
// previous transaction left behind on each.
func (r *Registry) BindAll(h transaction.Handle) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := Result{OK: true}
	if len(r.resources) == 0 {
		res.OK = false
		res.Outcomes = []Outcome{{Resource: "registry", Err: ErrNoResources}}
		return res
	}
	if r.bound {
		res.OK = false
		res.Outcomes = []Outcome{{Resource: "registry", Err: ErrInFlight}}
		return res
	}
	for _, tr := range r.resources {
		start := time.Now()
		err := tr.Bind(h)
		o := Outcome{Resource: tr.DiagnosticName(), OK: err == nil, Err: err, Elapsed: time.Since(start)}
		if err != nil {
			res.OK = false
			r.log.Error("bind failed", zap.String("resource", o.Resource), zap.Error(err))
		}
		res.Outcomes = append(res.Outcomes, o)
	}
	if res.OK {
		r.handle = h
		r.bound = true
		r.outcome = OutcomePending
		return res
	}

	// Partial bind: unwind the resources that did bind, otherwise they stay
	// wedged in BOUND and can never join another transaction.
	for i, tr := range r.resources {
		if !res.Outcomes[i].OK {
			continue
		}
		if ok, err := tr.Rollback(context.Background()); err != nil || !ok {
			r.log.Error("failed to unbind resource after partial bind",
				zap.String("resource", tr.DiagnosticName()),
				zap.Bool("clean", ok),
				zap.Error(err))
		}
	}
	return res
}

// RebindAll swaps a refreshed handle into every resource. Change sets and
// buffered writes survive untouched.
func (r *Registry) RebindAll(h transaction.Handle) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := Result{OK: true}
	if !r.bound {
		res.OK = false
		res.Outcomes = []Outcome{{Resource: "registry", Err: ErrNotBound}}
		return res
	}
	for _, tr := range r.resources {
		start := time.Now()
		err := tr.Rebind(h)
		o := Outcome{Resource: tr.DiagnosticName(), OK: err == nil, Err: err, Elapsed: time.Since(start)}
		if err != nil {
			res.OK = false
			r.log.Error("rebind failed", zap.String("resource", o.Resource), zap.Error(err))
		}
		res.Outcomes = append(res.Outcomes, o)
	}
	if res.OK {
		r.handle = h
	}
	return res
}

// CollectChanges unions the change sets of every resource, ready for the
// coordinator's conflict check.
func (r *Registry) CollectChanges() *changeset.Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	union := changeset.NewSet()
	for _, tr := range r.resources {
		union.AddAll(tr.ChangeSet())
	}
	return union
}

// PrepareAll asks every resource to durably stage its writes. Calls run in
// parallel; the method returns only after every resource has answered. A
// false or an error from any resource dooms the transaction: the caller must
// proceed to RollbackAll, never retry PrepareAll, since a blind second
// prepare risks duplicated durable effects.
func (r *Registry) PrepareAll(ctx context.Context) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, span := r.tracer.Start(ctx, "occtx.registry.prepare")
	defer span.End()

	res := Result{OK: true}
	if !r.bound {
		res.OK = false
		res.Outcomes = []Outcome{{Resource: "registry", Err: ErrNotBound}}
		return res
	}

	outcomes := make([]Outcome, len(r.resources))
	g, gctx := errgroup.WithContext(ctx)
	for i, tr := range r.resources {
		i, tr := i, tr
		g.Go(func() error {
			start := time.Now()
			ok, err := tr.Prepare(gctx)
			elapsed := time.Since(start)
			if err != nil {
				// Unexpected fault: same path as an explicit veto, with the
				// diagnostic kept for the operator.
				ok = false
				r.log.Error("prepare fault",
					zap.String("resource", tr.DiagnosticName()),
					zap.Error(err))
			}
			outcomes[i] = Outcome{Resource: tr.DiagnosticName(), OK: ok, Err: err, Elapsed: elapsed}
			if r.metrics != nil {
				r.metrics.PrepareLatencyHistogram.Record(gctx, elapsed.Milliseconds(),
					metric.WithAttributes(attribute.String("resource", tr.DiagnosticName())))
			}
			return nil
		})
	}
	_ = g.Wait() // barrier; workers never return errors

	for _, o := range outcomes {
		if !o.OK {
			res.OK = false
		}
	}
	res.Outcomes = outcomes
	return res
}

// CommitConfirmed broadcasts PostCommit after the coordinator's positive
// verdict. The transaction is already committed, so per-resource faults are
// caught, logged and surfaced in the result without ever changing the
// outcome.
func (r *Registry) CommitConfirmed(ctx context.Context) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, span := r.tracer.Start(ctx, "occtx.registry.post_commit")
	defer span.End()

	res := Result{OK: true}
	if !r.bound {
		res.OK = false
		res.Outcomes = []Outcome{{Resource: "registry", Err: ErrNotBound}}
		return res
	}

	outcomes := make([]Outcome, len(r.resources))
	var wg sync.WaitGroup
	for i, tr := range r.resources {
		i, tr := i, tr
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := r.runPostCommit(ctx, tr)
			outcomes[i] = Outcome{Resource: tr.DiagnosticName(), OK: err == nil, Err: err, Elapsed: time.Since(start)}
			if err != nil {
				r.log.Error("post-commit cleanup failed, transaction outcome unaffected",
					zap.String("resource", tr.DiagnosticName()),
					zap.Error(err))
			}
		}()
	}
	wg.Wait()

	res.Outcomes = outcomes
	r.finishLocked(OutcomeCommitted)
	return res
}

// runPostCommit isolates one resource's PostCommit, converting a panic into
// a reportable error.
func (r *Registry) runPostCommit(ctx context.Context, tr resource.TransactionalResource) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("post-commit panic: %v", rec)
		}
	}()
	tr.PostCommit(ctx)
	return nil
}

// RollbackAll undoes the transaction on every resource, including ones whose
// prepare already succeeded: local preparedness never guarantees the global
// verdict. Unclean rollbacks are retried a bounded number of times, since
// undoing an already-undone effect is expected to be a safe no-op; resources
// still unclean after the last attempt leave the transaction invalid.
func (r *Registry) RollbackAll(ctx context.Context) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, span := r.tracer.Start(ctx, "occtx.registry.rollback")
	defer span.End()

	res := Result{OK: true}
	if !r.bound {
		res.OK = false
		res.Outcomes = []Outcome{{Resource: "registry", Err: ErrNotBound}}
		return res
	}

	outcomes := make([]Outcome, len(r.resources))
	var wg sync.WaitGroup
	for i, tr := range r.resources {
		i, tr := i, tr
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = r.rollbackOne(ctx, tr)
		}()
	}
	wg.Wait()

	var failed []string
	for _, o := range outcomes {
		if !o.OK {
			res.OK = false
			failed = append(failed, o.Resource)
		}
	}
	res.Outcomes = outcomes

	if res.OK {
		r.finishLocked(OutcomeAborted)
	} else {
		r.log.Error("rollback left durable residue, manual cleanup required",
			zap.Uint64("txn_id", r.handle.WriteID),
			zap.Strings("failed_resources", failed))
		r.finishLocked(OutcomeInvalid)
	}
	return res
}

// rollbackOne drives one resource through its rollback attempts, pacing
// retries with a context-aware limiter so a caller deadline cuts them short.
func (r *Registry) rollbackOne(ctx context.Context, tr resource.TransactionalResource) Outcome {
	limiter := rate.NewLimiter(rate.Every(r.cfg.RollbackRetryInterval), 1)
	start := time.Now()
	var (
		ok  bool
		err error
	)
	for attempt := 0; attempt <= r.cfg.RollbackRetries; attempt++ {
		if attempt > 0 {
			if r.metrics != nil {
				r.metrics.RollbackRetriesCounter.Add(ctx, 1,
					metric.WithAttributes(attribute.String("resource", tr.DiagnosticName())))
			}
			if werr := limiter.Wait(ctx); werr != nil {
				err = werr
				break
			}
		}
		ok, err = tr.Rollback(ctx)
		if err != nil {
			ok = false
			r.log.Warn("rollback fault",
				zap.String("resource", tr.DiagnosticName()),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		if ok {
			break
		}
		r.log.Warn("rollback unclean",
			zap.String("resource", tr.DiagnosticName()),
			zap.Int("attempt", attempt+1))
	}
	return Outcome{Resource: tr.DiagnosticName(), OK: ok, Err: err, Elapsed: time.Since(start)}
}

// finishLocked records the terminal outcome and releases the registry for
// the next transaction. Caller holds r.mu.
func (r *Registry) finishLocked(outcome TxnOutcome) {
	r.outcome = outcome
	r.bound = false
	ctx := context.Background()
	switch outcome {
	case OutcomeCommitted:
		r.handle = r.handle.WithStatus(transaction.StatusCommitted)
		if r.metrics != nil {
			r.metrics.TxnsCommittedCounter.Add(ctx, 1)
		}
	case OutcomeAborted:
		r.handle = r.handle.WithStatus(transaction.StatusAborting)
		if r.metrics != nil {
			r.metrics.TxnsAbortedCounter.Add(ctx, 1)
		}
	case OutcomeInvalid:
		r.handle = r.handle.WithStatus(transaction.StatusInvalid)
		if r.metrics != nil {
			r.metrics.TxnsInvalidCounter.Add(ctx, 1)
		}
	}
}

// Execute runs the whole protocol around fn, which performs the
// transaction's reads and writes through the registered resources:
//
//	start -> bind -> fn -> conflict check -> prepare -> commit -> post-commit
//
// Any negative verdict along the way drives rollback on every resource and
// an abort to the coordinator. The returned error is nil only when the
// coordinator confirmed the commit.
func (r *Registry) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "occtx.registry.execute")
	defer span.End()

	h, err := r.coord.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	log := r.log.With(
		zap.Uint64("txn_id", h.WriteID),
		zap.String("attempt_id", uuid.NewString()),
	)
	if r.metrics != nil {
		r.metrics.TxnsStartedCounter.Add(ctx, 1)
	}

	bind := r.BindAll(h)
	if !bind.OK {
		return fmt.Errorf("failed to bind resources: %w", bind.Err())
	}
	log.Debug("resources bound", zap.Int("resources", len(bind.Outcomes)))

	if err := fn(ctx); err != nil {
		log.Info("application aborted transaction", zap.Error(err))
		return r.doom(ctx, log, h, err)
	}

	changes := r.CollectChanges()
	clean, err := r.coord.CheckConflicts(ctx, h, changes)
	if err != nil {
		return r.doom(ctx, log, h, fmt.Errorf("conflict check failed: %w", err))
	}
	if !clean {
		log.Info("conflict detected", zap.Int("change_keys", changes.Len()))
		return r.doom(ctx, log, h, ErrConflict)
	}

	prep := r.PrepareAll(ctx)
	if !prep.OK {
		log.Info("prepare phase vetoed", zap.Error(prep.Err()))
		return r.doom(ctx, log, h, fmt.Errorf("%w: %v", ErrAborted, prep.Err()))
	}

	committed, err := r.coord.Commit(ctx, h.WithStatus(transaction.StatusCommitting))
	if err != nil {
		return r.doom(ctx, log, h, fmt.Errorf("coordinator commit failed: %w", err))
	}
	if !committed {
		log.Info("coordinator rejected commit")
		return r.doom(ctx, log, h, ErrConflict)
	}

	post := r.CommitConfirmed(ctx)
	if !post.OK {
		// Verdict already rendered; cleanup failures are operational noise.
		log.Warn("post-commit cleanup incomplete", zap.Error(post.Err()))
	}
	log.Info("transaction committed", zap.Int("change_keys", changes.Len()))
	return nil
}

// doom rolls back every resource, reports the abort to the coordinator, and
// translates cleanup failure into ErrInvalidTransaction.
func (r *Registry) doom(ctx context.Context, log *zap.Logger, h transaction.Handle, cause error) error {
	rb := r.RollbackAll(ctx)
	if aerr := r.coord.Abort(ctx, h.WithStatus(transaction.StatusAborting)); aerr != nil {
		log.Warn("coordinator abort failed", zap.Error(aerr))
	}
	if !rb.OK {
		return fmt.Errorf("%w (cause: %v): %v", ErrInvalidTransaction, cause, rb.Err())
	}
	log.Info("transaction rolled back")
	return cause
}
