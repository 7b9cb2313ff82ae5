// Package apply drives live state toward desired state by executing a
// computed diff against the target cluster.
//
// Entries are applied in waves: all entries sharing a creation-dependency
// weight run concurrently through a bounded worker pool, and the next wave
// starts only when the previous one finished. A failed entry never stops
// independent entries; the failure is recorded and the next cycle converges.
// Individual writes rely on the API server's optimistic concurrency:
// conflicts are retried with a fresh read.
package apply

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/driftwatch/driftwatch/api/v1alpha1"
	"github.com/driftwatch/driftwatch/internal/diff"
	"github.com/driftwatch/driftwatch/internal/metrics"
	"github.com/driftwatch/driftwatch/internal/syncerr"
)

const (
	// FieldOwner is the server-side-apply field manager name.
	FieldOwner = "driftwatch"

	defaultConcurrency = 5
)

// Outcome summarizes one apply pass.
type Outcome struct {
	// Results holds one entry per diff entry, in diff order.
	Results []v1alpha1.ResourceResult

	// Failed counts entries whose write was rejected.
	Failed int

	// PendingPrune counts Remove entries skipped because pruning is
	// disabled for the Application.
	PendingPrune int

	// Superseded reports that the cycle was cancelled mid-apply: in-flight
	// writes completed but no new ones were issued.
	Superseded bool
}

// Engine applies diffs against the target cluster.
type Engine struct {
	client      client.Client
	concurrency int
	metrics     metrics.Collector
	tracer      trace.Tracer
	logger      *slog.Logger
}

// NewEngine creates an Engine issuing at most concurrency writes in parallel
// within one wave. A nil tracer disables tracing.
func NewEngine(
	c client.Client,
	concurrency int,
	metricsCollector metrics.Collector,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Engine {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("driftwatch")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		client:      c,
		concurrency: concurrency,
		metrics:     metricsCollector,
		tracer:      tracer,
		logger:      logger.With("component", "apply-engine"),
	}
}

// Apply executes the diff for the Application. It never returns early on
// per-resource failures; the Outcome carries the full per-resource record.
func (e *Engine) Apply(ctx context.Context, app *v1alpha1.Application, diffs []diff.ResourceDiff) *Outcome {
	ctx, span := e.tracer.Start(ctx, "driftwatch.apply")
	defer span.End()

	outcome := &Outcome{
		Results: make([]v1alpha1.ResourceResult, len(diffs)),
	}

	for _, wave := range partitionWaves(diffs) {
		e.applyWave(ctx, app, diffs, wave, outcome)
	}

	for i := range outcome.Results {
		result := &outcome.Results[i]

		switch {
		case result.Success:
			continue
		case result.Message == supersededMessage:
			outcome.Superseded = true
		case result.Action == v1alpha1.DiffActionRemove && !app.Spec.SyncPolicy.Prune:
			outcome.PendingPrune++
		default:
			outcome.Failed++
		}
	}

	return outcome
}

const supersededMessage = "skipped: cycle cancelled before this resource was applied"

// waveSlice is a window of diff indices sharing one dependency weight and
// direction (applies vs removes).
type waveSlice struct {
	start, end int
}

func partitionWaves(diffs []diff.ResourceDiff) []waveSlice {
	var waves []waveSlice

	for start := 0; start < len(diffs); {
		end := start + 1

		for end < len(diffs) &&
			diffs[end].Wave == diffs[start].Wave &&
			(diffs[end].Action == v1alpha1.DiffActionRemove) == (diffs[start].Action == v1alpha1.DiffActionRemove) {
			end++
		}

		waves = append(waves, waveSlice{start: start, end: end})
		start = end
	}

	return waves
}

//nolint:funcorder // private helpers below the public entry point
func (e *Engine) applyWave(
	ctx context.Context,
	app *v1alpha1.Application,
	diffs []diff.ResourceDiff,
	wave waveSlice,
	outcome *Outcome,
) {
	group := errgroup.Group{}
	group.SetLimit(e.concurrency)

	for i := wave.start; i < wave.end; i++ {
		group.Go(func() error {
			outcome.Results[i] = e.applyEntry(ctx, app, &diffs[i])

			return nil
		})
	}

	// Workers never return errors; failures are recorded per resource.
	_ = group.Wait()
}

//nolint:funcorder // private helper
func (e *Engine) applyEntry(
	ctx context.Context,
	app *v1alpha1.Application,
	entry *diff.ResourceDiff,
) v1alpha1.ResourceResult {
	result := resultFor(entry)

	if entry.Action == v1alpha1.DiffActionNoOp {
		result.Success = true

		return result
	}

	// Cancellation stops new writes; in-flight ones complete on their own.
	if ctx.Err() != nil {
		result.Message = supersededMessage

		return result
	}

	if err := e.checkOwnership(app, entry); err != nil {
		result.Message = err.Error()
		e.metrics.RecordApply(ctx, entry.Action, "error", 0)
		e.metrics.RecordSyncError(ctx, metrics.ClassifySyncError(err))

		return result
	}

	startTime := time.Now()

	var err error

	switch entry.Action {
	case v1alpha1.DiffActionAdd, v1alpha1.DiffActionUpdate:
		err = e.applyObject(ctx, app, entry)
	case v1alpha1.DiffActionRemove:
		if !app.Spec.SyncPolicy.Prune {
			result.Message = "resource requires pruning, but pruning is disabled"

			return result
		}

		err = e.deleteObject(ctx, entry)
	}

	if err != nil {
		result.Message = err.Error()
		e.metrics.RecordApply(ctx, entry.Action, "error", time.Since(startTime))
		e.metrics.RecordSyncError(ctx, metrics.ClassifySyncError(err))

		e.logger.Error("failed to apply resource",
			"kind", entry.Key.Kind,
			"namespace", entry.Key.Namespace,
			"name", entry.Key.Name,
			"action", entry.Action,
			"error", err,
		)

		return result
	}

	result.Success = true
	e.metrics.RecordApply(ctx, entry.Action, "success", time.Since(startTime))

	return result
}

// checkOwnership rejects writes to live resources owned by another
// Application. Overlapping targets are an operator error, surfaced here
// instead of silently overwriting.
//
//nolint:funcorder,wrapcheck // private helper; errors.Newf creates new errors
func (e *Engine) checkOwnership(app *v1alpha1.Application, entry *diff.ResourceDiff) error {
	if entry.Live == nil {
		return nil
	}

	owner := entry.Live.GetLabels()[v1alpha1.OwnershipLabel]
	if owner != "" && owner != app.OwnerValue() {
		return syncerr.Apply(
			errors.Newf("resource is owned by application %q", owner),
			"ownership conflict",
		)
	}

	return nil
}

//nolint:funcorder,noinlineerr // private helper
func (e *Engine) applyObject(ctx context.Context, app *v1alpha1.Application, entry *diff.ResourceDiff) error {
	// An Add entry can still collide with a resource created by another
	// Application; its live set never contained it because live collection
	// is scoped by ownership label.
	if entry.Live == nil {
		current := entry.Desired.DeepCopy()

		getErr := e.client.Get(ctx, client.ObjectKeyFromObject(current), current)

		switch {
		case apierrors.IsNotFound(getErr):
			// Free to create.
		case getErr != nil:
			return syncerr.Apply(getErr, "failed to read current state of "+entry.Key.Kind+" "+entry.Key.Name)
		default:
			owner := current.GetLabels()[v1alpha1.OwnershipLabel]
			if owner != "" && owner != app.OwnerValue() {
				return syncerr.Apply(
					errors.Newf("resource exists and is owned by application %q", owner),
					"ownership conflict",
				)
			}
		}
	}

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		obj := entry.Desired.DeepCopy()

		labels := obj.GetLabels()
		if labels == nil {
			labels = map[string]string{}
		}

		labels[v1alpha1.OwnershipLabel] = app.OwnerValue()
		obj.SetLabels(labels)

		return e.client.Patch(ctx, obj, client.Apply, client.FieldOwner(FieldOwner), client.ForceOwnership)
	})
	if err != nil {
		return syncerr.Apply(err, "failed to apply "+entry.Key.Kind+" "+entry.Key.Name)
	}

	return nil
}

//nolint:funcorder,noinlineerr // private helper
func (e *Engine) deleteObject(ctx context.Context, entry *diff.ResourceDiff) error {
	err := e.client.Delete(ctx, entry.Live)
	if err != nil && !apierrors.IsNotFound(err) {
		return syncerr.Apply(err, "failed to delete "+entry.Key.Kind+" "+entry.Key.Name)
	}

	return nil
}

func resultFor(entry *diff.ResourceDiff) v1alpha1.ResourceResult {
	version := ""
	if entry.Desired != nil {
		version = entry.Desired.GroupVersionKind().Version
	} else if entry.Live != nil {
		version = entry.Live.GroupVersionKind().Version
	}

	return v1alpha1.ResourceResult{
		Group:     entry.Key.Group,
		Version:   version,
		Kind:      entry.Key.Kind,
		Namespace: entry.Key.Namespace,
		Name:      entry.Key.Name,
		Action:    entry.Action,
	}
}
