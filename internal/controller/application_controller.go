package controller

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlcontroller "sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/driftwatch/driftwatch/api/v1alpha1"
	"github.com/driftwatch/driftwatch/internal/apply"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/diff"
	"github.com/driftwatch/driftwatch/internal/metrics"
	"github.com/driftwatch/driftwatch/internal/render"
	"github.com/driftwatch/driftwatch/internal/source"
	"github.com/driftwatch/driftwatch/internal/syncerr"
)

const (
	pruneFinalizer = "sync.driftwatch.io/prune"

	defaultHistoryLimit       = 10
	defaultMaxConcurrentSyncs = 5

	// Retry backoff bounds for failing sync cycles. A broken repository
	// should not be hammered, but recovery should still be noticed quickly.
	retryBaseDelay = 5 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

// ApplicationReconciler drives the sync cycle for Application resources:
// fetch the declared revision, render it, diff against owned live state and
// converge the cluster. Each reconcile invocation runs exactly one cycle.
type ApplicationReconciler struct {
	client.Client

	// Scheme is the runtime scheme for API type registration.
	Scheme *runtime.Scheme

	// Fetcher materializes Git revisions.
	Fetcher *source.Fetcher

	// Resolver loads repository credentials from Secrets.
	Resolver *config.Resolver

	// Renderer turns a checkout into desired objects.
	Renderer *render.Renderer

	// Engine applies diffs to the cluster.
	Engine *apply.Engine

	// Metrics collects sync telemetry.
	Metrics metrics.Collector

	// HistoryLimit bounds status.history length. Zero means the default.
	HistoryLimit int

	// MaxConcurrentSyncs bounds how many Applications sync in parallel.
	// The workqueue still serializes cycles per Application. Zero means
	// the default.
	MaxConcurrentSyncs int
}

//nolint:noinlineerr // controller reconcile logic
func (r *ApplicationReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	var app v1alpha1.Application

	if err := r.Get(ctx, req.NamespacedName, &app); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}

		return ctrl.Result{}, errors.Wrap(err, "failed to get application")
	}

	if !app.DeletionTimestamp.IsZero() {
		return r.handleDeletion(ctx, &app)
	}

	if !controllerutil.ContainsFinalizer(&app, pruneFinalizer) {
		controllerutil.AddFinalizer(&app, pruneFinalizer)

		if err := r.Update(ctx, &app); err != nil {
			return ctrl.Result{}, errors.Wrap(err, "failed to add finalizer")
		}
	}

	logger.Info("starting sync cycle",
		"repo", app.Spec.Source.RepoURL,
		"revision", app.Spec.Source.GetRevision(),
	)

	if err := r.setPhase(ctx, &app, v1alpha1.SyncPhaseSyncing); err != nil {
		return ctrl.Result{}, err
	}

	startedAt := metav1.Now()
	outcome, revision, syncErr := r.syncCycle(ctx, &app)
	finishedAt := metav1.Now()

	result := r.buildSyncResult(&app, outcome, revision, startedAt, finishedAt, syncErr)

	r.recordMetrics(ctx, result, outcome, syncErr)

	if err := r.recordSync(ctx, &app, result); err != nil {
		return ctrl.Result{}, err
	}

	if err := r.clearForceSync(ctx, &app); err != nil {
		return ctrl.Result{}, err
	}

	if syncErr != nil && syncerr.BlocksCycle(syncErr) {
		logger.Error(syncErr, "sync cycle failed", "stage", syncerr.Classify(syncErr))

		// Returning the error lets the workqueue back off exponentially
		// instead of retrying at the full poll interval.
		return ctrl.Result{}, syncErr
	}

	// Per-resource apply failures do not abort the cycle, but waiting a full
	// poll interval would leave a rejected resource broken for minutes. They
	// get the same backoff schedule as blocking errors.
	if syncErr == nil && outcome != nil && outcome.Failed > 0 {
		applyErr := syncerr.Apply(
			errors.Newf("%d of %d resources failed to apply", outcome.Failed, len(outcome.Results)),
			"sync cycle finished with failures",
		)
		logger.Error(applyErr, "sync cycle finished with failures", "failed", outcome.Failed)

		return ctrl.Result{}, applyErr
	}

	logger.Info("sync cycle finished",
		"outcome", result.Outcome,
		"revision", result.Revision,
		"resources", len(result.Resources),
	)

	return ctrl.Result{RequeueAfter: app.Spec.SyncPolicy.GetPollInterval()}, nil
}

// syncCycle runs one fetch, render, diff, apply pass. A nil Outcome with a
// non-nil error means the cycle was blocked before any write happened.
//
//nolint:funcorder,noinlineerr // pipeline below the entry point
func (r *ApplicationReconciler) syncCycle(
	ctx context.Context,
	app *v1alpha1.Application,
) (*apply.Outcome, string, error) {
	creds, err := r.Resolver.ResolveRepoCredentials(ctx, app)
	if err != nil {
		return nil, "", syncerr.Auth(err, "failed to resolve repository credentials")
	}

	checkout, err := r.Fetcher.Fetch(ctx, app.Spec.Source, creds)
	if err != nil {
		return nil, "", err
	}

	defer func() {
		if closeErr := checkout.Close(); closeErr != nil {
			log.FromContext(ctx).Error(closeErr, "failed to clean up checkout")
		}
	}()

	desired, err := r.Renderer.Render(ctx, app, checkout)
	if err != nil {
		return nil, checkout.SHA, err
	}

	diff.DefaultNamespaces(r.RESTMapper(), desired, app.Spec.Destination.Namespace)

	var previous []v1alpha1.ResourceResult
	if app.Status.LastSync != nil {
		previous = app.Status.LastSync.Resources
	}

	live, err := r.Engine.CollectLive(ctx, app, apply.GatherGVKs(desired, previous))
	if err != nil {
		return nil, checkout.SHA, syncerr.Diff(err, "failed to collect live state")
	}

	diffs, err := diff.Compute(desired, live)
	if err != nil {
		return nil, checkout.SHA, err
	}

	r.Metrics.RecordManagedResources(ctx, len(desired))

	outcome := r.Engine.Apply(ctx, app, diffs)

	return outcome, checkout.SHA, nil
}

//nolint:funcorder // result assembly helper
func (r *ApplicationReconciler) buildSyncResult(
	app *v1alpha1.Application,
	outcome *apply.Outcome,
	revision string,
	startedAt, finishedAt metav1.Time,
	syncErr error,
) v1alpha1.SyncResult {
	result := v1alpha1.SyncResult{
		ID:         uuid.NewString(),
		Revision:   revision,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}

	switch {
	case syncErr != nil:
		result.Outcome = v1alpha1.SyncOutcomeError
		result.Message = syncErr.Error()
	case outcome.Superseded:
		result.Outcome = v1alpha1.SyncOutcomeSuperseded
		result.Message = "cycle cancelled before completion"
	case outcome.Failed > 0:
		result.Outcome = v1alpha1.SyncOutcomeError
		result.Message = "one or more resources failed to apply"
	case outcome.PendingPrune > 0:
		result.Outcome = v1alpha1.SyncOutcomeOutOfSync
		result.Message = "orphaned resources present but pruning is disabled"
	default:
		result.Outcome = v1alpha1.SyncOutcomeSynced
		result.Message = "cluster state matches " + revision
	}

	if outcome != nil {
		result.Resources = outcome.Results
	}

	// Unknown revisions can happen when fetch itself failed; keep the last
	// observed one so history stays attributable.
	if result.Revision == "" {
		result.Revision = app.Status.ObservedRevision
	}

	return result
}

// recordSync appends the result to history and moves the phase. Status
// updates race with the API server and spec edits, so the whole mutation
// retries on conflict against a fresh copy.
//
//nolint:funcorder,noinlineerr // status update logic
func (r *ApplicationReconciler) recordSync(
	ctx context.Context,
	app *v1alpha1.Application,
	result v1alpha1.SyncResult,
) error {
	limit := r.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	key := types.NamespacedName{Name: app.Name, Namespace: app.Namespace}

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var fresh v1alpha1.Application
		if err := r.Get(ctx, key, &fresh); err != nil {
			return errors.Wrap(err, "failed to get fresh application")
		}

		fresh.Status.Phase = phaseFor(result.Outcome)
		if result.Revision != "" {
			fresh.Status.ObservedRevision = result.Revision
		}

		fresh.Status.LastSync = result.DeepCopy()

		fresh.Status.History = append([]v1alpha1.SyncResult{result}, fresh.Status.History...)
		if len(fresh.Status.History) > limit {
			fresh.Status.History = fresh.Status.History[:limit]
		}

		setReadyCondition(&fresh, result)

		if err := r.Status().Update(ctx, &fresh); err != nil {
			return errors.Wrap(err, "failed to update application status")
		}

		app.Status = *fresh.Status.DeepCopy()

		return nil
	})

	return errors.Wrap(err, "failed to record sync result after retries")
}

//nolint:funcorder // phase transition helper
func (r *ApplicationReconciler) setPhase(
	ctx context.Context,
	app *v1alpha1.Application,
	phase string,
) error {
	key := types.NamespacedName{Name: app.Name, Namespace: app.Namespace}

	//nolint:noinlineerr // retry closure
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var fresh v1alpha1.Application
		if err := r.Get(ctx, key, &fresh); err != nil {
			return errors.Wrap(err, "failed to get fresh application")
		}

		if fresh.Status.Phase == phase {
			return nil
		}

		fresh.Status.Phase = phase

		if err := r.Status().Update(ctx, &fresh); err != nil {
			return errors.Wrap(err, "failed to update application phase")
		}

		return nil
	})

	return errors.Wrap(err, "failed to set application phase after retries")
}

// clearForceSync removes the force-sync annotation once the requested cycle
// has run, so the next annotation write triggers a new one.
//
//nolint:funcorder,noinlineerr // annotation cleanup
func (r *ApplicationReconciler) clearForceSync(ctx context.Context, app *v1alpha1.Application) error {
	if _, ok := app.Annotations[v1alpha1.ForceSyncAnnotation]; !ok {
		return nil
	}

	key := types.NamespacedName{Name: app.Name, Namespace: app.Namespace}

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var fresh v1alpha1.Application
		if err := r.Get(ctx, key, &fresh); err != nil {
			return errors.Wrap(err, "failed to get fresh application")
		}

		if _, ok := fresh.Annotations[v1alpha1.ForceSyncAnnotation]; !ok {
			return nil
		}

		delete(fresh.Annotations, v1alpha1.ForceSyncAnnotation)

		if err := r.Update(ctx, &fresh); err != nil {
			return errors.Wrap(err, "failed to clear force-sync annotation")
		}

		return nil
	})

	return errors.Wrap(err, "failed to clear force-sync annotation after retries")
}

// handleDeletion prunes owned resources when the sync policy allows it, then
// releases the finalizer.
//
//nolint:funcorder,noinlineerr // deletion handler
func (r *ApplicationReconciler) handleDeletion(
	ctx context.Context,
	app *v1alpha1.Application,
) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if !controllerutil.ContainsFinalizer(app, pruneFinalizer) {
		return ctrl.Result{}, nil
	}

	if app.Spec.SyncPolicy.Prune {
		logger.Info("pruning owned resources before deletion")

		if err := r.pruneAll(ctx, app); err != nil {
			return ctrl.Result{}, errors.Wrap(err, "failed to prune owned resources")
		}
	}

	controllerutil.RemoveFinalizer(app, pruneFinalizer)

	if err := r.Update(ctx, app); err != nil {
		return ctrl.Result{}, errors.Wrap(err, "failed to remove finalizer")
	}

	return ctrl.Result{}, nil
}

// pruneAll deletes every live resource still carrying the Application's
// ownership label. Kinds come from the recorded sync history since the
// desired state is no longer available.
//
//nolint:funcorder,noinlineerr // deletion helper
func (r *ApplicationReconciler) pruneAll(ctx context.Context, app *v1alpha1.Application) error {
	var previous []v1alpha1.ResourceResult
	if app.Status.LastSync != nil {
		previous = app.Status.LastSync.Resources
	}

	live, err := r.Engine.CollectLive(ctx, app, apply.GatherGVKs(nil, previous))
	if err != nil {
		return errors.Wrap(err, "failed to collect live state")
	}

	diffs, err := diff.Compute(nil, live)
	if err != nil {
		return errors.Wrap(err, "failed to compute removal set")
	}

	outcome := r.Engine.Apply(ctx, app, diffs)
	if outcome.Failed > 0 {
		return errors.Newf("%d resources could not be deleted", outcome.Failed)
	}

	return nil
}

//nolint:funcorder // metrics helper
func (r *ApplicationReconciler) recordMetrics(
	ctx context.Context,
	result v1alpha1.SyncResult,
	outcome *apply.Outcome,
	syncErr error,
) {
	r.Metrics.RecordSyncAttempt(ctx, result.Outcome)
	r.Metrics.RecordSyncDuration(ctx, result.Outcome, result.FinishedAt.Sub(result.StartedAt.Time))

	if syncErr != nil {
		r.Metrics.RecordSyncError(ctx, metrics.ClassifySyncError(syncErr))
	}

	if outcome == nil {
		return
	}

	counts := map[string]int{}
	for i := range outcome.Results {
		counts[outcome.Results[i].Action]++
	}

	for action, count := range counts {
		r.Metrics.RecordDiffResults(ctx, action, count)
	}
}

func phaseFor(outcome string) string {
	switch outcome {
	case v1alpha1.SyncOutcomeSynced:
		return v1alpha1.SyncPhaseSynced
	case v1alpha1.SyncOutcomeOutOfSync, v1alpha1.SyncOutcomeSuperseded:
		return v1alpha1.SyncPhaseOutOfSync
	case v1alpha1.SyncOutcomeError:
		return v1alpha1.SyncPhaseError
	default:
		return v1alpha1.SyncPhaseUnknown
	}
}

func setReadyCondition(app *v1alpha1.Application, result v1alpha1.SyncResult) {
	status := metav1.ConditionFalse
	reason := "SyncFailed"

	if result.Outcome == v1alpha1.SyncOutcomeSynced {
		status = metav1.ConditionTrue
		reason = "Synced"
	}

	meta := metav1.Condition{
		Type:               "Ready",
		Status:             status,
		ObservedGeneration: app.Generation,
		LastTransitionTime: metav1.Now(),
		Reason:             reason,
		Message:            result.Message,
	}

	for i := range app.Status.Conditions {
		if app.Status.Conditions[i].Type == meta.Type {
			if app.Status.Conditions[i].Status == meta.Status {
				meta.LastTransitionTime = app.Status.Conditions[i].LastTransitionTime
			}

			app.Status.Conditions[i] = meta

			return
		}
	}

	app.Status.Conditions = append(app.Status.Conditions, meta)
}

// forceSyncRequested admits updates that add the force-sync annotation or
// change its value. The controller clears the annotation after the requested
// cycle, and that removal must not queue another one.
func forceSyncRequested() predicate.Funcs {
	return predicate.Funcs{
		UpdateFunc: func(e event.UpdateEvent) bool {
			if e.ObjectOld == nil || e.ObjectNew == nil {
				return false
			}

			requested, ok := e.ObjectNew.GetAnnotations()[v1alpha1.ForceSyncAnnotation]
			if !ok {
				return false
			}

			return e.ObjectOld.GetAnnotations()[v1alpha1.ForceSyncAnnotation] != requested
		},
	}
}

func (r *ApplicationReconciler) SetupWithManager(mgr ctrl.Manager) error {
	rateLimiter := workqueue.NewTypedItemExponentialFailureRateLimiter[ctrl.Request](
		retryBaseDelay, retryMaxDelay,
	)

	maxConcurrent := r.MaxConcurrentSyncs
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentSyncs
	}

	//nolint:wrapcheck // controller-runtime builder pattern
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Application{}).
		// Spec edits bump the generation; a force-sync request only touches
		// annotations. Status-only updates must not retrigger the loop.
		WithEventFilter(predicate.Or[client.Object](
			predicate.GenerationChangedPredicate{},
			forceSyncRequested(),
		)).
		WithOptions(ctrlcontroller.Options{
			MaxConcurrentReconciles: maxConcurrent,
			RateLimiter:             rateLimiter,
		}).
		Complete(r)
}
