package apply_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/driftwatch/driftwatch/api/v1alpha1"
	"github.com/driftwatch/driftwatch/internal/apply"
	"github.com/driftwatch/driftwatch/internal/diff"
	"github.com/driftwatch/driftwatch/internal/metrics"
)

func newTestScheme(t *testing.T) *runtime.Scheme {
	t.Helper()

	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	require.NoError(t, v1alpha1.AddToScheme(scheme))

	return scheme
}

func testApp(prune bool) *v1alpha1.Application {
	return &v1alpha1.Application{
		ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "apps"},
		Spec: v1alpha1.ApplicationSpec{
			Source: v1alpha1.ApplicationSource{
				RepoURL: "https://git.example.com/demo.git",
			},
			Destination: v1alpha1.ApplicationDestination{Namespace: "web"},
			SyncPolicy:  v1alpha1.SyncPolicy{Prune: prune},
		},
	}
}

func configMap(name, namespace string, labels map[string]string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata": map[string]any{
			"name":      name,
			"namespace": namespace,
		},
		"data": map[string]any{"key": "value"},
	}}

	if labels != nil {
		obj.SetLabels(labels)
	}

	return obj
}

func ownedLabels(app *v1alpha1.Application) map[string]string {
	return map[string]string{v1alpha1.OwnershipLabel: app.OwnerValue()}
}

func TestApplyCreatesWithOwnershipLabel(t *testing.T) {
	t.Parallel()

	scheme := newTestScheme(t)
	fakeClient := fake.NewClientBuilder().WithScheme(scheme).Build()
	app := testApp(false)
	engine := apply.NewEngine(fakeClient, 2, metrics.NewNoopCollector(), nil, nil)

	desired := []*unstructured.Unstructured{configMap("frontend-env", "web", nil)}

	diffs, err := diff.Compute(desired, nil)
	require.NoError(t, err)

	outcome := engine.Apply(context.Background(), app, diffs)

	assert.Zero(t, outcome.Failed)
	assert.False(t, outcome.Superseded)
	require.Len(t, outcome.Results, 1)
	assert.True(t, outcome.Results[0].Success)
	assert.Equal(t, v1alpha1.DiffActionAdd, outcome.Results[0].Action)

	var created unstructured.Unstructured

	created.SetAPIVersion("v1")
	created.SetKind("ConfigMap")
	require.NoError(t, fakeClient.Get(context.Background(),
		types.NamespacedName{Name: "frontend-env", Namespace: "web"}, &created))
	assert.Equal(t, app.OwnerValue(), created.GetLabels()[v1alpha1.OwnershipLabel])
}

func TestApplyPartialFailureContainment(t *testing.T) {
	t.Parallel()

	scheme := newTestScheme(t)

	// One resource is rejected by the cluster; the other entry of the same
	// wave must still be applied.
	fakeClient := fake.NewClientBuilder().
		WithScheme(scheme).
		WithInterceptorFuncs(interceptor.Funcs{
			Patch: func(ctx context.Context, c client.WithWatch, obj client.Object,
				patch client.Patch, opts ...client.PatchOption,
			) error {
				if obj.GetName() == "rejected" {
					return apierrors.NewBadRequest("admission webhook denied")
				}

				return c.Patch(ctx, obj, patch, opts...)
			},
		}).
		Build()

	app := testApp(false)
	engine := apply.NewEngine(fakeClient, 2, metrics.NewNoopCollector(), nil, nil)

	desired := []*unstructured.Unstructured{
		configMap("rejected", "web", nil),
		configMap("accepted", "web", nil),
	}

	diffs, err := diff.Compute(desired, nil)
	require.NoError(t, err)

	outcome := engine.Apply(context.Background(), app, diffs)

	assert.Equal(t, 1, outcome.Failed)
	require.Len(t, outcome.Results, 2)

	byName := map[string]v1alpha1.ResourceResult{}
	for _, result := range outcome.Results {
		byName[result.Name] = result
	}

	assert.False(t, byName["rejected"].Success)
	assert.Contains(t, byName["rejected"].Message, "admission webhook denied")
	assert.True(t, byName["accepted"].Success)
}

func TestApplyPruneDisabledSkipsRemoves(t *testing.T) {
	t.Parallel()

	scheme := newTestScheme(t)
	app := testApp(false)
	orphan := configMap("orphan", "web", ownedLabels(app))

	fakeClient := fake.NewClientBuilder().WithScheme(scheme).WithObjects(orphan).Build()
	engine := apply.NewEngine(fakeClient, 2, metrics.NewNoopCollector(), nil, nil)

	diffs, err := diff.Compute(nil, []*unstructured.Unstructured{orphan})
	require.NoError(t, err)

	outcome := engine.Apply(context.Background(), app, diffs)

	assert.Zero(t, outcome.Failed)
	assert.Equal(t, 1, outcome.PendingPrune)

	var still unstructured.Unstructured

	still.SetAPIVersion("v1")
	still.SetKind("ConfigMap")
	assert.NoError(t, fakeClient.Get(context.Background(),
		types.NamespacedName{Name: "orphan", Namespace: "web"}, &still))
}

func TestApplyPruneEnabledDeletes(t *testing.T) {
	t.Parallel()

	scheme := newTestScheme(t)
	app := testApp(true)
	orphan := configMap("orphan", "web", ownedLabels(app))

	fakeClient := fake.NewClientBuilder().WithScheme(scheme).WithObjects(orphan).Build()
	engine := apply.NewEngine(fakeClient, 2, metrics.NewNoopCollector(), nil, nil)

	diffs, err := diff.Compute(nil, []*unstructured.Unstructured{orphan})
	require.NoError(t, err)

	outcome := engine.Apply(context.Background(), app, diffs)

	assert.Zero(t, outcome.Failed)
	assert.Zero(t, outcome.PendingPrune)
	require.Len(t, outcome.Results, 1)
	assert.True(t, outcome.Results[0].Success)

	var gone unstructured.Unstructured

	gone.SetAPIVersion("v1")
	gone.SetKind("ConfigMap")
	err = fakeClient.Get(context.Background(),
		types.NamespacedName{Name: "orphan", Namespace: "web"}, &gone)
	assert.True(t, apierrors.IsNotFound(err))
}

func TestApplyOwnershipConflictOnUpdate(t *testing.T) {
	t.Parallel()

	scheme := newTestScheme(t)
	app := testApp(false)

	foreign := configMap("shared", "web", map[string]string{
		v1alpha1.OwnershipLabel: "other_app",
	})

	fakeClient := fake.NewClientBuilder().WithScheme(scheme).WithObjects(foreign).Build()
	engine := apply.NewEngine(fakeClient, 2, metrics.NewNoopCollector(), nil, nil)

	desired := configMap("shared", "web", nil)
	require.NoError(t, unstructured.SetNestedField(desired.Object, "changed", "data", "key"))

	diffs, err := diff.Compute(
		[]*unstructured.Unstructured{desired},
		[]*unstructured.Unstructured{foreign},
	)
	require.NoError(t, err)

	outcome := engine.Apply(context.Background(), app, diffs)

	assert.Equal(t, 1, outcome.Failed)
	require.Len(t, outcome.Results, 1)
	assert.False(t, outcome.Results[0].Success)
	assert.Contains(t, outcome.Results[0].Message, "ownership conflict")
}

func TestApplyOwnershipConflictOnCreate(t *testing.T) {
	t.Parallel()

	scheme := newTestScheme(t)
	app := testApp(false)

	// The live collection is label-scoped, so a resource created by another
	// Application shows up as an Add. The pre-create read must catch it.
	foreign := configMap("shared", "web", map[string]string{
		v1alpha1.OwnershipLabel: "other_app",
	})

	fakeClient := fake.NewClientBuilder().WithScheme(scheme).WithObjects(foreign).Build()
	engine := apply.NewEngine(fakeClient, 2, metrics.NewNoopCollector(), nil, nil)

	diffs, err := diff.Compute([]*unstructured.Unstructured{configMap("shared", "web", nil)}, nil)
	require.NoError(t, err)

	outcome := engine.Apply(context.Background(), app, diffs)

	assert.Equal(t, 1, outcome.Failed)
	assert.Contains(t, outcome.Results[0].Message, "ownership conflict")
}

func TestApplyNoOpTouchesNothing(t *testing.T) {
	t.Parallel()

	scheme := newTestScheme(t)
	app := testApp(false)

	// Any write would blow up; NoOp entries must never reach the client.
	fakeClient := fake.NewClientBuilder().
		WithScheme(scheme).
		WithInterceptorFuncs(interceptor.Funcs{
			Patch: func(_ context.Context, _ client.WithWatch, _ client.Object,
				_ client.Patch, _ ...client.PatchOption,
			) error {
				return errors.New("unexpected write")
			},
		}).
		Build()

	engine := apply.NewEngine(fakeClient, 2, metrics.NewNoopCollector(), nil, nil)

	live := configMap("same", "web", ownedLabels(app))

	diffs, err := diff.Compute(
		[]*unstructured.Unstructured{configMap("same", "web", nil)},
		[]*unstructured.Unstructured{live},
	)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	require.Equal(t, v1alpha1.DiffActionNoOp, diffs[0].Action)

	outcome := engine.Apply(context.Background(), app, diffs)

	assert.Zero(t, outcome.Failed)
	assert.True(t, outcome.Results[0].Success)
}

func TestApplyCancelledContextSupersedes(t *testing.T) {
	t.Parallel()

	scheme := newTestScheme(t)
	app := testApp(false)
	fakeClient := fake.NewClientBuilder().WithScheme(scheme).Build()
	engine := apply.NewEngine(fakeClient, 2, metrics.NewNoopCollector(), nil, nil)

	diffs, err := diff.Compute([]*unstructured.Unstructured{configMap("never", "web", nil)}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := engine.Apply(ctx, app, diffs)

	assert.True(t, outcome.Superseded)
	assert.Zero(t, outcome.Failed)
	assert.False(t, outcome.Results[0].Success)
}
