package diff_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/driftwatch/driftwatch/api/v1alpha1"
	"github.com/driftwatch/driftwatch/internal/diff"
	"github.com/driftwatch/driftwatch/internal/syncerr"
)

func makeObj(apiVersion, kind, namespace, name string, spec map[string]any) *unstructured.Unstructured {
	obj := map[string]any{
		"apiVersion": apiVersion,
		"kind":       kind,
		"metadata": map[string]any{
			"name": name,
		},
	}

	if namespace != "" {
		obj["metadata"].(map[string]any)["namespace"] = namespace
	}

	if spec != nil {
		obj["spec"] = spec
	}

	return &unstructured.Unstructured{Object: obj}
}

func TestComputeEmptyCluster(t *testing.T) {
	t.Parallel()

	deployment := makeObj("apps/v1", "Deployment", "web", "frontend", map[string]any{
		"replicas": int64(2),
	})
	service := makeObj("v1", "Service", "web", "frontend", map[string]any{
		"type": "ClusterIP",
	})

	diffs, err := diff.Compute([]*unstructured.Unstructured{deployment, service}, nil)

	require.NoError(t, err)
	require.Len(t, diffs, 2)

	// Service has a lower creation-dependency weight than Deployment.
	assert.Equal(t, v1alpha1.DiffActionAdd, diffs[0].Action)
	assert.Equal(t, "Service", diffs[0].Key.Kind)
	assert.Equal(t, v1alpha1.DiffActionAdd, diffs[1].Action)
	assert.Equal(t, "Deployment", diffs[1].Key.Kind)
	assert.True(t, diff.HasChanges(diffs))
}

func TestComputeUpdateAndNoOp(t *testing.T) {
	t.Parallel()

	desiredDeployment := makeObj("apps/v1", "Deployment", "web", "frontend", map[string]any{
		"replicas": int64(3),
	})
	desiredService := makeObj("v1", "Service", "web", "frontend", map[string]any{
		"type": "ClusterIP",
	})

	liveDeployment := makeObj("apps/v1", "Deployment", "web", "frontend", map[string]any{
		"replicas": int64(2),
	})
	liveService := makeObj("v1", "Service", "web", "frontend", map[string]any{
		"type":      "ClusterIP",
		"clusterIP": "10.0.0.7",
	})

	diffs, err := diff.Compute(
		[]*unstructured.Unstructured{desiredDeployment, desiredService},
		[]*unstructured.Unstructured{liveDeployment, liveService},
	)

	require.NoError(t, err)
	require.Len(t, diffs, 2)

	byKind := map[string]string{}
	for _, entry := range diffs {
		byKind[entry.Key.Kind] = entry.Action
	}

	assert.Equal(t, v1alpha1.DiffActionUpdate, byKind["Deployment"])
	assert.Equal(t, v1alpha1.DiffActionNoOp, byKind["Service"])
}

func TestComputeRemoveOrdering(t *testing.T) {
	t.Parallel()

	// Nothing desired: everything live is orphaned. Removes must come out
	// in reverse dependency order, workloads before their namespace.
	liveNamespace := makeObj("v1", "Namespace", "", "web", nil)
	liveDeployment := makeObj("apps/v1", "Deployment", "web", "frontend", nil)
	liveConfig := makeObj("v1", "ConfigMap", "web", "frontend-env", nil)

	diffs, err := diff.Compute(nil,
		[]*unstructured.Unstructured{liveNamespace, liveDeployment, liveConfig})

	require.NoError(t, err)
	require.Len(t, diffs, 3)

	assert.Equal(t, "Deployment", diffs[0].Key.Kind)
	assert.Equal(t, "ConfigMap", diffs[1].Key.Kind)
	assert.Equal(t, "Namespace", diffs[2].Key.Kind)

	for _, entry := range diffs {
		assert.Equal(t, v1alpha1.DiffActionRemove, entry.Action)
	}
}

func TestComputeDeclarationOrderBreaksTies(t *testing.T) {
	t.Parallel()

	first := makeObj("v1", "ConfigMap", "web", "alpha", nil)
	second := makeObj("v1", "ConfigMap", "web", "beta", nil)

	diffs, err := diff.Compute([]*unstructured.Unstructured{first, second}, nil)

	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, "alpha", diffs[0].Key.Name)
	assert.Equal(t, "beta", diffs[1].Key.Name)
}

func TestComputeRejectsMalformedDesired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		obj  *unstructured.Unstructured
	}{
		{
			name: "missing name",
			obj: &unstructured.Unstructured{Object: map[string]any{
				"apiVersion": "v1",
				"kind":       "ConfigMap",
				"metadata":   map[string]any{},
			}},
		},
		{
			name: "missing kind",
			obj: &unstructured.Unstructured{Object: map[string]any{
				"apiVersion": "v1",
				"metadata":   map[string]any{"name": "thing"},
			}},
		},
		{
			name: "missing apiVersion",
			obj: &unstructured.Unstructured{Object: map[string]any{
				"kind":     "ConfigMap",
				"metadata": map[string]any{"name": "thing"},
			}},
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, err := diff.Compute([]*unstructured.Unstructured{testCase.obj}, nil)

			require.Error(t, err)
			assert.True(t, errors.Is(err, syncerr.ErrDiff), "expected %v in chain, got: %v", syncerr.ErrDiff, err)
		})
	}
}

func TestComputeRejectsDuplicates(t *testing.T) {
	t.Parallel()

	obj := makeObj("v1", "ConfigMap", "web", "frontend-env", nil)
	dup := makeObj("v1", "ConfigMap", "web", "frontend-env", nil)

	_, err := diff.Compute([]*unstructured.Unstructured{obj, dup}, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.ErrDiff), "expected %v in chain, got: %v", syncerr.ErrDiff, err)
}

func TestMatchesSubsetSemantics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		desired map[string]any
		live    map[string]any
		want    bool
	}{
		{
			name:    "extra live fields are ignored",
			desired: map[string]any{"spec": map[string]any{"replicas": int64(2)}},
			live: map[string]any{
				"spec":   map[string]any{"replicas": int64(2), "paused": false},
				"status": map[string]any{"readyReplicas": int64(2)},
			},
			want: true,
		},
		{
			name:    "desired status is never compared",
			desired: map[string]any{"status": map[string]any{"phase": "Running"}},
			live:    map[string]any{},
			want:    true,
		},
		{
			name:    "numeric types compare by value",
			desired: map[string]any{"spec": map[string]any{"replicas": 2}},
			live:    map[string]any{"spec": map[string]any{"replicas": int64(2)}},
			want:    true,
		},
		{
			name:    "scalar drift is detected",
			desired: map[string]any{"spec": map[string]any{"replicas": int64(3)}},
			live:    map[string]any{"spec": map[string]any{"replicas": int64(2)}},
			want:    false,
		},
		{
			name: "managed metadata is ignored",
			desired: map[string]any{"metadata": map[string]any{
				"name":            "thing",
				"resourceVersion": "1",
				"uid":             "abc",
			}},
			live: map[string]any{"metadata": map[string]any{
				"name":            "thing",
				"resourceVersion": "42",
				"uid":             "def",
			}},
			want: true,
		},
		{
			name: "list length change is drift",
			desired: map[string]any{"spec": map[string]any{
				"ports": []any{map[string]any{"port": int64(80)}},
			}},
			live: map[string]any{"spec": map[string]any{
				"ports": []any{
					map[string]any{"port": int64(80)},
					map[string]any{"port": int64(443)},
				},
			}},
			want: false,
		},
		{
			name: "list element drift is detected",
			desired: map[string]any{"spec": map[string]any{
				"ports": []any{map[string]any{"port": int64(80)}},
			}},
			live: map[string]any{"spec": map[string]any{
				"ports": []any{map[string]any{"port": int64(8080)}},
			}},
			want: false,
		},
		{
			name:    "missing desired field is drift",
			desired: map[string]any{"spec": map[string]any{"type": "ClusterIP"}},
			live:    map[string]any{"spec": map[string]any{}},
			want:    false,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			desired := &unstructured.Unstructured{Object: testCase.desired}
			live := &unstructured.Unstructured{Object: testCase.live}

			assert.Equal(t, testCase.want, diff.Matches(desired, live))
		})
	}
}

func TestHasChangesAllNoOp(t *testing.T) {
	t.Parallel()

	obj := makeObj("v1", "ConfigMap", "web", "frontend-env", map[string]any{})
	live := makeObj("v1", "ConfigMap", "web", "frontend-env", map[string]any{})

	diffs, err := diff.Compute(
		[]*unstructured.Unstructured{obj},
		[]*unstructured.Unstructured{live},
	)

	require.NoError(t, err)
	assert.False(t, diff.HasChanges(diffs))
}

func TestDefaultNamespacesWithoutMapper(t *testing.T) {
	t.Parallel()

	withNS := makeObj("v1", "ConfigMap", "explicit", "a", nil)
	withoutNS := makeObj("v1", "ConfigMap", "", "b", nil)

	diff.DefaultNamespaces(nil, []*unstructured.Unstructured{withNS, withoutNS}, "fallback")

	assert.Equal(t, "explicit", withNS.GetNamespace())
	assert.Equal(t, "fallback", withoutNS.GetNamespace())
}
