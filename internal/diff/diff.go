// Package diff computes the ordered difference between desired and live
// state for one Application.
//
// The comparison treats the desired object as a field subset: a live
// resource matches when every field the desired manifest declares is present
// with the same value in the live object. Fields added by the API server or
// other controllers (status, defaulted spec fields, managed metadata) never
// produce spurious Update entries, which is what makes repeated cycles
// idempotent.
package diff

import (
	"reflect"
	"sort"

	"github.com/cockroachdb/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/driftwatch/driftwatch/api/v1alpha1"
	"github.com/driftwatch/driftwatch/internal/syncerr"
)

// ResourceKey identifies a resource within one Application's scope.
// Version is deliberately absent: the same object served under two versions
// is one resource.
type ResourceKey struct {
	Group     string
	Kind      string
	Namespace string
	Name      string
}

// ResourceDiff is one entry of a computed diff.
type ResourceDiff struct {
	// Action is one of the v1alpha1.DiffAction constants.
	Action string

	Key ResourceKey

	// Desired is set for Add, Update, and NoOp.
	Desired *unstructured.Unstructured

	// Live is set for Update, Remove, and NoOp.
	Live *unstructured.Unstructured

	// Wave is the creation-dependency weight used for apply sequencing.
	Wave int

	// declOrder is the position within the rendered manifest, used as the
	// ordering tie-breaker.
	declOrder int
}

// Compute compares desired objects against live objects and returns the
// ordered diff: Add and Update entries in creation-dependency order (ties in
// declaration order), then Remove entries in reverse dependency order so
// dependents go before their prerequisites.
//
//nolint:noinlineerr // inline error handling
func Compute(desired, live []*unstructured.Unstructured) ([]ResourceDiff, error) {
	liveByKey := make(map[ResourceKey]*unstructured.Unstructured, len(live))
	for _, obj := range live {
		liveByKey[keyOf(obj)] = obj
	}

	diffs := make([]ResourceDiff, 0, len(desired)+len(live))
	seen := make(map[ResourceKey]bool, len(desired))

	for idx, obj := range desired {
		if err := validateDesired(obj); err != nil {
			return nil, err
		}

		key := keyOf(obj)
		if seen[key] {
			return nil, syncerr.Diff(
				errors.Newf("duplicate resource %s/%s %s/%s in desired state",
					key.Group, key.Kind, key.Namespace, key.Name),
				"malformed desired manifest",
			)
		}

		seen[key] = true

		entry := ResourceDiff{
			Key:       key,
			Desired:   obj,
			Wave:      KindWeight(obj.GetKind()),
			declOrder: idx,
		}

		liveObj, exists := liveByKey[key]

		switch {
		case !exists:
			entry.Action = v1alpha1.DiffActionAdd
		case Matches(obj, liveObj):
			entry.Action = v1alpha1.DiffActionNoOp
			entry.Live = liveObj
		default:
			entry.Action = v1alpha1.DiffActionUpdate
			entry.Live = liveObj
		}

		diffs = append(diffs, entry)
	}

	removes := make([]ResourceDiff, 0, len(live))

	for _, obj := range live {
		key := keyOf(obj)
		if seen[key] {
			continue
		}

		removes = append(removes, ResourceDiff{
			Action: v1alpha1.DiffActionRemove,
			Key:    key,
			Live:   obj,
			Wave:   KindWeight(obj.GetKind()),
		})
	}

	sort.SliceStable(diffs, func(i, j int) bool {
		if diffs[i].Wave != diffs[j].Wave {
			return diffs[i].Wave < diffs[j].Wave
		}

		return diffs[i].declOrder < diffs[j].declOrder
	})

	// Dependent resources are removed before what they depend on.
	sort.SliceStable(removes, func(i, j int) bool {
		return removes[i].Wave > removes[j].Wave
	})

	return append(diffs, removes...), nil
}

// HasChanges reports whether the diff contains any entry other than NoOp.
func HasChanges(diffs []ResourceDiff) bool {
	for i := range diffs {
		if diffs[i].Action != v1alpha1.DiffActionNoOp {
			return true
		}
	}

	return false
}

// Matches reports whether every field declared by desired is present with an
// equal value in live. Kubernetes-managed metadata is excluded.
func Matches(desired, live *unstructured.Unstructured) bool {
	return containsSubset(pruneForCompare(desired.Object), live.Object)
}

// DefaultNamespaces sets the Application's destination namespace on every
// namespaced object that does not declare one. Scope is resolved through the
// RESTMapper; kinds the mapper does not know are assumed namespaced.
func DefaultNamespaces(mapper meta.RESTMapper, objs []*unstructured.Unstructured, namespace string) {
	for _, obj := range objs {
		if obj.GetNamespace() != "" {
			continue
		}

		if isNamespaced(mapper, obj.GroupVersionKind()) {
			obj.SetNamespace(namespace)
		}
	}
}

//nolint:noinlineerr // inline error handling
func isNamespaced(mapper meta.RESTMapper, gvk schema.GroupVersionKind) bool {
	if mapper == nil {
		return true
	}

	mapping, err := mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return true
	}

	return mapping.Scope.Name() == meta.RESTScopeNameNamespace
}

func keyOf(obj *unstructured.Unstructured) ResourceKey {
	gvk := obj.GroupVersionKind()

	return ResourceKey{
		Group:     gvk.Group,
		Kind:      gvk.Kind,
		Namespace: obj.GetNamespace(),
		Name:      obj.GetName(),
	}
}

//nolint:wrapcheck // errors.Newf creates new errors
func validateDesired(obj *unstructured.Unstructured) error {
	switch {
	case obj.GetAPIVersion() == "":
		return syncerr.Diff(errors.Newf("resource %q has no apiVersion", obj.GetName()), "malformed desired manifest")
	case obj.GetKind() == "":
		return syncerr.Diff(errors.Newf("resource %q has no kind", obj.GetName()), "malformed desired manifest")
	case obj.GetName() == "":
		return syncerr.Diff(errors.Newf("resource of kind %s has no name", obj.GetKind()), "malformed desired manifest")
	}

	return nil
}

// pruneForCompare strips fields the API server owns so they never trigger
// Update entries.
func pruneForCompare(desired map[string]any) map[string]any {
	pruned := make(map[string]any, len(desired))

	for field, value := range desired {
		if field == "status" {
			continue
		}

		pruned[field] = value
	}

	if metadata, ok := pruned["metadata"].(map[string]any); ok {
		cleanMeta := make(map[string]any, len(metadata))

		for field, value := range metadata {
			switch field {
			case "creationTimestamp", "resourceVersion", "uid", "generation", "managedFields":
				continue
			default:
				cleanMeta[field] = value
			}
		}

		pruned["metadata"] = cleanMeta
	}

	return pruned
}

// containsSubset reports whether every entry of want appears in have.
// Maps recurse field-wise; slices compare element-wise at equal length,
// since element order in Kubernetes lists is semantic (containers, env,
// ports); scalars compare after numeric normalization.
func containsSubset(want, have any) bool {
	switch wantTyped := want.(type) {
	case map[string]any:
		haveMap, ok := have.(map[string]any)
		if !ok {
			return false
		}

		for field, wantValue := range wantTyped {
			haveValue, exists := haveMap[field]
			if !exists {
				return false
			}

			if !containsSubset(wantValue, haveValue) {
				return false
			}
		}

		return true
	case []any:
		haveSlice, ok := have.([]any)
		if !ok || len(haveSlice) != len(wantTyped) {
			return false
		}

		for i := range wantTyped {
			if !containsSubset(wantTyped[i], haveSlice[i]) {
				return false
			}
		}

		return true
	default:
		return reflect.DeepEqual(normalizeValue(want), normalizeValue(have))
	}
}

// normalizeValue widens numeric types so a manifest's int compares equal to
// the API server's int64 or float64 rendering of the same number.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	default:
		return value
	}
}
