package apply

import (
	"context"

	"github.com/cockroachdb/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/driftwatch/driftwatch/api/v1alpha1"
)

// GatherGVKs returns the union of group-version-kinds present in the desired
// objects and in a previous sync attempt's resource records. The previous
// records matter when a kind disappears from the desired state entirely:
// without them its orphaned live resources would never be listed again.
func GatherGVKs(
	desired []*unstructured.Unstructured,
	previous []v1alpha1.ResourceResult,
) []schema.GroupVersionKind {
	seen := map[schema.GroupVersionKind]bool{}

	var gvks []schema.GroupVersionKind

	add := func(gvk schema.GroupVersionKind) {
		if gvk.Kind == "" || seen[gvk] {
			return
		}

		seen[gvk] = true
		gvks = append(gvks, gvk)
	}

	for _, obj := range desired {
		add(obj.GroupVersionKind())
	}

	for i := range previous {
		add(schema.GroupVersionKind{
			Group:   previous[i].Group,
			Version: previous[i].Version,
			Kind:    previous[i].Kind,
		})
	}

	return gvks
}

// CollectLive lists the live resources owned by the Application across the
// given kinds. Kinds not installed on the cluster are skipped: a desired CRD
// not yet applied must not fail collection of everything else.
//
//nolint:noinlineerr // inline error handling
func (e *Engine) CollectLive(
	ctx context.Context,
	app *v1alpha1.Application,
	gvks []schema.GroupVersionKind,
) ([]*unstructured.Unstructured, error) {
	var live []*unstructured.Unstructured

	for _, gvk := range gvks {
		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(schema.GroupVersionKind{
			Group:   gvk.Group,
			Version: gvk.Version,
			Kind:    gvk.Kind + "List",
		})

		err := e.client.List(ctx, list, client.MatchingLabels{
			v1alpha1.OwnershipLabel: app.OwnerValue(),
		})
		if meta.IsNoMatchError(err) {
			continue
		}

		if err != nil {
			return nil, errors.Wrapf(err, "failed to list live %s resources", gvk.Kind)
		}

		for i := range list.Items {
			live = append(live, &list.Items[i])
		}
	}

	return live, nil
}
