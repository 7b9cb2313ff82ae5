package render

import (
	"context"

	"helm.sh/helm/v4/pkg/action"
	"helm.sh/helm/v4/pkg/chart/loader"
	"helm.sh/helm/v4/pkg/release"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/driftwatch/driftwatch/api/v1alpha1"
	"github.com/driftwatch/driftwatch/internal/syncerr"
)

// renderHelm renders the directory as a Helm chart with the Application's
// inline values. Rendering is client-side only: the install action runs in
// dry-run mode and never touches a cluster, so the release is synthetic and
// only its manifest is kept.
//
//nolint:noinlineerr // inline error handling
func (r *Renderer) renderHelm(
	ctx context.Context,
	app *v1alpha1.Application,
	dir string,
) ([]*unstructured.Unstructured, error) {
	loadedChart, err := loader.Load(dir)
	if err != nil {
		return nil, syncerr.Render(err, "failed to load chart")
	}

	values := map[string]any{}
	if app.Spec.Source.HelmValues != "" {
		if umErr := sigsyaml.Unmarshal([]byte(app.Spec.Source.HelmValues), &values); umErr != nil {
			return nil, syncerr.Render(umErr, "failed to parse inline helm values")
		}
	}

	install := action.NewInstall(&action.Configuration{})
	install.ReleaseName = app.Name
	install.Namespace = app.Spec.Destination.Namespace
	install.DryRunStrategy = action.DryRunClient
	install.IncludeCRDs = true

	rel, err := install.RunWithContext(ctx, loadedChart, values)
	if err != nil {
		return nil, syncerr.Render(err, "failed to render chart")
	}

	accessor, err := release.NewAccessor(rel)
	if err != nil {
		return nil, syncerr.Render(err, "failed to read rendered release")
	}

	objs, err := DecodeDocuments([]byte(accessor.Manifest()))
	if err != nil {
		return nil, syncerr.Render(err, "failed to decode rendered chart")
	}

	return objs, nil
}
