package render

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/kustomize/api/krusty"
	"sigs.k8s.io/kustomize/kyaml/filesys"

	"github.com/driftwatch/driftwatch/internal/syncerr"
)

// renderKustomize builds the directory as a kustomize overlay. Relative
// bases outside dir still resolve because the whole checkout is on disk.
//
//nolint:noinlineerr // inline error handling
func (r *Renderer) renderKustomize(dir string) ([]*unstructured.Unstructured, error) {
	kustomizer := krusty.MakeKustomizer(krusty.MakeDefaultOptions())

	resMap, err := kustomizer.Run(filesys.MakeFsOnDisk(), dir)
	if err != nil {
		return nil, syncerr.Render(err, "failed to build kustomize overlay")
	}

	rendered, err := resMap.AsYaml()
	if err != nil {
		return nil, syncerr.Render(err, "failed to serialize kustomize output")
	}

	objs, err := DecodeDocuments(rendered)
	if err != nil {
		return nil, syncerr.Render(err, "failed to decode kustomize output")
	}

	return objs, nil
}
