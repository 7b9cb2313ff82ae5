// Package render turns a fetched source checkout into Kubernetes objects.
//
// Three rendering modes are supported: plain YAML documents, kustomize
// overlays, and Helm charts rendered client-side with inline values.
package render

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/kustomize/kyaml/kio"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/driftwatch/driftwatch/api/v1alpha1"
	"github.com/driftwatch/driftwatch/internal/metrics"
	"github.com/driftwatch/driftwatch/internal/source"
	"github.com/driftwatch/driftwatch/internal/syncerr"
)

// Renderer renders a checkout into unstructured objects.
type Renderer struct {
	metrics metrics.Collector
	logger  *slog.Logger
}

// NewRenderer creates a new Renderer.
func NewRenderer(metricsCollector metrics.Collector, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Renderer{
		metrics: metricsCollector,
		logger:  logger.With("component", "renderer"),
	}
}

// Render renders the Application's source path within the checkout according
// to the declared render mode. Objects are returned in declaration order.
//
//nolint:noinlineerr // inline error handling
func (r *Renderer) Render(
	ctx context.Context,
	app *v1alpha1.Application,
	checkout *source.Checkout,
) ([]*unstructured.Unstructured, error) {
	mode := app.Spec.Source.GetRenderMode()
	dir := filepath.Join(checkout.Dir, filepath.FromSlash(app.Spec.Source.Path))

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, syncerr.Fetch(
			errors.Newf("path %q does not exist in revision %s", app.Spec.Source.Path, checkout.SHA),
			"source path missing",
		)
	}

	startTime := time.Now()

	var (
		objs []*unstructured.Unstructured
		err  error
	)

	switch mode {
	case v1alpha1.RenderModePlain:
		objs, err = r.renderPlain(dir)
	case v1alpha1.RenderModeKustomize:
		objs, err = r.renderKustomize(dir)
	case v1alpha1.RenderModeHelm:
		objs, err = r.renderHelm(ctx, app, dir)
	default:
		err = syncerr.Render(errors.Newf("unsupported render mode %q", mode), "invalid render mode")
	}

	if err != nil {
		r.metrics.RecordRender(ctx, mode, "error", time.Since(startTime))

		return nil, err
	}

	r.metrics.RecordRender(ctx, mode, "success", time.Since(startTime))
	r.logger.Debug("rendered desired state", "mode", mode, "objects", len(objs))

	return objs, nil
}

// renderPlain reads every YAML document under dir, recursively, in
// lexicographic path order.
//
//nolint:funcorder,noinlineerr // private helper
func (r *Renderer) renderPlain(dir string) ([]*unstructured.Unstructured, error) {
	var objs []*unstructured.Unstructured

	walkErr := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return errors.Wrap(err, "failed to walk source path")
		}

		if entry.IsDir() {
			// Hidden directories hold git internals and editor state.
			if entry.Name() != "." && entry.Name()[0] == '.' {
				return filepath.SkipDir
			}

			return nil
		}

		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return errors.Wrapf(readErr, "failed to read %s", path)
		}

		fileObjs, decodeErr := DecodeDocuments(data)
		if decodeErr != nil {
			return errors.Wrapf(decodeErr, "failed to decode %s", path)
		}

		objs = append(objs, fileObjs...)

		return nil
	})
	if walkErr != nil {
		return nil, syncerr.Render(walkErr, "failed to render plain manifests")
	}

	return objs, nil
}

// DecodeDocuments splits a multi-document YAML stream and decodes each
// non-empty document into an unstructured object, preserving order.
//
//nolint:noinlineerr // inline error handling
func DecodeDocuments(data []byte) ([]*unstructured.Unstructured, error) {
	reader := &kio.ByteReader{
		Reader:                bytes.NewReader(data),
		OmitReaderAnnotations: true,
	}

	nodes, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML stream")
	}

	objs := make([]*unstructured.Unstructured, 0, len(nodes))

	for _, node := range nodes {
		if node.IsNilOrEmpty() {
			continue
		}

		text, strErr := node.String()
		if strErr != nil {
			return nil, errors.Wrap(strErr, "failed to serialize YAML node")
		}

		content := map[string]any{}
		if umErr := sigsyaml.Unmarshal([]byte(text), &content); umErr != nil {
			return nil, errors.Wrap(umErr, "failed to decode YAML document")
		}

		if len(content) == 0 {
			continue
		}

		objs = append(objs, &unstructured.Unstructured{Object: content})
	}

	return objs, nil
}
