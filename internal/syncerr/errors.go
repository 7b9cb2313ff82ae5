// Package syncerr defines the error taxonomy shared by the reconciliation
// pipeline. Errors are classified with cockroachdb/errors marks so that a
// failure can be wrapped freely on the way up and still classified at the
// reporting boundary.
package syncerr

import (
	"github.com/cockroachdb/errors"
)

// Sentinel marks for the reconciliation error taxonomy.
//
//nolint:gochecknoglobals // sentinel errors
var (
	// ErrFetch marks failures reaching or reading the desired-state source.
	ErrFetch = errors.New("fetch error")

	// ErrRender marks templating or overlay resolution failures.
	ErrRender = errors.New("render error")

	// ErrDiff marks malformed desired manifests.
	ErrDiff = errors.New("diff error")

	// ErrApply marks per-resource write rejections on the target cluster.
	ErrApply = errors.New("apply error")

	// ErrAuth marks credentials rejected by the source or the target.
	ErrAuth = errors.New("auth error")
)

// Classification labels, used for metrics and condition reasons.
const (
	ClassFetch   = "fetch"
	ClassRender  = "render"
	ClassDiff    = "diff"
	ClassApply   = "apply"
	ClassAuth    = "auth"
	ClassUnknown = "unknown"
)

// Fetch wraps err as a FetchError.
func Fetch(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrFetch)
}

// Render wraps err as a RenderError.
func Render(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrRender)
}

// Diff wraps err as a DiffError.
func Diff(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrDiff)
}

// Apply wraps err as an ApplyError.
func Apply(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrApply)
}

// Auth wraps err as an AuthError.
func Auth(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrAuth)
}

// Authf creates a new AuthError.
func Authf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrAuth)
}

// Classify returns the taxonomy class of err. Auth wins over the other
// classes: a fetch rejected for bad credentials is an auth error.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return ClassAuth
	case errors.Is(err, ErrFetch):
		return ClassFetch
	case errors.Is(err, ErrRender):
		return ClassRender
	case errors.Is(err, ErrDiff):
		return ClassDiff
	case errors.Is(err, ErrApply):
		return ClassApply
	default:
		return ClassUnknown
	}
}

// BlocksCycle reports whether err invalidates the whole reconciliation cycle.
// Apply errors are scoped to individual resources; everything else blocks.
func BlocksCycle(err error) bool {
	if err == nil {
		return false
	}

	return !errors.Is(err, ErrApply)
}
