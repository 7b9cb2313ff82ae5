package metrics

import (
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/driftwatch/driftwatch/internal/syncerr"
)

// Error type constants for metrics labels.
const (
	ErrorTypeConflict = "conflict"
	ErrorTypeTimeout  = "timeout"
	ErrorTypeNetwork  = "network"
)

// ClassifySyncError classifies an error from the reconciliation pipeline for
// metrics labeling. Returns an empty string for nil errors.
func ClassifySyncError(err error) string {
	if err == nil {
		return ""
	}

	// Taxonomy marks win over everything else.
	if class := syncerr.Classify(err); class != syncerr.ClassUnknown {
		return class
	}

	// Typed errors from the Kubernetes API server.
	switch {
	case apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err):
		return syncerr.ClassAuth
	case apierrors.IsConflict(err):
		return ErrorTypeConflict
	case apierrors.IsInvalid(err) || apierrors.IsBadRequest(err):
		return syncerr.ClassApply
	}

	return classifyByErrorMessage(err.Error())
}

func classifyByErrorMessage(errStr string) string {
	errLower := strings.ToLower(errStr)

	switch {
	case strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline"):
		return ErrorTypeTimeout
	case strings.Contains(errLower, "connection refused") || strings.Contains(errLower, "no such host"):
		return ErrorTypeNetwork
	default:
		return syncerr.ClassUnknown
	}
}
