package metrics_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/driftwatch/driftwatch/internal/metrics"
	"github.com/driftwatch/driftwatch/internal/syncerr"
)

func TestClassifySyncError(t *testing.T) {
	t.Parallel()

	applicationResource := schema.GroupResource{
		Group:    "sync.driftwatch.io",
		Resource: "applications",
	}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "nil error",
			err:  nil,
			want: "",
		},
		{
			name: "taxonomy mark wins",
			err:  syncerr.Fetch(errors.New("connection refused"), "clone failed"),
			want: syncerr.ClassFetch,
		},
		{
			name: "api conflict",
			err:  apierrors.NewConflict(applicationResource, "demo", errors.New("stale")),
			want: metrics.ErrorTypeConflict,
		},
		{
			name: "api forbidden",
			err:  apierrors.NewForbidden(applicationResource, "demo", errors.New("rbac")),
			want: syncerr.ClassAuth,
		},
		{
			name: "api bad request",
			err:  apierrors.NewBadRequest("malformed patch"),
			want: syncerr.ClassApply,
		},
		{
			name: "timeout by message",
			err:  errors.New("context deadline exceeded"),
			want: metrics.ErrorTypeTimeout,
		},
		{
			name: "network by message",
			err:  errors.New("dial tcp: connection refused"),
			want: metrics.ErrorTypeNetwork,
		},
		{
			name: "unknown",
			err:  errors.New("who knows"),
			want: syncerr.ClassUnknown,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.want, metrics.ClassifySyncError(testCase.err))
		})
	}
}
