package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/driftwatch/driftwatch/api/v1alpha1"
)

func newTestHandler(t *testing.T, objs ...client.Object) (http.Handler, client.Client) {
	t.Helper()

	scheme := runtime.NewScheme()
	require.NoError(t, v1alpha1.AddToScheme(scheme))

	fakeClient := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		Build()

	server := New(fakeClient, ":0", nil)

	return server.routes(), fakeClient
}

func sampleApp() *v1alpha1.Application {
	return &v1alpha1.Application{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "frontend",
			Namespace: "prod",
		},
		Spec: v1alpha1.ApplicationSpec{
			Source: v1alpha1.ApplicationSource{
				RepoURL:  "https://git.example.com/frontend.git",
				Revision: "main",
				Path:     "deploy",
			},
			Destination: v1alpha1.ApplicationDestination{Namespace: "web"},
		},
		Status: v1alpha1.ApplicationStatus{
			Phase:            v1alpha1.SyncPhaseSynced,
			ObservedRevision: "abc123",
			History: []v1alpha1.SyncResult{
				{ID: "s1", Revision: "abc123", Outcome: v1alpha1.SyncOutcomeSynced},
			},
		},
	}
}

func TestListApplications(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t, sampleApp())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/applications", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Items []applicationSummary `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))

	require.Len(t, payload.Items, 1)
	assert.Equal(t, "frontend", payload.Items[0].Name)
	assert.Equal(t, "prod", payload.Items[0].Namespace)
	assert.Equal(t, "main", payload.Items[0].Revision)
	assert.Equal(t, v1alpha1.SyncPhaseSynced, payload.Items[0].Phase)
	assert.Equal(t, "abc123", payload.Items[0].ObservedRevision)
}

func TestGetApplication(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t, sampleApp())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/applications/prod/frontend", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var app v1alpha1.Application
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &app))
	assert.Equal(t, "https://git.example.com/frontend.git", app.Spec.Source.RepoURL)
}

func TestGetApplicationNotFound(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/applications/prod/absent", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetHistory(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t, sampleApp())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/applications/prod/frontend/history", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Items []v1alpha1.SyncResult `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))

	require.Len(t, payload.Items, 1)
	assert.Equal(t, "s1", payload.Items[0].ID)
}

func TestTriggerSync(t *testing.T) {
	t.Parallel()

	handler, fakeClient := newTestHandler(t, sampleApp())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/applications/prod/frontend/sync", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)

	var updated v1alpha1.Application
	require.NoError(t, fakeClient.Get(context.Background(),
		types.NamespacedName{Name: "frontend", Namespace: "prod"}, &updated))

	assert.Contains(t, updated.Annotations, v1alpha1.ForceSyncAnnotation)
}

func TestTriggerSyncNotFound(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/applications/prod/absent/sync", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
