package v1alpha1

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Render modes supported by ApplicationSource.
const (
	// RenderModePlain applies the YAML documents under the source path as-is.
	RenderModePlain = "plain"

	// RenderModeKustomize builds the source path as a kustomize overlay.
	RenderModeKustomize = "kustomize"

	// RenderModeHelm renders the source path as a Helm chart with inline values.
	RenderModeHelm = "helm"
)

// Sync phases an Application moves through. The loop is perpetual: a phase
// is never terminal while the Application exists.
const (
	SyncPhaseUnknown   = "Unknown"
	SyncPhaseOutOfSync = "OutOfSync"
	SyncPhaseSyncing   = "Syncing"
	SyncPhaseSynced    = "Synced"
	SyncPhaseError     = "Error"
)

// Sync outcomes recorded in a SyncResult.
const (
	SyncOutcomeSynced     = "Synced"
	SyncOutcomeOutOfSync  = "OutOfSync"
	SyncOutcomeError      = "Error"
	SyncOutcomeSuperseded = "Superseded"
)

// Diff actions recorded per resource in a SyncResult.
const (
	DiffActionAdd    = "Add"
	DiffActionUpdate = "Update"
	DiffActionRemove = "Remove"
	DiffActionNoOp   = "NoOp"
)

const (
	// OwnershipLabel binds a live resource to the Application that created it.
	// The value is "<namespace>_<name>" of the owning Application.
	OwnershipLabel = "sync.driftwatch.io/application"

	// ForceSyncAnnotation triggers an immediate reconciliation when its value
	// changes. The operator API sets it to an RFC3339 timestamp.
	ForceSyncAnnotation = "sync.driftwatch.io/force-sync"

	defaultPollInterval = 3 * time.Minute
)

// SecretReference is a reference to a Kubernetes Secret.
type SecretReference struct {
	// Name of the Secret.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	Name string `json:"name"`

	// Namespace of the Secret. Defaults to the namespace of the Application.
	// +optional
	Namespace string `json:"namespace,omitempty"`
}

// ApplicationSource declares where desired state is fetched from.
type ApplicationSource struct {
	// RepoURL is the Git repository URL (https:// or ssh://).
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	RepoURL string `json:"repoURL"`

	// Revision is a branch, tag, commit SHA, or a semver constraint
	// (e.g. "^1.2") matched against non-prerelease tags.
	// +optional
	// +kubebuilder:default="HEAD"
	Revision string `json:"revision,omitempty"`

	// Path is the directory within the repository holding the manifests.
	// +optional
	Path string `json:"path,omitempty"`

	// RenderMode selects how the path is turned into manifests.
	// +optional
	// +kubebuilder:validation:Enum=plain;kustomize;helm;""
	// +kubebuilder:default="plain"
	RenderMode string `json:"renderMode,omitempty"`

	// HelmValues is an inline YAML values document for the helm render mode.
	// +optional
	HelmValues string `json:"helmValues,omitempty"`

	// CredentialsSecretRef references a Secret with repository credentials.
	// Supported keys: "username"/"password" or "token" for HTTPS,
	// "sshPrivateKey" for SSH.
	// +optional
	CredentialsSecretRef *SecretReference `json:"credentialsSecretRef,omitempty"`
}

// ApplicationDestination declares the target cluster and namespace.
type ApplicationDestination struct {
	// Server is the API server URL of the target cluster. Empty means the
	// cluster the controller runs in.
	// +optional
	Server string `json:"server,omitempty"`

	// Namespace is the target namespace for namespaced resources that do
	// not declare one.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	Namespace string `json:"namespace"`
}

// SyncPolicy tunes the reconciliation loop for one Application.
type SyncPolicy struct {
	// Interval between reconciliation cycles. Defaults to 3m.
	// +optional
	Interval *metav1.Duration `json:"interval,omitempty"`

	// Prune enables deletion of owned live resources that are no longer in
	// the desired state. When false, Remove diffs are reported but not
	// executed and the Application stays OutOfSync.
	// +optional
	Prune bool `json:"prune,omitempty"`
}

// ApplicationSpec defines the desired state of Application.
type ApplicationSpec struct {
	// Source declares the desired-state source.
	// +kubebuilder:validation:Required
	Source ApplicationSource `json:"source"`

	// Destination declares the live-state target.
	// +kubebuilder:validation:Required
	Destination ApplicationDestination `json:"destination"`

	// SyncPolicy tunes the reconciliation loop.
	// +optional
	SyncPolicy SyncPolicy `json:"syncPolicy,omitempty"`
}

// ResourceResult records the outcome for one resource within a sync attempt.
type ResourceResult struct {
	// Group/Version/Kind of the resource.
	Group   string `json:"group,omitempty"`
	Version string `json:"version"`
	Kind    string `json:"kind"`

	// Namespace and Name identify the resource.
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`

	// Action is one of Add, Update, Remove, NoOp.
	Action string `json:"action"`

	// Success reports whether the action was applied.
	Success bool `json:"success"`

	// Message is a human-readable diagnostic for failed actions.
	// +optional
	Message string `json:"message,omitempty"`
}

// SyncResult records one reconciliation attempt. Immutable once written.
type SyncResult struct {
	// ID is the unique identifier of the attempt.
	ID string `json:"id"`

	// Revision is the commit SHA the attempt applied.
	// +optional
	Revision string `json:"revision,omitempty"`

	// Outcome is one of Synced, OutOfSync, Error, Superseded.
	Outcome string `json:"outcome"`

	// Message is a human-readable diagnostic for the attempt.
	// +optional
	Message string `json:"message,omitempty"`

	// StartedAt and FinishedAt bound the attempt.
	StartedAt  metav1.Time `json:"startedAt"`
	FinishedAt metav1.Time `json:"finishedAt"`

	// Resources lists per-resource diff results, in apply order.
	// +optional
	Resources []ResourceResult `json:"resources,omitempty"`
}

// ApplicationStatus defines the observed state of Application.
type ApplicationStatus struct {
	// Phase is one of Unknown, OutOfSync, Syncing, Synced, Error.
	// +optional
	Phase string `json:"phase,omitempty"`

	// ObservedRevision is the last resolved commit SHA.
	// +optional
	ObservedRevision string `json:"observedRevision,omitempty"`

	// LastSync is the most recent sync attempt.
	// +optional
	LastSync *SyncResult `json:"lastSync,omitempty"`

	// History holds recent sync attempts, newest first, bounded by the
	// controller's history limit.
	// +optional
	History []SyncResult `json:"history,omitempty"`

	// Conditions describe the current state of the Application.
	// +optional
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=app
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Revision",type=string,JSONPath=`.status.observedRevision`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// Application binds one desired-state source to one live-state target and
// owns the history of sync attempts between them.
type Application struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ApplicationSpec   `json:"spec,omitempty"`
	Status ApplicationStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// ApplicationList contains a list of Application.
type ApplicationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Application `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Application{}, &ApplicationList{})
}

// OwnerValue returns the ownership label value for this Application.
// Label values cannot contain "/", so namespace and name are joined with "_".
func (a *Application) OwnerValue() string {
	return a.Namespace + "_" + a.Name
}

// GetPollInterval returns the reconciliation interval, defaulting to 3m.
func (s *SyncPolicy) GetPollInterval() time.Duration {
	if s.Interval == nil || s.Interval.Duration <= 0 {
		return defaultPollInterval
	}

	return s.Interval.Duration
}

// GetRenderMode returns the render mode, defaulting to plain.
func (s *ApplicationSource) GetRenderMode() string {
	if s.RenderMode == "" {
		return RenderModePlain
	}

	return s.RenderMode
}

// GetRevision returns the revision, defaulting to HEAD.
func (s *ApplicationSource) GetRevision() string {
	if s.Revision == "" {
		return "HEAD"
	}

	return s.Revision
}
