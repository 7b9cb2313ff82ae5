// Package config provides credential resolution from Secrets referenced by
// Application resources.
package config

import (
	"context"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/driftwatch/driftwatch/api/v1alpha1"
)

// Secret keys recognized for repository credentials.
const (
	KeyUsername      = "username"
	KeyPassword      = "password"
	KeyToken         = "token"
	KeySSHPrivateKey = "sshPrivateKey"
)

// RepoCredentials contains credentials resolved for one repository.
// Exactly one of (Token), (Username, Password), (SSHPrivateKey) is set.
type RepoCredentials struct {
	Username      string
	Password      string
	Token         string
	SSHPrivateKey string
}

// IsSSH reports whether the credentials are an SSH key pair.
func (c *RepoCredentials) IsSSH() bool {
	return c != nil && c.SSHPrivateKey != ""
}

// Resolver resolves repository credentials from Application secret references.
type Resolver struct {
	client           client.Client
	defaultNamespace string
}

// NewResolver creates a new credential Resolver. The default namespace is
// used when a secret reference does not name one and the Application has no
// namespace of its own.
func NewResolver(c client.Client, defaultNamespace string) *Resolver {
	return &Resolver{
		client:           c,
		defaultNamespace: defaultNamespace,
	}
}

// ResolveRepoCredentials resolves credentials for the Application's source.
// Returns nil when the Application references no credentials secret, meaning
// anonymous access.
//
//nolint:wrapcheck // errors.Newf creates new errors
func (r *Resolver) ResolveRepoCredentials(
	ctx context.Context,
	app *v1alpha1.Application,
) (*RepoCredentials, error) {
	ref := app.Spec.Source.CredentialsSecretRef
	if ref == nil {
		return nil, nil //nolint:nilnil // nil credentials mean anonymous access
	}

	namespace := ref.Namespace
	if namespace == "" {
		namespace = app.Namespace
	}

	secret, err := r.getSecret(ctx, ref.Name, namespace)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get repository credentials secret")
	}

	creds := &RepoCredentials{
		Username:      string(secret.Data[KeyUsername]),
		Password:      string(secret.Data[KeyPassword]),
		Token:         string(secret.Data[KeyToken]),
		SSHPrivateKey: string(secret.Data[KeySSHPrivateKey]),
	}

	if creds.Token == "" && creds.SSHPrivateKey == "" && (creds.Username == "" || creds.Password == "") {
		return nil, errors.Newf(
			"secret %s/%s must contain %q, %q, or both %q and %q",
			namespace, ref.Name, KeyToken, KeySSHPrivateKey, KeyUsername, KeyPassword,
		)
	}

	return creds, nil
}

//nolint:funcorder // private helper
func (r *Resolver) getSecret(ctx context.Context, name, namespace string) (*corev1.Secret, error) {
	if namespace == "" {
		namespace = r.defaultNamespace
	}

	secret := &corev1.Secret{}

	err := r.client.Get(ctx, types.NamespacedName{Name: name, Namespace: namespace}, secret)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get secret %s/%s", namespace, name)
	}

	return secret, nil
}
