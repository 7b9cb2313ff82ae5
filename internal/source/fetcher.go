// Package source fetches desired state from Git repositories.
//
// Repositories are mirrored into an on-disk cache keyed by URL. Each fetch
// resolves the Application's revision to a commit SHA and materializes that
// commit's tree into a private temporary directory, so concurrent
// reconciliations of Applications sharing a repository never race on a
// working tree.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/time/rate"

	"github.com/driftwatch/driftwatch/api/v1alpha1"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/metrics"
	"github.com/driftwatch/driftwatch/internal/syncerr"
)

const (
	repoDirMode   = 0o750
	exportDirMode = 0o750
)

// Checkout is one commit's tree materialized on disk.
type Checkout struct {
	// SHA is the resolved commit.
	SHA string

	// Dir is the root of the materialized tree.
	Dir string
}

// Close removes the materialized tree.
func (c *Checkout) Close() error {
	return errors.Wrap(os.RemoveAll(c.Dir), "failed to remove checkout")
}

// Fetcher fetches and caches Git repositories.
type Fetcher struct {
	baseDir          string
	minFetchInterval time.Duration
	metrics          metrics.Collector
	logger           *slog.Logger

	// limiters bounds network fetch frequency per repository. When a fetch
	// is not allowed yet, the revision is resolved from the local mirror.
	limiters sync.Map

	// repoLocks serializes mirror mutation per repository.
	repoLocks sync.Map
}

// NewFetcher creates a Fetcher caching repositories under baseDir.
// minFetchInterval bounds how often one repository is fetched over the
// network; zero disables the bound.
func NewFetcher(
	baseDir string,
	minFetchInterval time.Duration,
	metricsCollector metrics.Collector,
	logger *slog.Logger,
) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Fetcher{
		baseDir:          baseDir,
		minFetchInterval: minFetchInterval,
		metrics:          metricsCollector,
		logger:           logger.With("component", "source-fetcher"),
	}
}

// Fetch mirrors the source repository, resolves the revision to a commit and
// materializes the commit's tree. Credentials may be nil for anonymous
// access. The caller owns the returned Checkout and must Close it.
//
//nolint:noinlineerr // inline error handling for fetch pipeline
func (f *Fetcher) Fetch(
	ctx context.Context,
	src v1alpha1.ApplicationSource,
	creds *config.RepoCredentials,
) (*Checkout, error) {
	startTime := time.Now()

	checkout, err := f.fetch(ctx, src, creds)
	if err != nil {
		f.metrics.RecordGitFetch(ctx, "error", time.Since(startTime))

		return nil, err
	}

	f.metrics.RecordGitFetch(ctx, "success", time.Since(startTime))

	return checkout, nil
}

//nolint:funcorder // private pipeline below the public entry point
func (f *Fetcher) fetch(
	ctx context.Context,
	src v1alpha1.ApplicationSource,
	creds *config.RepoCredentials,
) (*Checkout, error) {
	auth, err := buildAuth(src.RepoURL, creds)
	if err != nil {
		return nil, err
	}

	lock := f.lockFor(src.RepoURL)
	lock.Lock()
	defer lock.Unlock()

	repo, err := f.ensureMirror(ctx, src.RepoURL, auth)
	if err != nil {
		return nil, err
	}

	hash, err := f.resolveRevision(repo, src.GetRevision())
	if err != nil {
		return nil, err
	}

	dir, err := f.materialize(repo, hash)
	if err != nil {
		return nil, err
	}

	f.logger.Debug("fetched desired state",
		"repo", src.RepoURL,
		"revision", src.GetRevision(),
		"sha", hash.String(),
	)

	return &Checkout{SHA: hash.String(), Dir: dir}, nil
}

//nolint:funcorder,noinlineerr // private helper
func (f *Fetcher) ensureMirror(
	ctx context.Context,
	repoURL string,
	auth transport.AuthMethod,
) (*git.Repository, error) {
	repoDir := filepath.Join(f.baseDir, repoKey(repoURL))

	repo, err := git.PlainOpen(repoDir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if mkErr := os.MkdirAll(f.baseDir, repoDirMode); mkErr != nil {
			return nil, syncerr.Fetch(mkErr, "failed to create repository cache dir")
		}

		f.logger.Info("cloning repository", "repo", repoURL)

		repo, err = git.PlainCloneContext(ctx, repoDir, true, &git.CloneOptions{
			URL:    repoURL,
			Auth:   auth,
			Mirror: true,
		})
		if err != nil {
			return nil, classifyGitError(err, "failed to clone repository")
		}

		return repo, nil
	}

	if err != nil {
		return nil, syncerr.Fetch(err, "failed to open repository cache")
	}

	if !f.limiterFor(repoURL).Allow() {
		// Recently fetched; resolve against the local mirror.
		return repo, nil
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		Auth:     auth,
		Force:    true,
		Tags:     git.AllTags,
		RefSpecs: []gitconfig.RefSpec{"+refs/*:refs/*"},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, classifyGitError(err, "failed to fetch repository")
	}

	return repo, nil
}

// resolveRevision resolves a branch, tag, commit SHA, or semver constraint to
// a commit hash. Semver constraints select the highest matching
// non-prerelease tag, ties broken by nothing: tags are totally ordered.
//
//nolint:funcorder,noinlineerr // private helper
func (f *Fetcher) resolveRevision(repo *git.Repository, revision string) (plumbing.Hash, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err == nil {
		return *hash, nil
	}

	tag, tagErr := f.resolveSemverTag(repo, revision)
	if tagErr != nil {
		// The plain resolution error is the useful one for branches and SHAs.
		return plumbing.ZeroHash, syncerr.Fetch(err, "failed to resolve revision "+revision)
	}

	hash, err = repo.ResolveRevision(plumbing.Revision(tag))
	if err != nil {
		return plumbing.ZeroHash, syncerr.Fetch(err, "failed to resolve tag "+tag)
	}

	return *hash, nil
}

//nolint:funcorder,noinlineerr // private helper
func (f *Fetcher) resolveSemverTag(repo *git.Repository, constraint string) (string, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return "", errors.Wrap(err, "revision is not a semver constraint")
	}

	tagRefs, err := repo.Tags()
	if err != nil {
		return "", syncerr.Fetch(err, "failed to list tags")
	}

	type taggedVersion struct {
		version *semver.Version
		name    string
	}

	var matching []taggedVersion

	iterErr := tagRefs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()

		ver, parseErr := semver.NewVersion(name)
		if parseErr != nil {
			return nil
		}

		if ver.Prerelease() == "" && c.Check(ver) {
			matching = append(matching, taggedVersion{version: ver, name: name})
		}

		return nil
	})
	if iterErr != nil {
		return "", syncerr.Fetch(iterErr, "failed to iterate tags")
	}

	if len(matching) == 0 {
		return "", errors.Newf("no tags match constraint %s", constraint)
	}

	sort.Slice(matching, func(i, j int) bool {
		return matching[i].version.LessThan(matching[j].version)
	})

	return matching[len(matching)-1].name, nil
}

//nolint:funcorder,noinlineerr // private helper
func (f *Fetcher) materialize(repo *git.Repository, hash plumbing.Hash) (string, error) {
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return "", syncerr.Fetch(err, "failed to read commit "+hash.String())
	}

	tree, err := commit.Tree()
	if err != nil {
		return "", syncerr.Fetch(err, "failed to read commit tree")
	}

	dir, err := os.MkdirTemp("", "driftwatch-checkout-")
	if err != nil {
		return "", syncerr.Fetch(err, "failed to create checkout dir")
	}

	err = tree.Files().ForEach(func(file *object.File) error {
		return writeFile(dir, file)
	})
	if err != nil {
		_ = os.RemoveAll(dir)

		return "", syncerr.Fetch(err, "failed to materialize commit tree")
	}

	return dir, nil
}

//nolint:funcorder // private helper
func (f *Fetcher) lockFor(repoURL string) *sync.Mutex {
	actual, _ := f.repoLocks.LoadOrStore(repoURL, &sync.Mutex{})

	mu, _ := actual.(*sync.Mutex)

	return mu
}

//nolint:funcorder // private helper
func (f *Fetcher) limiterFor(repoURL string) *rate.Limiter {
	if f.minFetchInterval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}

	actual, _ := f.limiters.LoadOrStore(repoURL, rate.NewLimiter(rate.Every(f.minFetchInterval), 1))

	limiter, _ := actual.(*rate.Limiter)

	return limiter
}

//nolint:noinlineerr // inline error handling
func writeFile(root string, file *object.File) error {
	target := filepath.Join(root, filepath.FromSlash(file.Name))

	if err := os.MkdirAll(filepath.Dir(target), exportDirMode); err != nil {
		return errors.Wrap(err, "failed to create directory")
	}

	reader, err := file.Reader()
	if err != nil {
		return errors.Wrap(err, "failed to open blob")
	}
	defer func() { _ = reader.Close() }()

	mode, err := file.Mode.ToOSFileMode()
	if err != nil {
		mode = 0o644
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}

	_, copyErr := out.ReadFrom(reader)

	closeErr := out.Close()
	if copyErr != nil {
		return errors.Wrap(copyErr, "failed to write file")
	}

	return errors.Wrap(closeErr, "failed to close file")
}

//nolint:noinlineerr // inline error handling
func buildAuth(repoURL string, creds *config.RepoCredentials) (transport.AuthMethod, error) {
	if creds == nil {
		return nil, nil //nolint:nilnil // nil auth means anonymous access
	}

	if creds.IsSSH() {
		keys, err := gitssh.NewPublicKeys("git", []byte(creds.SSHPrivateKey), "")
		if err != nil {
			return nil, syncerr.Auth(err, "failed to parse SSH private key for "+repoURL)
		}

		return keys, nil
	}

	username := creds.Username
	password := creds.Password

	if creds.Token != "" {
		// Token auth over HTTPS; most hosts accept any non-empty username.
		if username == "" {
			username = "git"
		}

		password = creds.Token
	}

	return &githttp.BasicAuth{Username: username, Password: password}, nil
}

func classifyGitError(err error, msg string) error {
	if errors.Is(err, transport.ErrAuthenticationRequired) || errors.Is(err, transport.ErrAuthorizationFailed) {
		return syncerr.Auth(err, msg)
	}

	return syncerr.Fetch(err, msg)
}

func repoKey(repoURL string) string {
	sum := sha256.Sum256([]byte(repoURL))

	return hex.EncodeToString(sum[:8])
}
