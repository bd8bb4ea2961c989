// Package upgrade implements the repository lifecycle of a chart dependency
// bump: fork the deployment repository, stage the version changes on a
// working branch, push them and open a pull request.
// The lifecycle is strictly sequential, any failing external operation
// aborts the run, cleanup runs exactly once before the error propagates.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/helmupgradebot/chartbump/internal/bumperr"
	"github.com/helmupgradebot/chartbump/internal/chart"
	"github.com/helmupgradebot/chartbump/internal/githubclt"
	"github.com/helmupgradebot/chartbump/internal/logfields"
)

const loggerName = "upgrader"

const manifestFilename = "requirements.yaml"

const (
	defForkWaitTimeout = 2 * time.Minute
	defCleanupTimeout  = time.Minute
)

// GithubClient is the github API surface the upgrader depends on.
type GithubClient interface {
	RepositoryExists(ctx context.Context, owner, repo string) (bool, error)
	CreateFork(ctx context.Context, owner, repo string) error
	DeleteRepository(ctx context.Context, owner, repo string) error
	BranchExists(ctx context.Context, owner, repo, branch string) (bool, error)
	CreatePullRequest(ctx context.Context, owner, repo string, req *githubclt.PullRequestRequest) (*githubclt.PullRequest, error)
}

// GitClient is the git command surface the upgrader depends on.
type GitClient interface {
	Clone(ctx context.Context, parentDir, url, dir string) error
	Pull(ctx context.Context, dir, remoteURL, branch string) error
	CheckoutNewBranch(ctx context.Context, dir, branch string) error
	DeleteRemoteBranch(ctx context.Context, dir, remote, branch string) error
	DeleteLocalBranch(ctx context.Context, dir, branch string) error
	Add(ctx context.Context, dir, path string) error
	Commit(ctx context.Context, dir, message string) error
	Push(ctx context.Context, dir, remoteURL, branch string) error
	SetIdentity(ctx context.Context, dir, name, email string) error
}

// RunContext holds the immutable parameters of a single upgrade run.
type RunContext struct {
	UpstreamOwner  string
	RepositoryName string
	// ChartName is the directory of the deployment's top-level chart
	// inside the repository, the dependency manifest is expected at
	// <ChartName>/requirements.yaml.
	ChartName     string
	BotLogin      string
	BotEmail      string
	WorkingBranch string
	// BaseBranch is the default branch of the upstream repository,
	// pull requests are opened against it.
	BaseBranch string
	Token      string
	Labels     []string
	// WorkDir is the directory the repository is cloned into.
	WorkDir string
	DryRun  bool
}

// Upgrader executes the fork, branch, commit, push, publish sequence for
// one run.
type Upgrader struct {
	runCtx   *RunContext
	ghClient GithubClient
	git      GitClient

	// test seams
	updateManifest  func(path string, newVersions map[string]string) error
	removeAll       func(path string) error
	forkWaitTimeout time.Duration
	cleanupTimeout  time.Duration

	logger *zap.Logger
}

func New(runCtx *RunContext, ghClient GithubClient, git GitClient) *Upgrader {
	botEmail := runCtx.BotEmail
	if botEmail == "" {
		botEmail = runCtx.BotLogin + "@users.noreply.github.com"
	}

	runCopy := *runCtx
	runCopy.BotEmail = botEmail

	return &Upgrader{
		runCtx:          &runCopy,
		ghClient:        ghClient,
		git:             git,
		updateManifest:  chart.UpdateManifestFile,
		removeAll:       os.RemoveAll,
		forkWaitTimeout: defForkWaitTimeout,
		cleanupTimeout:  defCleanupTimeout,
		logger: zap.L().Named(loggerName).With(
			logfields.RepositoryOwner(runCtx.UpstreamOwner),
			logfields.Repository(runCtx.RepositoryName),
			logfields.Branch(runCtx.WorkingBranch),
		),
	}
}

// CloneDir returns the directory the fork is cloned into.
func (u *Upgrader) CloneDir() string {
	return filepath.Join(u.runCtx.WorkDir, u.runCtx.RepositoryName)
}

// RemoveClone deletes the local clone directory.
// It is safe to call at any time, also when nothing was cloned yet.
func (u *Upgrader) RemoveClone() error {
	return u.removeAll(u.CloneDir())
}

// Run executes an upgrade for the given version records.
// An empty records slice means everything is up-to-date, nothing is touched.
// In dry-run mode the pending upgrades are logged and no mutation happens.
// On every other exit path, success or failure, the local clone is removed
// and the fork is deleted unless a pull request was opened from it.
func (u *Upgrader) Run(ctx context.Context, records []chart.VersionRecord) error {
	if len(records) == 0 {
		u.logger.Info(
			"all chart dependencies are up-to-date",
			logfields.Event("charts_uptodate"),
		)

		return nil
	}

	for _, rec := range records {
		u.logger.Info(
			fmt.Sprintf("%s required", chart.ChangeKind(rec.Deployed, rec.Published)),
			logfields.Event("chart_outdated"),
			logfields.Chart(rec.Chart),
			logfields.DeployedVersion(rec.Deployed),
			logfields.PublishedVersion(rec.Published),
		)
	}

	if u.runCtx.DryRun {
		u.logger.Info(
			"dry-run mode, no pull request will be opened",
			logfields.Event("dry_run_finished"),
			zap.Int("outdated_charts", len(records)),
		)

		return nil
	}

	state := StateNoFork

	runErr := u.transition(ctx, records, &state)
	if runErr != nil {
		u.logger.Error(
			"upgrade run failed",
			logfields.Event("upgrade_run_failed"),
			zap.Stringer("state", state),
			zap.Error(runErr),
		)
	}

	u.cleanup(&state)

	return runErr
}

func (u *Upgrader) transition(ctx context.Context, records []chart.VersionRecord, state *State) error {
	if err := u.ensureFork(ctx); err != nil {
		return err
	}
	*state = StateForked

	if err := u.cloneFork(ctx); err != nil {
		return err
	}
	*state = StateCloned

	if err := u.prepareBranch(ctx); err != nil {
		return err
	}
	*state = StateBranchReady

	if err := u.commitAndPush(ctx, records); err != nil {
		return err
	}
	*state = StateCommitsPushed

	if err := u.publish(ctx, records); err != nil {
		return err
	}
	*state = StatePublished

	return nil
}

// ensureFork brings the bot account into a state with a fresh fork of the
// upstream repository.
// A stale fork from an earlier failed run is deleted first, the working
// branch state in it is unknown.
// Github forks asynchronously, after creating the fork its visibility is
// polled with a bounded exponential backoff.
func (u *Upgrader) ensureFork(ctx context.Context) error {
	exists, err := u.ghClient.RepositoryExists(ctx, u.runCtx.BotLogin, u.runCtx.RepositoryName)
	if err != nil {
		return fmt.Errorf("checking for an existing fork failed: %w", err)
	}

	if exists {
		u.logger.Info(
			"deleting stale fork from an earlier run",
			logfields.Event("stale_fork_delete_started"),
		)

		if err := u.ghClient.DeleteRepository(ctx, u.runCtx.BotLogin, u.runCtx.RepositoryName); err != nil {
			return fmt.Errorf("deleting stale fork failed: %w", err)
		}

		if err := u.waitForForkVisibility(ctx, false); err != nil {
			return fmt.Errorf("stale fork did not disappear: %w", err)
		}
	}

	u.logger.Info("creating fork", logfields.Event("fork_create_started"))

	if err := u.ghClient.CreateFork(ctx, u.runCtx.UpstreamOwner, u.runCtx.RepositoryName); err != nil {
		return err
	}

	if err := u.waitForForkVisibility(ctx, true); err != nil {
		return fmt.Errorf("fork did not become visible: %w", err)
	}

	u.logger.Info("fork created", logfields.Event("fork_create_finished"))

	return nil
}

// waitForForkVisibility polls the existence of the bot's fork until it
// matches want.
// Transient github API errors are retried, every other error aborts the
// wait immediately.
func (u *Upgrader) waitForForkVisibility(ctx context.Context, want bool) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = u.forkWaitTimeout

	return backoff.Retry(func() error {
		exists, err := u.ghClient.RepositoryExists(ctx, u.runCtx.BotLogin, u.runCtx.RepositoryName)
		if err != nil {
			var retryable *bumperr.RetryableError
			if errors.As(err, &retryable) {
				return err
			}

			return backoff.Permanent(err)
		}

		if exists != want {
			return fmt.Errorf("fork existence is %t, waiting for %t", exists, want)
		}

		return nil
	}, backoff.WithContext(bo, ctx))
}

func (u *Upgrader) cloneFork(ctx context.Context) error {
	url := u.authenticatedURL(u.runCtx.BotLogin)

	if err := u.git.Clone(ctx, u.runCtx.WorkDir, url, u.runCtx.RepositoryName); err != nil {
		return fmt.Errorf("cloning fork failed: %w", err)
	}

	if err := u.git.SetIdentity(ctx, u.CloneDir(), u.runCtx.BotLogin, u.runCtx.BotEmail); err != nil {
		return fmt.Errorf("configuring the bot identity in the clone failed: %w", err)
	}

	return nil
}

// prepareBranch brings the clone onto a fresh working branch that is based
// on the current upstream base branch.
// A leftover working branch from an earlier failed run is deleted remotely
// and locally first, afterwards exactly one branch with the configured name
// exists.
func (u *Upgrader) prepareBranch(ctx context.Context) error {
	exists, err := u.ghClient.BranchExists(ctx, u.runCtx.BotLogin, u.runCtx.RepositoryName, u.runCtx.WorkingBranch)
	if err != nil {
		return fmt.Errorf("checking for a stale working branch failed: %w", err)
	}

	if exists {
		u.logger.Info(
			"deleting stale working branch",
			logfields.Event("stale_branch_delete_started"),
		)

		if err := u.git.DeleteRemoteBranch(ctx, u.CloneDir(), "origin", u.runCtx.WorkingBranch); err != nil {
			return fmt.Errorf("deleting stale remote working branch failed: %w", err)
		}

		if err := u.git.DeleteLocalBranch(ctx, u.CloneDir(), u.runCtx.WorkingBranch); err != nil {
			return fmt.Errorf("deleting stale local working branch failed: %w", err)
		}
	}

	upstreamURL := fmt.Sprintf("https://github.com/%s/%s.git",
		u.runCtx.UpstreamOwner, u.runCtx.RepositoryName)

	if err := u.git.Pull(ctx, u.CloneDir(), upstreamURL, u.runCtx.BaseBranch); err != nil {
		return fmt.Errorf("pulling the upstream base branch failed: %w", err)
	}

	if err := u.git.CheckoutNewBranch(ctx, u.CloneDir(), u.runCtx.WorkingBranch); err != nil {
		return fmt.Errorf("creating the working branch failed: %w", err)
	}

	return nil
}

func (u *Upgrader) commitAndPush(ctx context.Context, records []chart.VersionRecord) error {
	newVersions := make(map[string]string, len(records))
	for _, rec := range records {
		newVersions[rec.Chart] = rec.Published
	}

	manifestRelPath := filepath.Join(u.runCtx.ChartName, manifestFilename)

	if err := u.updateManifest(filepath.Join(u.CloneDir(), manifestRelPath), newVersions); err != nil {
		return err
	}

	u.logger.Info(
		"dependency manifest updated",
		logfields.Event("manifest_updated"),
		zap.String("path", manifestRelPath),
	)

	if err := u.git.Add(ctx, u.CloneDir(), manifestRelPath); err != nil {
		return fmt.Errorf("staging the dependency manifest failed: %w", err)
	}

	if err := u.git.Commit(ctx, u.CloneDir(), commitMessage(records)); err != nil {
		return fmt.Errorf("committing the dependency manifest failed: %w", err)
	}

	pushURL := u.authenticatedURL(u.runCtx.BotLogin)
	if err := u.git.Push(ctx, u.CloneDir(), pushURL, u.runCtx.WorkingBranch); err != nil {
		return fmt.Errorf("pushing the working branch failed: %w", err)
	}

	return nil
}

func (u *Upgrader) publish(ctx context.Context, records []chart.VersionRecord) error {
	req := githubclt.PullRequestRequest{
		Title:      prTitle(records),
		Body:       prBody(u.runCtx.ChartName, records),
		BaseBranch: u.runCtx.BaseBranch,
		HeadRef:    u.runCtx.BotLogin + ":" + u.runCtx.WorkingBranch,
		Labels:     u.runCtx.Labels,
	}

	pr, err := u.ghClient.CreatePullRequest(ctx, u.runCtx.UpstreamOwner, u.runCtx.RepositoryName, &req)
	if err != nil {
		return err
	}

	u.logger.Info(
		"pull request opened",
		logfields.Event("upgrade_published"),
		logfields.PullRequest(pr.Number),
		zap.String("url", pr.URL),
	)

	return nil
}

// cleanup removes the transient artifacts of the run.
// The local clone is always removed. The fork is deleted unless a pull
// request was opened from it, reviewers need the working branch.
// Cleanup failures are logged, they never mask the run's original error.
func (u *Upgrader) cleanup(state *State) {
	ctx, cancel := context.WithTimeout(context.Background(), u.cleanupTimeout)
	defer cancel()

	if err := u.RemoveClone(); err != nil {
		u.logger.Warn(
			"removing the local clone failed",
			logfields.Event("clone_removal_failed"),
			zap.Error(err),
		)
	}

	if *state == StatePublished {
		u.logger.Debug(
			"keeping fork, a pull request was opened from it",
			logfields.Event("fork_kept"),
		)

		return
	}

	exists, err := u.ghClient.RepositoryExists(ctx, u.runCtx.BotLogin, u.runCtx.RepositoryName)
	if err != nil {
		u.logger.Warn(
			"checking fork existence during cleanup failed",
			logfields.Event("cleanup_fork_check_failed"),
			zap.Error(err),
		)

		return
	}

	if exists {
		if err := u.ghClient.DeleteRepository(ctx, u.runCtx.BotLogin, u.runCtx.RepositoryName); err != nil {
			u.logger.Warn(
				"deleting the fork during cleanup failed",
				logfields.Event("cleanup_fork_delete_failed"),
				zap.Error(err),
			)

			return
		}

		u.logger.Info("fork deleted", logfields.Event("fork_deleted"))
	}

	*state = StateCleaned

	u.logger.Debug(
		"cleanup finished",
		logfields.Event("cleanup_finished"),
	)
}

func (u *Upgrader) authenticatedURL(owner string) string {
	return fmt.Sprintf("https://%s:%s@github.com/%s/%s.git",
		u.runCtx.BotLogin, u.runCtx.Token, owner, u.runCtx.RepositoryName)
}
