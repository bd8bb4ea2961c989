package upgrade

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/helmupgradebot/chartbump/internal/chart"
	"github.com/helmupgradebot/chartbump/internal/githubclt"
	"github.com/helmupgradebot/chartbump/internal/upgrade/mocks"
)

const (
	testUpstreamOwner = "alan-turing-institute"
	testRepository    = "hub23-deploy"
	testChart         = "hub23-chart"
	testBotLogin      = "HelmUpgradeBot"
	testBranch        = "helm_chart_bump"
	testBaseBranch    = "main"
	testToken         = "token123"
	testWorkDir       = "/tmp/chartbump-test"
)

var testAuthenticatedURL = fmt.Sprintf("https://%s:%s@github.com/%s/%s.git",
	testBotLogin, testToken, testBotLogin, testRepository)

var testUpstreamURL = fmt.Sprintf("https://github.com/%s/%s.git",
	testUpstreamOwner, testRepository)

func testRunContext() *RunContext {
	return &RunContext{
		UpstreamOwner:  testUpstreamOwner,
		RepositoryName: testRepository,
		ChartName:      testChart,
		BotLogin:       testBotLogin,
		WorkingBranch:  testBranch,
		BaseBranch:     testBaseBranch,
		Token:          testToken,
		Labels:         []string{"maintenance"},
		WorkDir:        testWorkDir,
	}
}

type upgraderTestEnv struct {
	upgrader *Upgrader
	ghClient *mocks.MockGithubClient
	git      *mocks.MockGitClient

	manifestPaths    []string
	manifestVersions []map[string]string
	removedPaths     []string
}

func newUpgraderTestEnv(t *testing.T, runCtx *RunContext) *upgraderTestEnv {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	ctrl := gomock.NewController(t)

	env := upgraderTestEnv{
		ghClient: mocks.NewMockGithubClient(ctrl),
		git:      mocks.NewMockGitClient(ctrl),
	}

	env.upgrader = New(runCtx, env.ghClient, env.git)
	env.upgrader.forkWaitTimeout = 10 * time.Second
	env.upgrader.updateManifest = func(path string, newVersions map[string]string) error {
		env.manifestPaths = append(env.manifestPaths, path)
		env.manifestVersions = append(env.manifestVersions, newVersions)
		return nil
	}
	env.upgrader.removeAll = func(path string) error {
		env.removedPaths = append(env.removedPaths, path)
		return nil
	}

	return &env
}

func testRecords() []chart.VersionRecord {
	return []chart.VersionRecord{
		{Chart: "binderhub", Deployed: "0.2.0-n217.h8173577", Published: "0.2.0-n222.h9829c3e"},
	}
}

func TestRunWithoutOutdatedChartsDoesNothing(t *testing.T) {
	env := newUpgraderTestEnv(t, testRunContext())

	err := env.upgrader.Run(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, env.removedPaths)
	assert.Empty(t, env.manifestPaths)
}

func TestRunDryRunDoesNotMutate(t *testing.T) {
	runCtx := testRunContext()
	runCtx.DryRun = true

	env := newUpgraderTestEnv(t, runCtx)

	err := env.upgrader.Run(context.Background(), testRecords())

	require.NoError(t, err)
	assert.Empty(t, env.removedPaths)
	assert.Empty(t, env.manifestPaths)
}

func TestRunHappyPath(t *testing.T) {
	env := newUpgraderTestEnv(t, testRunContext())
	cloneDir := env.upgrader.CloneDir()
	manifestRelPath := filepath.Join(testChart, "requirements.yaml")

	var prReq *githubclt.PullRequestRequest

	gomock.InOrder(
		env.ghClient.EXPECT().
			RepositoryExists(gomock.Any(), testBotLogin, testRepository).
			Return(false, nil),
		env.ghClient.EXPECT().
			CreateFork(gomock.Any(), testUpstreamOwner, testRepository).
			Return(nil),
		env.ghClient.EXPECT().
			RepositoryExists(gomock.Any(), testBotLogin, testRepository).
			Return(true, nil),
		env.ghClient.EXPECT().
			BranchExists(gomock.Any(), testBotLogin, testRepository, testBranch).
			Return(false, nil),
		env.ghClient.EXPECT().
			CreatePullRequest(gomock.Any(), testUpstreamOwner, testRepository, gomock.Any()).
			DoAndReturn(func(_ context.Context, _, _ string, req *githubclt.PullRequestRequest) (*githubclt.PullRequest, error) {
				prReq = req
				return &githubclt.PullRequest{Number: 7, URL: "https://github.com/alan-turing-institute/hub23-deploy/pull/7"}, nil
			}),
	)

	gomock.InOrder(
		env.git.EXPECT().
			Clone(gomock.Any(), testWorkDir, testAuthenticatedURL, testRepository).
			Return(nil),
		env.git.EXPECT().
			SetIdentity(gomock.Any(), cloneDir, testBotLogin, testBotLogin+"@users.noreply.github.com").
			Return(nil),
		env.git.EXPECT().
			Pull(gomock.Any(), cloneDir, testUpstreamURL, testBaseBranch).
			Return(nil),
		env.git.EXPECT().
			CheckoutNewBranch(gomock.Any(), cloneDir, testBranch).
			Return(nil),
		env.git.EXPECT().
			Add(gomock.Any(), cloneDir, manifestRelPath).
			Return(nil),
		env.git.EXPECT().
			Commit(gomock.Any(), cloneDir, "Bump chart dependency binderhub to version 0.2.0-n222.h9829c3e").
			Return(nil),
		env.git.EXPECT().
			Push(gomock.Any(), cloneDir, testAuthenticatedURL, testBranch).
			Return(nil),
	)

	err := env.upgrader.Run(context.Background(), testRecords())
	require.NoError(t, err)

	require.Len(t, env.manifestPaths, 1)
	assert.Equal(t, filepath.Join(cloneDir, manifestRelPath), env.manifestPaths[0])
	assert.Equal(t, map[string]string{"binderhub": "0.2.0-n222.h9829c3e"}, env.manifestVersions[0])

	// the fork stays, reviewers need the working branch, only the clone is
	// removed
	assert.Equal(t, []string{cloneDir}, env.removedPaths)

	require.NotNil(t, prReq)
	assert.Equal(t, "Bump chart dependency binderhub to version 0.2.0-n222.h9829c3e", prReq.Title)
	assert.Equal(t, testBaseBranch, prReq.BaseBranch)
	assert.Equal(t, testBotLogin+":"+testBranch, prReq.HeadRef)
	assert.Equal(t, []string{"maintenance"}, prReq.Labels)
	assert.Contains(t, prReq.Body, "`binderhub`")
}

func TestRunDeletesStaleForkFirst(t *testing.T) {
	env := newUpgraderTestEnv(t, testRunContext())

	gomock.InOrder(
		env.ghClient.EXPECT().
			RepositoryExists(gomock.Any(), testBotLogin, testRepository).
			Return(true, nil),
		env.ghClient.EXPECT().
			DeleteRepository(gomock.Any(), testBotLogin, testRepository).
			Return(nil),
		env.ghClient.EXPECT().
			RepositoryExists(gomock.Any(), testBotLogin, testRepository).
			Return(false, nil),
		env.ghClient.EXPECT().
			CreateFork(gomock.Any(), testUpstreamOwner, testRepository).
			Return(nil),
		env.ghClient.EXPECT().
			RepositoryExists(gomock.Any(), testBotLogin, testRepository).
			Return(true, nil),
		env.ghClient.EXPECT().
			BranchExists(gomock.Any(), testBotLogin, testRepository, testBranch).
			Return(false, nil),
		env.ghClient.EXPECT().
			CreatePullRequest(gomock.Any(), testUpstreamOwner, testRepository, gomock.Any()).
			Return(&githubclt.PullRequest{Number: 8, URL: "url"}, nil),
	)

	env.git.EXPECT().Clone(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().SetIdentity(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().Pull(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().CheckoutNewBranch(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().Add(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().Commit(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().Push(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	err := env.upgrader.Run(context.Background(), testRecords())
	assert.NoError(t, err)
}

func TestRunDeletesStaleWorkingBranch(t *testing.T) {
	env := newUpgraderTestEnv(t, testRunContext())
	cloneDir := env.upgrader.CloneDir()

	env.ghClient.EXPECT().
		RepositoryExists(gomock.Any(), testBotLogin, testRepository).
		Return(false, nil)
	env.ghClient.EXPECT().
		CreateFork(gomock.Any(), testUpstreamOwner, testRepository).
		Return(nil)
	env.ghClient.EXPECT().
		RepositoryExists(gomock.Any(), testBotLogin, testRepository).
		Return(true, nil)
	env.ghClient.EXPECT().
		BranchExists(gomock.Any(), testBotLogin, testRepository, testBranch).
		Return(true, nil)
	env.ghClient.EXPECT().
		CreatePullRequest(gomock.Any(), testUpstreamOwner, testRepository, gomock.Any()).
		Return(&githubclt.PullRequest{Number: 9, URL: "url"}, nil)

	env.git.EXPECT().Clone(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().SetIdentity(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	gomock.InOrder(
		env.git.EXPECT().
			DeleteRemoteBranch(gomock.Any(), cloneDir, "origin", testBranch).
			Return(nil),
		env.git.EXPECT().
			DeleteLocalBranch(gomock.Any(), cloneDir, testBranch).
			Return(nil),
		env.git.EXPECT().
			Pull(gomock.Any(), cloneDir, testUpstreamURL, testBaseBranch).
			Return(nil),
		env.git.EXPECT().
			CheckoutNewBranch(gomock.Any(), cloneDir, testBranch).
			Return(nil),
	)

	env.git.EXPECT().Add(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().Commit(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().Push(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	err := env.upgrader.Run(context.Background(), testRecords())
	assert.NoError(t, err)
}

// expectCleanupDeletesFork registers the fork deletion calls that run after a
// failed upgrade.
func expectCleanupDeletesFork(env *upgraderTestEnv) {
	env.ghClient.EXPECT().
		RepositoryExists(gomock.Any(), testBotLogin, testRepository).
		Return(true, nil)
	env.ghClient.EXPECT().
		DeleteRepository(gomock.Any(), testBotLogin, testRepository).
		Return(nil)
}

func TestRunCloneFailureCleansUp(t *testing.T) {
	env := newUpgraderTestEnv(t, testRunContext())

	cloneErr := errors.New("clone failed")

	gomock.InOrder(
		env.ghClient.EXPECT().
			RepositoryExists(gomock.Any(), testBotLogin, testRepository).
			Return(false, nil),
		env.ghClient.EXPECT().
			CreateFork(gomock.Any(), testUpstreamOwner, testRepository).
			Return(nil),
		env.ghClient.EXPECT().
			RepositoryExists(gomock.Any(), testBotLogin, testRepository).
			Return(true, nil),
	)
	expectCleanupDeletesFork(env)

	env.git.EXPECT().
		Clone(gomock.Any(), testWorkDir, testAuthenticatedURL, testRepository).
		Return(cloneErr)

	err := env.upgrader.Run(context.Background(), testRecords())

	require.Error(t, err)
	assert.ErrorIs(t, err, cloneErr)
	assert.Equal(t, []string{env.upgrader.CloneDir()}, env.removedPaths)
}

func TestRunManifestFailureCleansUp(t *testing.T) {
	env := newUpgraderTestEnv(t, testRunContext())

	manifestErr := errors.New("manifest is missing a dependencies list")
	env.upgrader.updateManifest = func(string, map[string]string) error {
		return manifestErr
	}

	gomock.InOrder(
		env.ghClient.EXPECT().
			RepositoryExists(gomock.Any(), testBotLogin, testRepository).
			Return(false, nil),
		env.ghClient.EXPECT().
			CreateFork(gomock.Any(), testUpstreamOwner, testRepository).
			Return(nil),
		env.ghClient.EXPECT().
			RepositoryExists(gomock.Any(), testBotLogin, testRepository).
			Return(true, nil),
		env.ghClient.EXPECT().
			BranchExists(gomock.Any(), testBotLogin, testRepository, testBranch).
			Return(false, nil),
	)
	expectCleanupDeletesFork(env)

	env.git.EXPECT().Clone(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().SetIdentity(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().Pull(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().CheckoutNewBranch(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	err := env.upgrader.Run(context.Background(), testRecords())

	require.Error(t, err)
	assert.ErrorIs(t, err, manifestErr)
	assert.Equal(t, []string{env.upgrader.CloneDir()}, env.removedPaths)
}

func TestRunPushFailureCleansUp(t *testing.T) {
	env := newUpgraderTestEnv(t, testRunContext())

	pushErr := errors.New("push rejected")

	gomock.InOrder(
		env.ghClient.EXPECT().
			RepositoryExists(gomock.Any(), testBotLogin, testRepository).
			Return(false, nil),
		env.ghClient.EXPECT().
			CreateFork(gomock.Any(), testUpstreamOwner, testRepository).
			Return(nil),
		env.ghClient.EXPECT().
			RepositoryExists(gomock.Any(), testBotLogin, testRepository).
			Return(true, nil),
		env.ghClient.EXPECT().
			BranchExists(gomock.Any(), testBotLogin, testRepository, testBranch).
			Return(false, nil),
	)
	expectCleanupDeletesFork(env)

	env.git.EXPECT().Clone(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().SetIdentity(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().Pull(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().CheckoutNewBranch(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().Add(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().Commit(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().Push(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(pushErr)

	err := env.upgrader.Run(context.Background(), testRecords())

	require.Error(t, err)
	assert.ErrorIs(t, err, pushErr)
	assert.Equal(t, []string{env.upgrader.CloneDir()}, env.removedPaths)
}

func TestRunPublishFailureCleansUp(t *testing.T) {
	env := newUpgraderTestEnv(t, testRunContext())

	publishErr := &githubclt.PublishError{ResponseBody: "validation failed", Err: errors.New("422")}

	gomock.InOrder(
		env.ghClient.EXPECT().
			RepositoryExists(gomock.Any(), testBotLogin, testRepository).
			Return(false, nil),
		env.ghClient.EXPECT().
			CreateFork(gomock.Any(), testUpstreamOwner, testRepository).
			Return(nil),
		env.ghClient.EXPECT().
			RepositoryExists(gomock.Any(), testBotLogin, testRepository).
			Return(true, nil),
		env.ghClient.EXPECT().
			BranchExists(gomock.Any(), testBotLogin, testRepository, testBranch).
			Return(false, nil),
		env.ghClient.EXPECT().
			CreatePullRequest(gomock.Any(), testUpstreamOwner, testRepository, gomock.Any()).
			Return(nil, publishErr),
	)
	expectCleanupDeletesFork(env)

	env.git.EXPECT().Clone(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().SetIdentity(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().Pull(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().CheckoutNewBranch(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().Add(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().Commit(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	env.git.EXPECT().Push(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	err := env.upgrader.Run(context.Background(), testRecords())

	require.Error(t, err)

	var gotErr *githubclt.PublishError
	assert.ErrorAs(t, err, &gotErr)
	assert.Equal(t, []string{env.upgrader.CloneDir()}, env.removedPaths)
}

func TestWaitForForkVisibilityAbortsOnPermanentError(t *testing.T) {
	env := newUpgraderTestEnv(t, testRunContext())

	permErr := errors.New("401 bad credentials")
	env.ghClient.EXPECT().
		RepositoryExists(gomock.Any(), testBotLogin, testRepository).
		Return(false, permErr)

	err := env.upgrader.waitForForkVisibility(context.Background(), true)

	require.Error(t, err)
	assert.ErrorIs(t, err, permErr)
}
