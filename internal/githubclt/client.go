// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/helmupgradebot/chartbump/internal/bumperr"
	"github.com/helmupgradebot/chartbump/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// New returns a new github api client.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is a github API client.
// Methods wrap transient failures (rate-limits, 5xx responses) in a
// bumperr.RetryableError, callers that poll for asynchronous state changes
// use that marker to decide if another attempt is allowed.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// RepositoryExists returns true if the repository exists and is accessible
// with the client's credentials.
func (clt *Client) RepositoryExists(ctx context.Context, owner, repo string) (bool, error) {
	_, _, err := clt.restClt.Repositories.Get(ctx, owner, repo)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}

		return false, clt.wrapRetryableErrors(err)
	}

	return true, nil
}

// CreateFork forks the repository into the account the client is
// authenticated as.
// Github processes forks asynchronously, a successful return does not
// guarantee that the fork is usable yet, use RepositoryExists to poll for
// it. Calling CreateFork for an already forked repository is a no-op.
func (clt *Client) CreateFork(ctx context.Context, owner, repo string) error {
	_, _, err := clt.restClt.Repositories.CreateFork(ctx, owner, repo, nil)
	if err != nil {
		// the fork is created asynchronously, github answers with
		// 202 Accepted which go-github reports as an error
		var acceptedErr *github.AcceptedError
		if errors.As(err, &acceptedErr) {
			clt.logger.Debug(
				"fork creation scheduled",
				logfields.Event("github_fork_creation_scheduled"),
				logfields.RepositoryOwner(owner),
				logfields.Repository(repo),
			)

			return nil
		}

		return &ForkOperationError{
			Operation:  "create",
			Owner:      owner,
			Repository: repo,
			Err:        clt.wrapRetryableErrors(err),
		}
	}

	return nil
}

// DeleteRepository deletes the repository.
// The token must have the delete_repo scope.
func (clt *Client) DeleteRepository(ctx context.Context, owner, repo string) error {
	_, err := clt.restClt.Repositories.Delete(ctx, owner, repo)
	if err != nil {
		return &ForkOperationError{
			Operation:  "delete",
			Owner:      owner,
			Repository: repo,
			Err:        clt.wrapRetryableErrors(err),
		}
	}

	return nil
}

// BranchExists returns true if the repository has a branch with the given
// name.
func (clt *Client) BranchExists(ctx context.Context, owner, repo, branch string) (bool, error) {
	opts := github.BranchListOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		branches, resp, err := clt.restClt.Repositories.ListBranches(ctx, owner, repo, &opts)
		if err != nil {
			return false, clt.wrapRetryableErrors(err)
		}

		for _, b := range branches {
			if b.GetName() == branch {
				return true, nil
			}
		}

		if resp.NextPage == 0 {
			return false, nil
		}

		opts.Page = resp.NextPage
	}
}

// DefaultBranch returns the name of the default branch of the repository.
func (clt *Client) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	var query struct {
		Repository struct {
			DefaultBranchRef struct {
				Name githubv4.String
			}
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	vars := map[string]any{
		"owner": githubv4.String(owner),
		"name":  githubv4.String(repo),
	}

	if err := clt.graphQLClt.Query(ctx, &query, vars); err != nil {
		return "", fmt.Errorf("querying default branch failed: %w", err)
	}

	branch := string(query.Repository.DefaultBranchRef.Name)
	if branch == "" {
		return "", errors.New("github returned an empty default branch ref")
	}

	return branch, nil
}

// PullRequestRequest describes a pull request to be opened.
// It is constructed once and submitted once, submission is not retried.
type PullRequestRequest struct {
	Title      string
	Body       string
	BaseBranch string
	// HeadRef is the branch to merge, in "owner:branch" notation for
	// cross-repository pull requests.
	HeadRef string
	Labels  []string
}

// PullRequest describes an opened pull request.
type PullRequest struct {
	Number int
	URL    string
}

// CreatePullRequest opens a pull request in the repository and attaches the
// requested labels to it.
// A non-success API response is reported as a *PublishError carrying the
// response body.
func (clt *Client) CreatePullRequest(ctx context.Context, owner, repo string, req *PullRequestRequest) (*PullRequest, error) {
	pr, _, err := clt.restClt.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(req.Title),
		Body:  github.String(req.Body),
		Base:  github.String(req.BaseBranch),
		Head:  github.String(req.HeadRef),
	})
	if err != nil {
		return nil, &PublishError{
			ResponseBody: responseBody(err),
			Err:          err,
		}
	}

	result := PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
	}

	clt.logger.Info(
		"pull request created",
		logfields.Event("github_pull_request_created"),
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.PullRequest(result.Number),
		zap.String("url", result.URL),
	)

	if len(req.Labels) > 0 {
		_, _, err := clt.restClt.Issues.AddLabelsToIssue(ctx, owner, repo, result.Number, req.Labels)
		if err != nil {
			return nil, &PublishError{
				ResponseBody: responseBody(err),
				Err:          fmt.Errorf("attaching labels to pull request %d failed: %w", result.Number, err),
			}
		}

		clt.logger.Debug(
			"labels attached to pull request",
			logfields.Event("github_pull_request_labeled"),
			logfields.PullRequest(result.Number),
			zap.Strings("labels", req.Labels),
		)
	}

	return &result, nil
}

func isNotFound(err error) bool {
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		return respErr.Response != nil && respErr.Response.StatusCode == http.StatusNotFound
	}

	return false
}

func responseBody(err error) string {
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		return respErr.Error()
	}

	return err.Error()
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return bumperr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return bumperr.NewRetryableAnytimeError(err)
		}
	}

	return err
}
