package tracker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v60/github"
	"golang.org/x/oauth2"
)

type GitHubTracker struct {
	gh   *github.Client
	repo Repo
}

func NewGitHubTracker(ctx context.Context, token string, repo Repo) *GitHubTracker {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return newGitHubTracker(oauth2.NewClient(ctx, ts), repo)
}

func newGitHubTracker(httpClient *http.Client, repo Repo) *GitHubTracker {
	return &GitHubTracker{gh: github.NewClient(httpClient), repo: repo}
}

func (t *GitHubTracker) RepoURL() string { return t.repo.URL }

func (t *GitHubTracker) CreateIssue(ctx context.Context, input IssueInput) (Issue, error) {
	created, _, err := t.gh.Issues.Create(ctx, t.repo.Namespace, t.repo.Name, &github.IssueRequest{
		Title:  github.String(input.Title),
		Body:   github.String(input.Body),
		Labels: &input.Labels,
	})
	if err != nil {
		return Issue{}, fmt.Errorf("github create issue: %w", err)
	}
	return fromGitHub(created), nil
}

func (t *GitHubTracker) FindOpenIssue(ctx context.Context, title, label string) (Issue, bool, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		Labels:      []string{label},
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		page, resp, err := t.gh.Issues.ListByRepo(ctx, t.repo.Namespace, t.repo.Name, opts)
		if err != nil {
			return Issue{}, false, fmt.Errorf("github list issues: %w", err)
		}
		for _, is := range page {
			// The issues endpoint also returns pull requests.
			if !is.IsPullRequest() && is.GetTitle() == title {
				return fromGitHub(is), true, nil
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return Issue{}, false, nil
		}
		opts.Page = resp.NextPage
	}
}

func (t *GitHubTracker) Comment(ctx context.Context, number int, body string) error {
	_, _, err := t.gh.Issues.CreateComment(ctx, t.repo.Namespace, t.repo.Name, number,
		&github.IssueComment{Body: github.String(body)})
	if err != nil {
		return fmt.Errorf("github comment: %w", err)
	}
	return nil
}

func fromGitHub(is *github.Issue) Issue {
	return Issue{Number: is.GetNumber(), Title: is.GetTitle(), URL: is.GetHTMLURL()}
}
