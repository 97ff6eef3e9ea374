package tracker

import (
	"context"
	"fmt"

	gitlab "gitlab.com/gitlab-org/api/client-go"
)

type GitLabTracker struct {
	gl   *gitlab.Client
	repo Repo
}

func NewGitLabTracker(token, baseURL string, repo Repo) (*GitLabTracker, error) {
	gl, err := gitlab.NewClient(token, gitlab.WithBaseURL(baseURL+"/api/v4"))
	if err != nil {
		return nil, fmt.Errorf("gitlab client: %w", err)
	}
	return &GitLabTracker{gl: gl, repo: repo}, nil
}

func (t *GitLabTracker) RepoURL() string { return t.repo.URL }

func (t *GitLabTracker) CreateIssue(ctx context.Context, input IssueInput) (Issue, error) {
	created, _, err := t.gl.Issues.CreateIssue(t.repo.Path(), &gitlab.CreateIssueOptions{
		Title:       gitlab.Ptr(input.Title),
		Description: gitlab.Ptr(input.Body),
		Labels:      (*gitlab.LabelOptions)(&input.Labels),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return Issue{}, fmt.Errorf("gitlab create issue: %w", err)
	}
	return fromGitLab(created), nil
}

func (t *GitLabTracker) FindOpenIssue(ctx context.Context, title, label string) (Issue, bool, error) {
	// search is a fuzzy match; the exact title check below decides.
	found, _, err := t.gl.Issues.ListProjectIssues(t.repo.Path(), &gitlab.ListProjectIssuesOptions{
		State:  gitlab.Ptr("opened"),
		Labels: &gitlab.LabelOptions{label},
		Search: gitlab.Ptr(title),
		In:     gitlab.Ptr("title"),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return Issue{}, false, fmt.Errorf("gitlab list issues: %w", err)
	}
	for _, is := range found {
		if is.Title == title {
			return fromGitLab(is), true, nil
		}
	}
	return Issue{}, false, nil
}

func (t *GitLabTracker) Comment(ctx context.Context, number int, body string) error {
	_, _, err := t.gl.Notes.CreateIssueNote(t.repo.Path(), int64(number),
		&gitlab.CreateIssueNoteOptions{Body: gitlab.Ptr(body)}, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("gitlab comment: %w", err)
	}
	return nil
}

// fromGitLab numbers issues by the project-scoped IID shown in the UI.
func fromGitLab(is *gitlab.Issue) Issue {
	return Issue{Number: int(is.IID), Title: is.Title, URL: is.WebURL}
}
