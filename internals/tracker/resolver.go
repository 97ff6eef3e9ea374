package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Repo is the project incidents are filed against.
type Repo struct {
	Platform  Platform
	Host      string // e.g. "github.com" or "gitlab.mycompany.com"
	Namespace string // GitHub owner or GitLab group path
	Name      string
	URL       string // as configured
}

// Path is the "namespace/name" form both APIs accept as a project ID.
func (r Repo) Path() string { return r.Namespace + "/" + r.Name }

// ParseRepoURL accepts HTTPS repository URLs, scp-style SSH remotes, and
// links to pages inside a repository such as its issue list.
func ParseRepoURL(rawURL string) (Repo, error) {
	configured := strings.TrimSpace(rawURL)
	target := configured
	if rest, ok := strings.CutPrefix(target, "git@"); ok {
		host, path, found := strings.Cut(rest, ":")
		if !found {
			return Repo{}, fmt.Errorf("invalid ssh remote %q", configured)
		}
		target = "https://" + host + "/" + path
	}

	u, err := url.Parse(target)
	if err != nil {
		return Repo{}, fmt.Errorf("invalid URL %q: %w", configured, err)
	}
	host := strings.ToLower(u.Hostname())
	platform, err := platformFor(host)
	if err != nil {
		return Repo{}, err
	}

	segs := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	switch platform {
	case PlatformGitHub:
		// github.com/owner/repo[/issues/...]
		if len(segs) > 2 {
			segs = segs[:2]
		}
	case PlatformGitLab:
		// gitlab.com/group/sub/project[/-/issues/...]
		for i, s := range segs {
			if s == "-" {
				segs = segs[:i]
				break
			}
		}
	}
	if n := len(segs); n > 0 {
		segs[n-1] = strings.TrimSuffix(segs[n-1], ".git")
	}
	if len(segs) < 2 || segs[len(segs)-1] == "" {
		return Repo{}, fmt.Errorf("%s URL must name a namespace and a repository: %q", platform, configured)
	}

	return Repo{
		Platform:  platform,
		Host:      host,
		Namespace: strings.Join(segs[:len(segs)-1], "/"),
		Name:      segs[len(segs)-1],
		URL:       configured,
	}, nil
}

func platformFor(host string) (Platform, error) {
	switch {
	case host == "github.com" || strings.HasSuffix(host, ".github.com"):
		return PlatformGitHub, nil
	case strings.Contains(host, "gitlab"):
		return PlatformGitLab, nil
	}
	return 0, fmt.Errorf("cannot tell the issue tracker for host %q, expected github.com or a gitlab domain", host)
}

// Credentials holds the per-platform tokens used to file incidents.
type Credentials struct {
	GitHubToken string
	GitLabToken string
	// GitLabBaseURL is used for gitlab.com repositories; self-hosted
	// instances are reached on the repository's own host.
	GitLabBaseURL string
}

// Open returns the tracker for repoURL.
func Open(ctx context.Context, repoURL string, creds Credentials) (Tracker, Repo, error) {
	repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, Repo{}, err
	}

	switch repo.Platform {
	case PlatformGitHub:
		if creds.GitHubToken == "" {
			return nil, repo, errors.New("no GitHub token configured")
		}
		return NewGitHubTracker(ctx, creds.GitHubToken, repo), repo, nil

	case PlatformGitLab:
		if creds.GitLabToken == "" {
			return nil, repo, errors.New("no GitLab token configured")
		}
		base := "https://" + repo.Host
		if repo.Host == "gitlab.com" && creds.GitLabBaseURL != "" {
			base = strings.TrimRight(creds.GitLabBaseURL, "/")
		}
		t, err := NewGitLabTracker(creds.GitLabToken, base, repo)
		return t, repo, err
	}

	return nil, repo, fmt.Errorf("unsupported platform: %s", repo.Platform)
}
