// Package github posts watch mode escalations to GitHub issues and pull
// requests.
package github

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Option configures a Client.
type Option func(*Client) error

// WithBaseURL points the client at a different API root, such as a GitHub
// Enterprise server or a test server.
func WithBaseURL(raw string) Option {
	return func(c *Client) error {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("github: parse base url: %w", err)
		}
		c.gh.BaseURL = u
		return nil
	}
}

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(rc RetryConfig) Option {
	return func(c *Client) error {
		rc.ApplyDefaults()
		c.retry = rc
		return nil
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) error {
		if l != nil {
			c.logger = l
		}
		return nil
	}
}

// Client is a repository client bound to one owner/name.
type Client struct {
	gh     *github.Client
	owner  string
	repo   string
	retry  RetryConfig
	logger *zap.Logger
}

// ParseRepo splits "owner/name".
func ParseRepo(s string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(s, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("github: repository must be owner/name, got %q", s)
	}
	return owner, repo, nil
}

// New creates a Client for repository ("owner/name") authenticated with token.
func New(ctx context.Context, token, repository string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("github: token not set")
	}
	owner, repo, err := ParseRepo(repository)
	if err != nil {
		return nil, err
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	c := &Client{
		gh:     github.NewClient(oauth2.NewClient(ctx, ts)),
		owner:  owner,
		repo:   repo,
		retry:  DefaultRetryConfig(),
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddIssueComment comments on an issue.
func (c *Client) AddIssueComment(ctx context.Context, number int, body string) error {
	return c.comment(ctx, "issue", number, body)
}

// AddPRComment comments on a pull request's conversation.
func (c *Client) AddPRComment(ctx context.Context, number int, body string) error {
	return c.comment(ctx, "pull request", number, body)
}

func (c *Client) comment(ctx context.Context, kind string, number int, body string) error {
	_, err := retryOperation(ctx, c.retry, c.logger, func() (*github.Response, error) {
		_, resp, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number, &github.IssueComment{
			Body: github.String(body),
		})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("github: comment on %s #%d: %w", kind, number, err)
	}
	c.logger.Debug("comment posted",
		zap.String("repository", c.owner+"/"+c.repo),
		zap.String("kind", kind),
		zap.Int("number", number),
	)
	return nil
}

// AddLabels adds labels to an issue or pull request.
func (c *Client) AddLabels(ctx context.Context, number int, labels []string) error {
	_, err := retryOperation(ctx, c.retry, c.logger, func() (*github.Response, error) {
		_, resp, err := c.gh.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, number, labels)
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("github: label #%d: %w", number, err)
	}
	return nil
}
