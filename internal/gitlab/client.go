// Package gitlab talks to the git-hosting API: project lookups, runners and the
// playbooks registered as runners.
package gitlab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// PlaybookPrefix marks runners that belong to a centralized playbook.
const PlaybookPrefix = "playbook-"

// ErrProjectNotFound is returned when the host answers 404 for a project.
var ErrProjectNotFound = errors.New("project not found with gitlab")

// HTTPError is a non-2xx answer from the host. Status is forwarded to the caller.
type HTTPError struct {
	Status int
	Reason string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gitlab API error (%d): %s", e.Status, e.Reason)
}

// Credentials select the host and token a call runs with. Each project carries its own.
type Credentials struct {
	Host  string
	Token string
}

// Project is the subset of the project resource the orchestrator uses.
type Project struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	PathWithNS    string `json:"path_with_namespace"`
	WebURL        string `json:"web_url"`
	HTTPURLToRepo string `json:"http_url_to_repo"`
	RunnersToken  string `json:"runners_token"`
}

type Runner struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	IPAddress   string `json:"ip_address"`
	Active      bool   `json:"active"`
	Status      string `json:"status"`
}

// Client is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	scheme     string
	log        *logrus.Entry
}

type Option func(*Client)

// WithHTTPClient sets the base client the token transport wraps.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithScheme overrides "https" for hosts given without one.
func WithScheme(scheme string) Option {
	return func(cl *Client) { cl.scheme = scheme }
}

func NewClient(logger *logrus.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		scheme:     "https",
		log:        logger.WithField("component", "gitlab"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) baseURL(host string) string {
	host = strings.TrimSuffix(host, "/")
	if strings.Contains(host, "://") {
		return host + "/api/v4"
	}
	return c.scheme + "://" + host + "/api/v4"
}

func (c *Client) do(ctx context.Context, creds Credentials, method, path string, out any) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.Token}))

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL(creds.Host)+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gitlab request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := http.StatusText(resp.StatusCode)
		var apiErr struct {
			Message any `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != nil {
			reason = fmt.Sprint(apiErr.Message)
		}
		return &HTTPError{Status: resp.StatusCode, Reason: reason}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// ProjectRef turns a numeric id or a project URL into the identifier the API expects.
func ProjectRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty project reference")
	}
	if _, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return ref, nil
	}
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid project reference %q", ref)
	}
	path := strings.Trim(strings.TrimSuffix(u.Path, ".git"), "/")
	if path == "" {
		return "", fmt.Errorf("invalid project reference %q", ref)
	}
	return url.PathEscape(path), nil
}

// GetProject fetches a project by numeric id or URL. A 404 yields ErrProjectNotFound,
// other failures an *HTTPError.
func (c *Client) GetProject(ctx context.Context, creds Credentials, ref string) (*Project, error) {
	id, err := ProjectRef(ref)
	if err != nil {
		return nil, err
	}
	var p Project
	if err := c.do(ctx, creds, http.MethodGet, "/projects/"+id, &p); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (c *Client) ListRunners(ctx context.Context, creds Credentials, projectID string) ([]Runner, error) {
	var runners []Runner
	if err := c.do(ctx, creds, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/runners?per_page=100", &runners); err != nil {
		return nil, err
	}
	return runners, nil
}

func (c *Client) DeleteRunner(ctx context.Context, creds Credentials, runnerID int64) error {
	if err := c.do(ctx, creds, http.MethodDelete, "/runners/"+strconv.FormatInt(runnerID, 10), nil); err != nil {
		return err
	}
	c.log.WithField("runner_id", runnerID).Info("Runner deleted")
	return nil
}

// ListPlaybooks returns the names of the playbooks registered on the project.
func (c *Client) ListPlaybooks(ctx context.Context, creds Credentials, projectID string) ([]string, error) {
	runners, err := c.ListRunners(ctx, creds, projectID)
	if err != nil {
		return nil, err
	}
	return PlaybookNames(runners), nil
}

// PlaybookNames extracts playbook names from runner descriptions, keeping order and
// dropping duplicates.
func PlaybookNames(runners []Runner) []string {
	names := lo.FilterMap(runners, func(r Runner, _ int) (string, bool) {
		if !strings.HasPrefix(r.Description, PlaybookPrefix) {
			return "", false
		}
		name := strings.TrimPrefix(r.Description, PlaybookPrefix)
		return name, name != ""
	})
	return lo.Uniq(names)
}

// RunnerByIP returns the first runner registered from ip.
func RunnerByIP(runners []Runner, ip string) (Runner, bool) {
	if ip == "" {
		return Runner{}, false
	}
	return lo.Find(runners, func(r Runner) bool { return r.IPAddress == ip })
}
