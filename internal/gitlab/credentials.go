package gitlab

import (
	"fmt"
	"net/url"
	"strings"
)

// InjectCredentials returns rawURL with user:token set as its userinfo. URLs that do
// not parse are returned unchanged.
func InjectCredentials(rawURL, user, token string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	if user == "" && token == "" {
		return rawURL
	}
	u.User = url.UserPassword(user, token)
	return u.String()
}

// UserRemote builds the remote the instance owner pushes with:
// https://<email local part>:<token>@<host/path>.
func UserRemote(repoURL, email, token string) (string, error) {
	_, rest, ok := strings.Cut(repoURL, "//")
	if !ok || rest == "" {
		return "", fmt.Errorf("repository url %q has no scheme", repoURL)
	}
	username, _, _ := strings.Cut(email, "@")
	return fmt.Sprintf("https://%s:%s@%s", username, token, rest), nil
}
