package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

// GitHubSSO exchanges OAuth codes for GitHub identities.
type GitHubSSO struct {
	OAuth   *oauth2.Config
	APIBase string
}

// NewGitHubSSO builds the exchanger for a client id/secret pair.
func NewGitHubSSO(clientID, clientSecret string) *GitHubSSO {
	return &GitHubSSO{
		OAuth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     github.Endpoint,
		},
		APIBase: "https://api.github.com",
	}
}

// GitHubIdentity is what the SSO flow needs from GitHub.
type GitHubIdentity struct {
	UID   int64
	Email string
}

// AuthorizeURL is where the browser is sent to start the flow.
func (g *GitHubSSO) AuthorizeURL() string {
	return g.OAuth.AuthCodeURL("")
}

// Exchange trades an OAuth code for the GitHub account's id and email.
func (g *GitHubSSO) Exchange(ctx context.Context, code string) (*GitHubIdentity, error) {
	token, err := g.OAuth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("github code exchange: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.APIBase+"/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.OAuth.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("github user lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github user lookup returned %d", resp.StatusCode)
	}

	var user struct {
		ID    int64  `json:"id"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, err
	}
	return &GitHubIdentity{UID: user.ID, Email: user.Email}, nil
}
