package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/fogsync/fogsync/internal/api/auth"
	"github.com/fogsync/fogsync/internal/api/middleware"
	"github.com/fogsync/fogsync/pkg/models"
	"github.com/fogsync/fogsync/pkg/store"
	"github.com/fogsync/fogsync/pkg/tokenstore"
)

// IdentityExchanger abstracts the GitHub OAuth dance; tests stub it.
type IdentityExchanger interface {
	AuthorizeURL() string
	Exchange(ctx context.Context, code string) (*GitHubIdentity, error)
}

// PendingRegistration is a half-finished signup: the GitHub identity is
// verified but the user has not chosen their profile yet.
type PendingRegistration struct {
	GithubUID    int64
	DefaultEmail string
}

// UserHandler serves /user and the SSO flow.
type UserHandler struct {
	Store         *store.GORMStore
	JWT           *auth.JWTService
	SSO           IdentityExchanger
	Registrations *tokenstore.Store[PendingRegistration]
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(st *store.GORMStore, jwtService *auth.JWTService, sso IdentityExchanger, registrations *tokenstore.Store[PendingRegistration]) *UserHandler {
	return &UserHandler{Store: st, JWT: jwtService, SSO: sso, Registrations: registrations}
}

// Get handles GET /user.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid, _ := middleware.UserID(r.Context())
	user, err := h.Store.GetUserByID(r.Context(), uid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            user.ID,
		"email":         user.Email,
		"contact_email": user.ContactEmail,
		"language":      user.Language,
	})
}

// RedirectGithub handles GET /user/sso/github with a 302 to GitHub's
// authorize page.
func (h *UserHandler) RedirectGithub(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.SSO.AuthorizeURL(), http.StatusFound)
}

type githubLoginRequest struct {
	Code string `json:"code"`
}

// LoginGithub handles POST /user/sso/github. A known GitHub account
// logs straight in; an unknown one gets a short-lived registration
// token to finish signing up with.
func (h *UserHandler) LoginGithub(w http.ResponseWriter, r *http.Request) {
	var req githubLoginRequest
	if !decodeJSONBody(w, r, &req) || req.Code == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	identity, err := h.SSO.Exchange(r.Context(), req.Code)
	if err != nil {
		writeError(w, http.StatusForbidden, codeUnauthorized)
		return
	}

	user, err := h.Store.GetUserByGithubUID(r.Context(), identity.UID)
	switch {
	case err == nil:
		token, err := h.JWT.GenerateToken(user.ID)
		if err != nil {
			writeInternalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": token})
	case errors.Is(err, models.ErrUserNotFound):
		regToken := h.Registrations.Put(PendingRegistration{
			GithubUID:    identity.UID,
			DefaultEmail: strings.ToLower(identity.Email),
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"registration_token": regToken,
			"default_email":      strings.ToLower(identity.Email),
		})
	default:
		writeInternalError(w, err)
	}
}

type completeSSORequest struct {
	RegistrationToken string `json:"registration_token"`
	ContactEmail      string `json:"contact_email"`
	Language          string `json:"language"`
}

// CompleteSSO handles POST /user/sso: consumes a registration token and
// creates the account.
func (h *UserHandler) CompleteSSO(w http.ResponseWriter, r *http.Request) {
	var req completeSSORequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	pending, ok := h.Registrations.Take(req.RegistrationToken)
	if !ok {
		writeError(w, http.StatusForbidden, codeRegistrationTokenUnknown)
		return
	}

	contactEmail := strings.ToLower(strings.TrimSpace(req.ContactEmail))
	if contactEmail == "" || !strings.Contains(contactEmail, "@") {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	language := models.Language(req.Language)
	if !language.IsValid() {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	user := &models.User{
		ContactEmail: contactEmail,
		GithubUID:    &pending.GithubUID,
		Language:     language,
	}
	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		writeServiceError(w, err)
		return
	}
	token, err := h.JWT.GenerateToken(user.ID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}
