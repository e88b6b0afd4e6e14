// internal/auth/resolver.go
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"

	custom_errors "github.com/phrazzld/gitpulse-sub011/internal/errors"
	"github.com/phrazzld/gitpulse-sub011/internal/github"
	"github.com/phrazzld/gitpulse-sub011/internal/model"
	"github.com/phrazzld/gitpulse-sub011/internal/ratelimit"
)

// AppCredentials identify the GitHub App this server acts as. They are read
// once at process start.
type AppCredentials struct {
	AppID      int64
	PrivateKey []byte
}

// Configured reports whether both halves of the App credentials are present.
func (a AppCredentials) Configured() bool {
	return a.AppID != 0 && len(a.PrivateKey) > 0
}

// Credentials are what a caller presents for one request.
type Credentials struct {
	AccessToken    string
	InstallationID int64
	// PreferOAuth makes the user token win when an installation id is also
	// present. Without it the installation is used for its wider permissions.
	PreferOAuth bool
}

// CredentialSource supplies the credentials of the current caller.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials is a CredentialSource that always returns itself.
type StaticCredentials Credentials

// Credentials implements CredentialSource.
func (s StaticCredentials) Credentials(context.Context) (Credentials, error) {
	return Credentials(s), nil
}

// Handle is an authenticated API client bound to one AuthContext.
type Handle struct {
	Context model.AuthContext
	Client  *github.Client
	// Installation is set for App contexts.
	Installation *model.Installation
}

// Guard returns the quota guard shared by every handle of this context.
func (h *Handle) Guard() *ratelimit.Guard {
	return h.Client.Guard()
}

// Options tune how clients are built.
type Options struct {
	// BaseURL overrides the API root, e.g. for GitHub Enterprise.
	BaseURL string
	// Transport is the base round tripper. Nil means http.DefaultTransport.
	Transport http.RoundTripper
	// SkipVerification skips the identity call. Meant for local development
	// against fixtures; the resulting context has no verified login.
	SkipVerification bool
}

// Resolver turns Credentials into an authenticated Handle.
type Resolver struct {
	app    AppCredentials
	opts   Options
	guards *ratelimit.Registry
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(app AppCredentials, guards *ratelimit.Registry, logger *slog.Logger, opts Options) *Resolver {
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	return &Resolver{
		app:    app,
		opts:   opts,
		guards: guards,
		logger: logger,
	}
}

// Strategy decides which credential scheme to use without touching the network.
func (r *Resolver) Strategy(creds Credentials) (model.AuthKind, error) {
	hasToken := creds.AccessToken != ""
	hasInstallation := creds.InstallationID != 0

	switch {
	case !hasToken && !hasInstallation:
		return "", custom_errors.NewConfigError("no GitHub credentials supplied", nil)
	case hasInstallation && (!hasToken || !creds.PreferOAuth):
		if r.app.Configured() {
			return model.AuthKindApp, nil
		}
		if hasToken {
			r.logger.Warn("GitHub App credentials not configured, falling back to OAuth token",
				"installation_id", creds.InstallationID)
			return model.AuthKindOAuth, nil
		}
		return "", custom_errors.NewConfigError("GitHub App credentials are not configured", nil)
	default:
		return model.AuthKindOAuth, nil
	}
}

// Resolve selects a scheme, verifies the credential with one API call and
// returns a Handle whose client reports to the shared quota guard.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (*Handle, error) {
	kind, err := r.Strategy(creds)
	if err != nil {
		return nil, err
	}
	if kind == model.AuthKindApp {
		return r.resolveApp(ctx, creds.InstallationID)
	}
	return r.resolveOAuth(ctx, creds.AccessToken)
}

func (r *Resolver) resolveOAuth(ctx context.Context, token string) (*Handle, error) {
	client, err := github.NewTokenClient(ctx, token, r.opts.BaseURL, nil, r.logger)
	if err != nil {
		return nil, custom_errors.NewConfigError("invalid GitHub API URL", err)
	}

	authCtx := model.AuthContext{Kind: model.AuthKindOAuth, Token: token}
	var initial model.RateLimitInfo
	if !r.opts.SkipVerification {
		user, info, err := client.CurrentUser(ctx)
		if err != nil {
			return nil, identityError(err, "GitHub rejected the access token")
		}
		authCtx.Login = user.GetLogin()
		initial = info
	}

	guard := r.guardFor(authCtx, client, initial)
	r.logger.Debug("Resolved OAuth credentials", "login", authCtx.Login)
	return &Handle{Context: authCtx, Client: client.WithGuard(guard)}, nil
}

func (r *Resolver) resolveApp(ctx context.Context, installationID int64) (*Handle, error) {
	authCtx := model.AuthContext{Kind: model.AuthKindApp, InstallationID: installationID}
	var installation *model.Installation

	if !r.opts.SkipVerification {
		appClient, err := r.appClient()
		if err != nil {
			return nil, err
		}
		// The JWT call draws on the App's own quota, so its rate headers say
		// nothing about the installation token's bucket.
		inst, _, err := appClient.GetInstallation(ctx, installationID)
		if err != nil {
			return nil, installationError(err)
		}
		installation = &inst
		authCtx.Login = inst.AccountLogin
	}

	itr, err := ghinstallation.New(r.opts.Transport, r.app.AppID, installationID, r.app.PrivateKey)
	if err != nil {
		return nil, custom_errors.NewConfigError("invalid GitHub App private key", err)
	}
	if r.opts.BaseURL != "" {
		itr.BaseURL = strings.TrimSuffix(r.opts.BaseURL, "/")
	}
	client, err := github.NewClient(&http.Client{Transport: itr, Timeout: github.DefaultTimeout}, r.opts.BaseURL, nil, r.logger)
	if err != nil {
		return nil, custom_errors.NewConfigError("invalid GitHub API URL", err)
	}

	guard := r.guardFor(authCtx, client, model.RateLimitInfo{})
	r.logger.Debug("Resolved App installation", "installation_id", installationID, "account", authCtx.Login)
	return &Handle{Context: authCtx, Client: client.WithGuard(guard), Installation: installation}, nil
}

// ListInstallations lists the App installations visible to the caller: the
// user's installations when a token is present, otherwise every installation
// of the App.
func (r *Resolver) ListInstallations(ctx context.Context, creds Credentials) ([]model.Installation, error) {
	if creds.AccessToken != "" {
		client, err := github.NewTokenClient(ctx, creds.AccessToken, r.opts.BaseURL, nil, r.logger)
		if err != nil {
			return nil, custom_errors.NewConfigError("invalid GitHub API URL", err)
		}
		installs, err := client.ListUserInstallations(ctx)
		if err != nil {
			return nil, identityError(err, "GitHub rejected the access token")
		}
		return installs, nil
	}
	if !r.app.Configured() {
		return nil, custom_errors.NewConfigError("GitHub App credentials are not configured", nil)
	}
	appClient, err := r.appClient()
	if err != nil {
		return nil, err
	}
	installs, err := appClient.ListAppInstallations(ctx)
	if err != nil {
		return nil, installationError(err)
	}
	return installs, nil
}

func (r *Resolver) appClient() (*github.Client, error) {
	atr, err := ghinstallation.NewAppsTransport(r.opts.Transport, r.app.AppID, r.app.PrivateKey)
	if err != nil {
		return nil, custom_errors.NewConfigError("invalid GitHub App private key", err)
	}
	if r.opts.BaseURL != "" {
		atr.BaseURL = strings.TrimSuffix(r.opts.BaseURL, "/")
	}
	client, err := github.NewClient(&http.Client{Transport: atr, Timeout: github.DefaultTimeout}, r.opts.BaseURL, nil, r.logger)
	if err != nil {
		return nil, custom_errors.NewConfigError("invalid GitHub API URL", err)
	}
	return client, nil
}

func (r *Resolver) guardFor(authCtx model.AuthContext, client *github.Client, initial model.RateLimitInfo) *ratelimit.Guard {
	guard, _ := r.guards.For(authCtx.Key())
	guard.Observe(initial)
	guard.SetRefresher(client.RateLimit)
	return guard
}

// identityError maps a failed identity check. Anything the API says about the
// credential itself becomes an AuthError.
func identityError(err error, msg string) error {
	ce := custom_errors.Classify(err)
	switch ce.Kind {
	case custom_errors.KindAuth, custom_errors.KindNotFound:
		return custom_errors.NewAuthError(ce.HTTPStatus, msg, err)
	}
	return ce
}

// installationError maps a failed App-JWT call. A rejected JWT means the
// server's App credentials are wrong; a missing installation means the user
// has to install the App.
func installationError(err error) error {
	ce := custom_errors.Classify(err)
	switch {
	case ce.Kind == custom_errors.KindAuth && ce.HTTPStatus == http.StatusUnauthorized:
		return custom_errors.NewConfigError("GitHub rejected the App credentials", err)
	case ce.Kind == custom_errors.KindNotFound:
		ae := custom_errors.NewAuthError(ce.HTTPStatus, "GitHub App installation not found", err)
		ae.NeedsInstallation = true
		return ae
	}
	return ce
}
