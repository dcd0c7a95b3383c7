// Package gmailclient is the per-user Gmail API client factory of spec
// §4.6: it turns a stored OAuth2 refresh token into a live
// *gmail.Service, refreshing the access token ahead of expiry with
// bounded retry, and forces a single refresh-and-retry when Gmail
// itself returns 401. Grounded on jhjaggars-package-tracking's
// oauth2/google/gmail-v1/option stack and rvaidun-email-automater's
// token-to-service wiring — this is the entire reason those two repos'
// dependency sets were pulled into the module; the teacher itself
// never talks to Gmail.
package gmailclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/outreach-hq/sequencer/internal/config"
	"github.com/outreach-hq/sequencer/internal/domain"
	"github.com/outreach-hq/sequencer/internal/pkg/httpretry"
	"github.com/outreach-hq/sequencer/internal/store"
)

// retryMaxAttempts is the per-call-site retry budget for the Gmail API's
// own transient failures (429/5xx), per spec §7 — distinct from
// refreshBackoff's token-refresh retries below.
const retryMaxAttempts = 3

// roundTripperFunc adapts httpretry.RetryClient.Do (an HTTPDoer) to
// http.RoundTripper so it can sit underneath oauth2's own transport.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// gmailHTTPClient is shared across every Gmail service this factory
// builds: its Transport retries transient Gmail 429/5xx responses with
// exponential backoff before the call ever reaches application code.
var gmailHTTPClient = &http.Client{
	Transport: roundTripperFunc(
		httpretry.NewRetryClient(&http.Client{Timeout: config.RequestTimeout}, retryMaxAttempts).Do,
	),
}

// tokenRefreshSkew is how far ahead of the stored expiry we proactively
// refresh, so a request never starts against a token about to die
// mid-flight.
const tokenRefreshSkew = 2 * time.Minute

// refreshBackoff is spec §4.6's "retry 1s/2s/4s capped at 10s" schedule.
var refreshBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 10 * time.Second}

// Factory builds per-user Gmail services from stored OAuth2 credentials.
// REDESIGN FLAG "Global mutable OAuth2 client" (spec.md §9): rather
// than one shared package-level client, each user id gets its own
// *sync.Mutex guarding its own refresh-and-rebuild sequence, so
// refreshing user A's token never blocks a concurrent request for
// user B.
type Factory struct {
	oauthConfig *oauth2.Config
	accounts    store.GmailAccountStore

	mu        sync.Mutex
	userLocks map[uuid.UUID]*sync.Mutex
}

// New builds a Factory. redirectURL is only carried on the OAuth2
// config for an initial consent flow, which this module does not
// implement; the factory itself only ever refreshes an existing
// refresh token.
func New(clientID, clientSecret, redirectURL string, accounts store.GmailAccountStore) *Factory {
	return &Factory{
		oauthConfig: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{gmail.GmailSendScope, gmail.GmailModifyScope},
			Endpoint:     google.Endpoint,
		},
		accounts:  accounts,
		userLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (f *Factory) lockFor(userID uuid.UUID) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		f.userLocks[userID] = l
	}
	return l
}

// Service returns a Gmail service for userID, refreshing the access
// token first if it's within tokenRefreshSkew of expiry.
func (f *Factory) Service(ctx context.Context, userID uuid.UUID) (*gmail.Service, error) {
	lock := f.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()
	return f.serviceLocked(ctx, userID, false)
}

// serviceLocked builds the service, optionally forcing a refresh
// regardless of the stored expiry (used for the single 401 retry).
func (f *Factory) serviceLocked(ctx context.Context, userID uuid.UUID, forceRefresh bool) (*gmail.Service, error) {
	acct, err := f.accounts.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("gmailclient: load account: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  acct.AccessToken,
		RefreshToken: acct.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       acct.TokenExpiry,
	}

	if forceRefresh || token.Expiry.Before(time.Now().Add(tokenRefreshSkew)) {
		refreshed, err := f.refreshWithBackoff(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("gmailclient: refresh token for user %s: %w", userID, err)
		}
		if refreshed.AccessToken != token.AccessToken {
			if err := f.accounts.UpdateToken(ctx, userID, refreshed.AccessToken, refreshed.Expiry); err != nil {
				return nil, fmt.Errorf("gmailclient: persist refreshed token: %w", err)
			}
		}
		token = refreshed
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, gmailHTTPClient)
	svc, err := gmail.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
	if err != nil {
		return nil, fmt.Errorf("gmailclient: build service: %w", err)
	}
	return svc, nil
}

// refreshWithBackoff exchanges the refresh token for a new access
// token, retrying transient failures on the spec's 1s/2s/4s/10s
// schedule.
func (f *Factory) refreshWithBackoff(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	ts := f.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: token.RefreshToken})

	var lastErr error
	for attempt := 0; attempt <= len(refreshBackoff); attempt++ {
		refreshed, err := ts.Token()
		if err == nil {
			return refreshed, nil
		}
		lastErr = err
		if attempt == len(refreshBackoff) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(refreshBackoff[attempt]):
		}
	}
	return nil, fmt.Errorf("gmailclient: exhausted refresh retries: %w", lastErr)
}

// Do runs fn against userID's Gmail service, forcing exactly one
// refresh-and-retry if fn's error is a Gmail 401. A second 401 after
// the forced refresh surfaces as domain.ErrTokenExpired, per spec
// §4.6.
func (f *Factory) Do(ctx context.Context, userID uuid.UUID, fn func(*gmail.Service) error) error {
	svc, err := f.Service(ctx, userID)
	if err != nil {
		return err
	}
	err = fn(svc)
	if !isUnauthorized(err) {
		return err
	}

	lock := f.lockFor(userID)
	lock.Lock()
	svc2, rerr := f.serviceLocked(ctx, userID, true)
	lock.Unlock()
	if rerr != nil {
		return rerr
	}

	err = fn(svc2)
	if isUnauthorized(err) {
		return domain.ErrTokenExpired
	}
	return err
}

func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 401
	}
	return false
}
