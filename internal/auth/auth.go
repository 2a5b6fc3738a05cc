// Package auth defines the contract with the external auth provider and
// adapts it to oauth2 token sources for the provider client.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ErrReauthRequired indicates the account's refresh token is no longer
// usable and the user must re-authenticate interactively.
var ErrReauthRequired = errors.New("re-authentication required")

// TokenProvider is the narrow contract consumed from the external auth
// provider. Token exchange and credential storage live behind it.
type TokenProvider interface {
	// AccessToken returns the current access token for the account.
	AccessToken(ctx context.Context, accountID string) (string, error)

	// Refresh forces a token refresh and returns the new access token.
	// Returns ErrReauthRequired when the refresh token is invalid.
	Refresh(ctx context.Context, accountID string) (string, error)

	// IsAuthenticated reports whether the account holds usable credentials.
	IsAuthenticated(accountID string) bool
}

// RefreshCoordinator de-duplicates concurrent refresh attempts per account.
// When two sync paths hit an expired token at the same time only one
// refresh call reaches the auth provider; the other caller waits for and
// shares its result. It replaces the ambient-global in-progress flag with
// an explicit injected object.
type RefreshCoordinator struct {
	provider TokenProvider

	mu       sync.Mutex
	inflight map[string]*refreshCall
}

type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// NewRefreshCoordinator wraps a token provider with refresh de-duplication.
func NewRefreshCoordinator(provider TokenProvider) *RefreshCoordinator {
	return &RefreshCoordinator{
		provider: provider,
		inflight: make(map[string]*refreshCall),
	}
}

// AccessToken returns the current access token for the account.
func (c *RefreshCoordinator) AccessToken(ctx context.Context, accountID string) (string, error) {
	return c.provider.AccessToken(ctx, accountID)
}

// IsAuthenticated reports whether the account holds usable credentials.
func (c *RefreshCoordinator) IsAuthenticated(accountID string) bool {
	return c.provider.IsAuthenticated(accountID)
}

// Refresh refreshes the account's token, sharing a single in-flight
// refresh between concurrent callers.
func (c *RefreshCoordinator) Refresh(ctx context.Context, accountID string) (string, error) {
	c.mu.Lock()
	if call, ok := c.inflight[accountID]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	c.inflight[accountID] = call
	c.mu.Unlock()

	call.token, call.err = c.provider.Refresh(ctx, accountID)

	c.mu.Lock()
	delete(c.inflight, accountID)
	c.mu.Unlock()
	close(call.done)

	return call.token, call.err
}

// Ensure the coordinator remains a drop-in TokenProvider.
var _ TokenProvider = (*RefreshCoordinator)(nil)

// tokenSource adapts a TokenProvider to oauth2.TokenSource for one account.
type tokenSource struct {
	provider  TokenProvider
	accountID string
}

// TokenSource returns an oauth2.TokenSource backed by the auth provider.
// The returned source is safe to wrap with oauth2.ReuseTokenSource.
func TokenSource(provider TokenProvider, accountID string) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &tokenSource{provider: provider, accountID: accountID})
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tok, err := s.provider.AccessToken(ctx, s.accountID)
	if err != nil {
		return nil, fmt.Errorf("access token for %s: %w", s.accountID, err)
	}

	return &oauth2.Token{
		AccessToken: tok,
		// Short expiry so ReuseTokenSource re-queries the auth provider,
		// which owns the real refresh cadence.
		Expiry: time.Now().Add(5 * time.Minute),
	}, nil
}

// Static is a fixed-token TokenProvider for tests and local tooling.
type Static struct {
	mu     sync.Mutex
	tokens map[string]string

	// RefreshErr, when set, is returned by Refresh for every account.
	RefreshErr error

	// RefreshCalls counts Refresh invocations per account.
	RefreshCalls map[string]int
}

// NewStatic creates a static token provider from an account -> token map.
func NewStatic(tokens map[string]string) *Static {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &Static{tokens: cp, RefreshCalls: make(map[string]int)}
}

func (s *Static) AccessToken(ctx context.Context, accountID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[accountID]
	if !ok {
		return "", ErrReauthRequired
	}
	return tok, nil
}

func (s *Static) Refresh(ctx context.Context, accountID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RefreshCalls[accountID]++
	if s.RefreshErr != nil {
		return "", s.RefreshErr
	}
	tok, ok := s.tokens[accountID]
	if !ok {
		return "", ErrReauthRequired
	}
	return tok, nil
}

func (s *Static) IsAuthenticated(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[accountID]
	return ok
}

// SetToken installs or replaces the token for an account.
func (s *Static) SetToken(accountID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[accountID] = token
}

var _ TokenProvider = (*Static)(nil)
