package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// cachedToken is the on-disk token shape the external auth helper
// writes, one file per account.
type cachedToken struct {
	AccessToken string    `json:"access_token"`
	Expiry      time.Time `json:"expiry"`
}

// FileTokens reads access tokens cached under a directory by the
// external authentication flow. Refresh re-reads the file: the helper
// owns the refresh grant, this process only consumes its output.
type FileTokens struct {
	dir string

	mu     sync.Mutex
	tokens map[string]cachedToken
}

// NewFileTokens creates a provider over dir. Files are named
// <accountID>.json.
func NewFileTokens(dir string) *FileTokens {
	return &FileTokens{
		dir:    dir,
		tokens: make(map[string]cachedToken),
	}
}

func (f *FileTokens) path(accountID string) string {
	return filepath.Join(f.dir, accountID+".json")
}

func (f *FileTokens) load(accountID string) (cachedToken, error) {
	data, err := os.ReadFile(f.path(accountID))
	if err != nil {
		if os.IsNotExist(err) {
			return cachedToken{}, fmt.Errorf("%w: no cached token for %s", ErrReauthRequired, accountID)
		}
		return cachedToken{}, fmt.Errorf("read token for %s: %w", accountID, err)
	}

	var tok cachedToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return cachedToken{}, fmt.Errorf("decode token for %s: %w", accountID, err)
	}
	return tok, nil
}

// AccessToken returns the cached token, re-reading the file when the
// in-memory copy has expired.
func (f *FileTokens) AccessToken(ctx context.Context, accountID string) (string, error) {
	f.mu.Lock()
	tok, ok := f.tokens[accountID]
	f.mu.Unlock()

	if ok && time.Now().Before(tok.Expiry) {
		return tok.AccessToken, nil
	}
	return f.Refresh(ctx, accountID)
}

// Refresh re-reads the token file. A missing or expired file means the
// external helper has to run again.
func (f *FileTokens) Refresh(ctx context.Context, accountID string) (string, error) {
	tok, err := f.load(accountID)
	if err != nil {
		return "", err
	}
	if !tok.Expiry.IsZero() && time.Now().After(tok.Expiry) {
		return "", fmt.Errorf("%w: cached token for %s expired at %s",
			ErrReauthRequired, accountID, tok.Expiry.Format(time.RFC3339))
	}

	f.mu.Lock()
	f.tokens[accountID] = tok
	f.mu.Unlock()
	return tok.AccessToken, nil
}

// IsAuthenticated reports whether a usable cached token exists.
func (f *FileTokens) IsAuthenticated(accountID string) bool {
	tok, err := f.load(accountID)
	if err != nil {
		return false
	}
	return tok.Expiry.IsZero() || time.Now().Before(tok.Expiry)
}
