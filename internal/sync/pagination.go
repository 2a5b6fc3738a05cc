package sync

import "sync"

// PageCursor tracks the continuation tokens of a paged remote result set,
// enabling backward navigation by refetch. The stack holds the token used
// to fetch each loaded page, with the empty string standing in for page
// one. The loaded count is always recomputed from the stack inside the
// same transition that mutates it; the two are never updated separately.
type PageCursor struct {
	mu       sync.Mutex
	pageSize int
	stack    []string
	loaded   int
}

// PageState is a consistent snapshot of a PageCursor.
type PageState struct {
	Depth    int
	Loaded   int
	PageSize int
}

// NewPageCursor creates a cursor for pages of the given fixed size.
func NewPageCursor(pageSize int) *PageCursor {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &PageCursor{pageSize: pageSize}
}

// Advance records a forward fetch made with token (empty for page one).
func (c *PageCursor) Advance(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stack = append(c.stack, token)
	c.loaded = len(c.stack) * c.pageSize
}

// Retreat pops the current page and returns the token that refetches the
// previous page. ok is false when already at page one, in which case the
// cursor is unchanged. The previous page is refetched rather than served
// from a separately-kept count, so the two can never drift.
func (c *PageCursor) Retreat() (token string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.stack) <= 1 {
		return "", false
	}

	c.stack = c.stack[:len(c.stack)-1]
	c.loaded = len(c.stack) * c.pageSize
	return c.stack[len(c.stack)-1], true
}

// PeekPrev returns the token that refetches the previous page without
// mutating the cursor. ok is false when already at page one.
func (c *PageCursor) PeekPrev() (token string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.stack) <= 1 {
		return "", false
	}
	return c.stack[len(c.stack)-2], true
}

// Visited reports whether any loaded page was fetched with token.
func (c *PageCursor) Visited(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.stack {
		if t == token {
			return true
		}
	}
	return false
}

// Seek truncates the stack so the page fetched with token becomes the
// current page. ok is false when the token was never used for a fetch,
// in which case the cursor is unchanged.
func (c *PageCursor) Seek(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.stack) - 1; i >= 0; i-- {
		if c.stack[i] == token {
			c.stack = c.stack[:i+1]
			c.loaded = len(c.stack) * c.pageSize
			return true
		}
	}
	return false
}

// Reset clears the stack, for view, filter or query changes.
func (c *PageCursor) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stack = nil
	c.loaded = 0
}

// State returns a consistent snapshot.
func (c *PageCursor) State() PageState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return PageState{
		Depth:    len(c.stack),
		Loaded:   c.loaded,
		PageSize: c.pageSize,
	}
}
