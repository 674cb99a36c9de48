// Package hivetest provides an in-process chain for tests.
package hivetest

import (
	"context"
	"sync"

	"github.com/punchamoorthee/paynsnap/internal/domain"
)

// Chain serves account history and blog listings from memory.
// Histories are returned oldest first, like a real node.
type Chain struct {
	mu        sync.Mutex
	history   map[string][]domain.HistoryEntry
	blogs     map[string][]domain.Discussion
	nextIndex int64

	// HistoryErr, when set, is returned by GetAccountHistory instead of data.
	HistoryErr error
	// BlogErr, when set, is returned by GetDiscussionsByBlog instead of data.
	BlogErr error

	HistoryCalls int
	BlogCalls    int
}

func NewChain() *Chain {
	return &Chain{history: map[string][]domain.HistoryEntry{}, blogs: map[string][]domain.Discussion{}}
}

// AddTransfer appends a transfer operation to the sender's history.
func (c *Chain) AddTransfer(from, to, amount, memo string) {
	c.Add(from, domain.Operation{Name: "transfer", Fields: map[string]any{
		"from": from, "to": to, "amount": amount, "memo": memo,
	}})
}

// Add appends an arbitrary operation to account's history.
func (c *Chain) Add(account string, op domain.Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextIndex++
	c.history[account] = append(c.history[account], domain.HistoryEntry{
		Index: c.nextIndex,
		Op:    op,
		TrxID: "trx",
		Block: 1000 + c.nextIndex,
	})
}

// SetBlog replaces the blog listing for account, newest first.
func (c *Chain) SetBlog(account string, posts ...domain.Discussion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blogs[account] = posts
}

func (c *Chain) GetAccountHistory(_ context.Context, account string, _ int64, limit int) ([]domain.HistoryEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HistoryCalls++
	if c.HistoryErr != nil {
		return nil, c.HistoryErr
	}
	h := c.history[account]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]domain.HistoryEntry(nil), h...), nil
}

func (c *Chain) GetDiscussionsByBlog(_ context.Context, tag string, limit int) ([]domain.Discussion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BlogCalls++
	if c.BlogErr != nil {
		return nil, c.BlogErr
	}
	posts := c.blogs[tag]
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return append([]domain.Discussion(nil), posts...), nil
}

func (c *Chain) Calls() (history, blog int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.HistoryCalls, c.BlogCalls
}
