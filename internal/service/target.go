package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/punchamoorthee/paynsnap/internal/domain"
	"github.com/punchamoorthee/paynsnap/internal/log"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// BlogLister is the part of the RPC client the resolver needs.
type BlogLister interface {
	GetDiscussionsByBlog(ctx context.Context, tag string, limit int) ([]domain.Discussion, error)
}

// TargetResolver finds the newest post of the target account and caches it for the session.
type TargetResolver struct {
	rpc     BlogLister
	account string
	limit   int
	group   singleflight.Group
	logger  zerolog.Logger

	mu     sync.Mutex
	cached *domain.ReplyTarget
	// epoch changes on Invalidate so fetches started earlier are not cached.
	epoch uint64
}

func NewTargetResolver(rpc BlogLister, account string) *TargetResolver {
	return &TargetResolver{
		rpc:     rpc,
		account: account,
		// Blogs include reblogs, so look a little further than the first entry.
		limit:  5,
		logger: log.WithComponent("target"),
	}
}

// Resolve returns the cached target or fetches it. Concurrent callers share one fetch.
func (r *TargetResolver) Resolve(ctx context.Context) (domain.ReplyTarget, error) {
	r.mu.Lock()
	if r.cached != nil {
		t := *r.cached
		r.mu.Unlock()
		return t, nil
	}
	epoch := r.epoch
	r.mu.Unlock()

	v, err, _ := r.group.Do(fmt.Sprintf("%s/%d", r.account, epoch), func() (any, error) {
		return r.fetch(ctx)
	})
	if err != nil {
		return domain.ReplyTarget{}, err
	}
	t := v.(domain.ReplyTarget)

	r.mu.Lock()
	if epoch == r.epoch {
		r.cached = &t
	}
	r.mu.Unlock()
	return t, nil
}

func (r *TargetResolver) fetch(ctx context.Context) (domain.ReplyTarget, error) {
	posts, err := r.rpc.GetDiscussionsByBlog(ctx, r.account, r.limit)
	if err != nil {
		return domain.ReplyTarget{}, fmt.Errorf("%w: %w", domain.ErrNoReplyTarget, err)
	}
	for _, p := range posts {
		if p.Author == r.account && p.Permlink != "" {
			return domain.ReplyTarget{Author: p.Author, Permlink: p.Permlink}, nil
		}
	}
	return domain.ReplyTarget{}, fmt.Errorf("%w: @%s has no posts", domain.ErrNoReplyTarget, r.account)
}

// Prime resolves once at startup; failure is only logged and Resolve retries later.
func (r *TargetResolver) Prime(ctx context.Context) {
	t, err := r.Resolve(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Str("account", r.account).Msg("reply target not available yet")
		return
	}
	r.logger.Info().Str("author", t.Author).Str("permlink", t.Permlink).Msg("reply target cached")
}

// Invalidate drops the cached target.
func (r *TargetResolver) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.epoch++
	r.mu.Unlock()
}
