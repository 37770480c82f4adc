package codes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autocheckin/internal/state"
	"autocheckin/internal/users"
	logx "autocheckin/pkg/logx"
)

type batch struct {
	codes []Code
	at    time.Time
}

// Provider serves ranked candidates per user.
//
// In multi mode every source is fetched on demand and cached for maxAge.
// In local mode candidates are the untried codes of user.json, which the
// poller fills in the background.
type Provider struct {
	fetch  Fetcher
	maxAge time.Duration
	local  *users.LocalStore
	st     *state.Store
	log    logx.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]batch
	tried map[string]struct{}
}

type Option func(*Provider)

// WithLocal switches the provider to local mode backed by s.
func WithLocal(s *users.LocalStore) Option { return func(p *Provider) { p.local = s } }
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}
func WithLogger(l logx.Logger) Option { return func(p *Provider) { p.log = l } }

func NewProvider(f Fetcher, maxAge time.Duration, st *state.Store, opts ...Option) *Provider {
	p := &Provider{
		fetch:  f,
		maxAge: maxAge,
		st:     st,
		log:    logx.Nop(),
		now:    time.Now,
		cache:  map[string]batch{},
		tried:  map[string]struct{}{},
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With(logx.String("comp", "codes"))
	return p
}

// Local reports whether the provider runs in local mode.
func (p *Provider) Local() bool { return p.local != nil }

// Fetch returns the candidates of source in fetch order, from cache when fresh.
func (p *Provider) Fetch(ctx context.Context, source string) ([]Code, error) {
	p.mu.Lock()
	b, ok := p.cache[source]
	p.mu.Unlock()
	if ok && p.maxAge > 0 && p.now().Sub(b.at) < p.maxAge {
		return b.codes, nil
	}

	cs, err := p.fetch.Fetch(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("fetch codes %q: %w", source, err)
	}
	p.mu.Lock()
	p.cache[source] = batch{codes: cs, at: p.now()}
	p.mu.Unlock()
	p.publishCounts()
	p.log.Debug("codes fetched", logx.String("source", source), logx.Int("count", len(cs)))
	return cs, nil
}

// Ranked returns u's candidates in trial order.
func (p *Provider) Ranked(ctx context.Context, u users.User) ([]Code, error) {
	if p.local != nil {
		rec, err := p.local.Load()
		if err != nil {
			return nil, err
		}
		out := make([]Code, 0, len(rec.AvailableUntriedCodes))
		for _, v := range rec.AvailableUntriedCodes {
			out = append(out, Code{Value: v, Reputation: rec.CodeReputation[v]})
		}
		return Rank(out), nil
	}
	cs, err := p.Fetch(ctx, u.CodesSource())
	if err != nil {
		return nil, err
	}
	return Rank(cs), nil
}

// RankedAll merges the candidates of every source and ranks them.
func (p *Provider) RankedAll(ctx context.Context, sources []string) ([]Code, error) {
	if p.local != nil {
		return p.Ranked(ctx, users.User{})
	}
	var batches [][]Code
	for _, s := range sources {
		cs, err := p.Fetch(ctx, s)
		if err != nil {
			return nil, err
		}
		batches = append(batches, cs)
	}
	return Rank(Merge(batches...)), nil
}

// MarkTried records that values were submitted. In local mode they move from
// the untried to the tried list of user.json.
func (p *Provider) MarkTried(values []string) error {
	if len(values) == 0 {
		return nil
	}
	if p.local != nil {
		if _, err := p.local.MarkTried(values, p.now()); err != nil {
			return err
		}
		p.publishCounts()
		return nil
	}
	p.mu.Lock()
	for _, v := range values {
		p.tried[v] = struct{}{}
	}
	p.mu.Unlock()
	p.publishCounts()
	return nil
}

// Poll fetches the local codes URL and adds unseen codes to the untried list.
// It is a no-op in multi mode.
func (p *Provider) Poll(ctx context.Context) (int, error) {
	if p.local == nil {
		return 0, nil
	}
	rec, err := p.local.Load()
	if err != nil {
		return 0, err
	}
	if rec.CodesURL == "" {
		return 0, nil
	}
	cs, err := p.fetch.Fetch(ctx, rec.CodesURL)
	if err != nil {
		return 0, fmt.Errorf("poll codes: %w", err)
	}
	ranked := Rank(cs)
	scored := make([]users.ScoredCode, 0, len(ranked))
	for _, c := range ranked {
		scored = append(scored, users.ScoredCode{Value: c.Value, Reputation: c.Reputation})
	}
	added, err := p.local.AddUntried(scored)
	if err != nil {
		return 0, err
	}
	if added > 0 {
		p.log.Info("new codes", logx.Int("added", added))
	}
	p.publishCounts()
	return added, nil
}

// Counts returns the untried and tried totals.
func (p *Provider) Counts() (untried, tried int) {
	if p.local != nil {
		rec, err := p.local.Load()
		if err != nil {
			return 0, 0
		}
		return len(rec.AvailableUntriedCodes), len(rec.TriedCodes)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := map[string]struct{}{}
	for _, b := range p.cache {
		for _, c := range b.codes {
			if _, ok := p.tried[c.Value]; !ok {
				seen[c.Value] = struct{}{}
			}
		}
	}
	return len(seen), len(p.tried)
}

func (p *Provider) publishCounts() {
	if p.st == nil {
		return
	}
	u, t := p.Counts()
	p.st.Update(state.CodeCounts(u, t))
}
