// Package session owns the per-user login state against the check-in site.
//
// Each user has at most one current Session. Refreshes for the same user are
// coalesced with singleflight, so concurrent callers share one login and
// never interleave two cookie rotations.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"autocheckin/internal/client"
	"autocheckin/internal/client/checkin"
	"autocheckin/internal/eventbus"
	"autocheckin/internal/state"
	"autocheckin/internal/users"
	logx "autocheckin/pkg/logx"
)

// ErrAuth means the site rejected the user's token (login page, wrong account, no cookie).
var ErrAuth = errors.New("authentication rejected")

// Authenticator performs the site login.
type Authenticator interface {
	Login(ctx context.Context, email, token string) (checkin.Page, error)
}

// Tokens is the user directory as seen by the manager.
type Tokens interface {
	Get(email string) (users.User, error)
	UpdateToken(email, token string)
}

// Session is replaced on every refresh, never mutated.
type Session struct {
	Email       string
	AuthToken   string
	CSRFToken   string
	RefreshedAt time.Time
	// Events are the self-registration events served with this login.
	Events []checkin.Event
}

// View is the token-free projection exposed to callers outside the engine.
type View struct {
	Email       string        `json:"email"`
	RefreshedAt time.Time     `json:"refreshed_at,omitzero"`
	HasCSRF     bool          `json:"has_csrf"`
	EventCount  int           `json:"event_count"`
	Report      *users.Report `json:"report,omitempty"`
}

type Manager struct {
	auth   Authenticator
	tokens Tokens
	st     *state.Store
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	sf singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*Session
	reports  map[string]users.Report
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
func WithBus(b eventbus.Bus) Option         { return func(m *Manager) { m.bus = b } }
func WithLogger(l logx.Logger) Option       { return func(m *Manager) { m.log = l } }

func NewManager(auth Authenticator, tokens Tokens, st *state.Store, opts ...Option) *Manager {
	m := &Manager{
		auth:     auth,
		tokens:   tokens,
		st:       st,
		bus:      eventbus.Nop(),
		log:      logx.Nop(),
		now:      time.Now,
		sessions: map[string]*Session{},
		reports:  map[string]users.Report{},
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(logx.String("comp", "session"))
	return m
}

func key(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// Refresh logs u in again and installs the resulting Session as current.
// Concurrent refreshes of the same user share a single login.
func (m *Manager) Refresh(ctx context.Context, u users.User) (*Session, error) {
	v, err, shared := m.sf.Do(key(u.Email), func() (any, error) {
		return m.refresh(ctx, u)
	})
	if shared {
		m.log.Debug("session refresh coalesced", logx.Email(u.Email))
	}
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) refresh(ctx context.Context, u users.User) (*Session, error) {
	// The token may have rotated since the caller copied u.
	token := u.CheckinToken
	if cur, err := m.tokens.Get(u.Email); err == nil && cur.CheckinToken != "" {
		token = cur.CheckinToken
	}
	if strings.TrimSpace(u.Email) == "" || token == "" {
		return nil, fmt.Errorf("refresh %s: %w: missing email or token", u.Email, ErrAuth)
	}

	start := m.now()
	page, err := m.auth.Login(ctx, u.Email, token)
	if err != nil {
		if checkin.IsAuth(err) {
			err = fmt.Errorf("refresh %s: %w: %w", u.Email, ErrAuth, err)
		} else {
			err = fmt.Errorf("refresh %s: %w", u.Email, err)
		}
		m.fail(u.Email, err)
		return nil, err
	}

	m.tokens.UpdateToken(u.Email, page.Token)
	if page.CSRF == "" && len(page.Events) > 0 {
		err := fmt.Errorf("refresh %s: %w: no csrf token for open events", u.Email, ErrAuth)
		m.fail(u.Email, err)
		return nil, err
	}

	at := m.now()
	s := &Session{
		Email:       u.Email,
		AuthToken:   page.Token,
		CSRFToken:   page.CSRF,
		RefreshedAt: at,
		Events:      page.Events,
	}

	m.mu.Lock()
	m.sessions[key(u.Email)] = s
	m.reports[key(u.Email)] = users.Report{Result: users.ReportNormal, At: at}
	m.mu.Unlock()

	m.st.Record(state.StatusSuccess, "Session refreshed for "+u.Email, state.SessionRefreshed(at))
	m.log.Info("session refreshed",
		logx.Email(u.Email),
		logx.Int("events", len(page.Events)),
		logx.Duration("took", at.Sub(start)),
	)
	return s, nil
}

func (m *Manager) fail(email string, err error) {
	at := m.now()
	m.mu.Lock()
	delete(m.sessions, key(email))
	m.reports[key(email)] = users.Report{Result: users.ReportFail, At: at}
	m.mu.Unlock()

	m.st.Record(state.StatusError, fmt.Sprintf("Session refresh failed for %s: %v", email, err))
	m.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSessionFailed,
		Time: at,
		Data: eventbus.SessionFailed{Email: email, Reason: err.Error()},
	})
	if client.IsNetwork(err) {
		m.log.Warn("session refresh unreachable", logx.Email(email), logx.Err(err))
		return
	}
	m.log.Warn("session refresh failed", logx.Email(email), logx.Err(err))
}

// Invalidate drops the current session, e.g. after a submission reported it expired.
func (m *Manager) Invalidate(email string) {
	m.mu.Lock()
	delete(m.sessions, key(email))
	m.mu.Unlock()
}

// Current returns the live session for email, if any.
func (m *Manager) Current(email string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key(email)]
	return s, ok
}

// View returns the token-free view of email's session state.
func (m *Manager) View(email string) View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.viewLocked(email)
}

func (m *Manager) viewLocked(email string) View {
	v := View{Email: email}
	if s, ok := m.sessions[key(email)]; ok {
		v.Email = s.Email
		v.RefreshedAt = s.RefreshedAt
		v.HasCSRF = s.CSRFToken != ""
		v.EventCount = len(s.Events)
	}
	if r, ok := m.reports[key(email)]; ok {
		r := r
		v.Report = &r
	}
	return v
}

// Views lists every user with a session or a report, sorted by e-mail.
func (m *Manager) Views() []View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]string{}
	for k, s := range m.sessions {
		seen[k] = s.Email
	}
	for k := range m.reports {
		if _, ok := seen[k]; !ok {
			seen[k] = k
		}
	}
	out := make([]View, 0, len(seen))
	for _, email := range seen {
		out = append(out, m.viewLocked(email))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// Failure is one user a batch refresh could not refresh.
type Failure struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

// RefreshAllResult aggregates a sequential batch refresh.
type RefreshAllResult struct {
	Sessions []View    `json:"sessions"`
	Failures []Failure `json:"failures"`
	Total    int       `json:"total"`
}

// RefreshAll refreshes every user one after the other, without spacing, and
// stamps last_all_session_refresh once the batch is done.
func (m *Manager) RefreshAll(ctx context.Context, us []users.User) RefreshAllResult {
	res := RefreshAllResult{Sessions: []View{}, Failures: []Failure{}, Total: len(us)}
	for _, u := range us {
		if ctx.Err() != nil {
			res.Failures = append(res.Failures, Failure{Email: u.Email, Error: ctx.Err().Error()})
			continue
		}
		if _, err := m.Refresh(ctx, u); err != nil {
			res.Failures = append(res.Failures, Failure{Email: u.Email, Error: err.Error()})
			continue
		}
		res.Sessions = append(res.Sessions, m.View(u.Email))
	}
	m.MarkAllRefreshed(len(res.Sessions), len(res.Failures))
	return res
}

// MarkAllRefreshed records the end of a whole-directory refresh.
func (m *Manager) MarkAllRefreshed(ok, failed int) {
	status := state.StatusSuccess
	if failed > 0 {
		status = state.StatusError
	}
	m.st.Record(status,
		fmt.Sprintf("Refreshed sessions: %d ok, %d failed", ok, failed),
		state.AllSessionsRefreshed(m.now()),
	)
}
