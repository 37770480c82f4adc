// Package users is the read-mostly user directory.
//
// In multi mode the directory is replaced wholesale by each CheckOut fetch;
// in local mode it holds the single user of user.json. Readers never lock:
// the current list sits behind an atomic pointer and is never mutated in place.
package users

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var ErrNotFound = errors.New("user not found")

// User is immutable during a cycle; token rotation publishes a new list.
type User struct {
	Email        string `json:"email"`
	CheckinToken string `json:"-"`
	// CodesURLSuffix selects the CheckOut code feed (multi mode).
	CodesURLSuffix string `json:"codes_url_suffix,omitempty"`
	// CodesURL is a direct JSON codes endpoint (local mode).
	CodesURL string `json:"codes_url,omitempty"`
}

// Valid reports whether u can be processed at all.
func (u User) Valid() bool {
	return strings.TrimSpace(u.Email) != "" && strings.TrimSpace(u.CheckinToken) != ""
}

// CodesSource returns the key identifying where this user's codes come from.
func (u User) CodesSource() string {
	if u.CodesURL != "" {
		return u.CodesURL
	}
	return u.CodesURLSuffix
}

// Report is the outcome of the last background refresh for a user.
type Report struct {
	Result string    `json:"checkinReport"` // "Normal" or "Fail"
	At     time.Time `json:"checkinReportTime"`
}

const (
	ReportNormal = "Normal"
	ReportFail   = "Fail"
)

type Directory struct {
	defaultSuffix string

	list atomic.Pointer[[]User]

	// wmu serializes writers so a token update is not lost to a concurrent Replace.
	wmu sync.Mutex

	// onToken persists rotated tokens (local mode).
	onToken func(email, token string)
}

func NewDirectory(defaultSuffix string) *Directory {
	d := &Directory{defaultSuffix: defaultSuffix}
	empty := []User{}
	d.list.Store(&empty)
	return d
}

// OnTokenChange registers fn to run after UpdateToken publishes a new token.
func (d *Directory) OnTokenChange(fn func(email, token string)) { d.onToken = fn }

// Replace publishes a new user list, applying the default codes suffix.
func (d *Directory) Replace(us []User) {
	next := make([]User, 0, len(us))
	for _, u := range us {
		u.Email = strings.TrimSpace(u.Email)
		if u.CodesURLSuffix == "" && u.CodesURL == "" {
			u.CodesURLSuffix = d.defaultSuffix
		}
		next = append(next, u)
	}
	d.wmu.Lock()
	d.list.Store(&next)
	d.wmu.Unlock()
}

// All returns the current list. Callers must not modify it.
func (d *Directory) All() []User {
	return *d.list.Load()
}

func (d *Directory) Len() int { return len(d.All()) }

func (d *Directory) Get(email string) (User, error) {
	for _, u := range d.All() {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

// Shuffled returns a copy of the list in random order.
func (d *Directory) Shuffled(rng *rand.Rand) []User {
	src := d.All()
	out := make([]User, len(src))
	copy(out, src)
	shuffle := rand.Shuffle
	if rng != nil {
		shuffle = rng.Shuffle
	}
	shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// UpdateToken publishes a copy of the list with email's token replaced.
func (d *Directory) UpdateToken(email, token string) {
	d.wmu.Lock()
	cur := *d.list.Load()
	next := make([]User, len(cur))
	copy(next, cur)
	changed := false
	for i := range next {
		if strings.EqualFold(next[i].Email, email) && next[i].CheckinToken != token {
			next[i].CheckinToken = token
			changed = true
		}
	}
	if changed {
		d.list.Store(&next)
	}
	d.wmu.Unlock()

	if changed && d.onToken != nil {
		d.onToken(email, token)
	}
}
