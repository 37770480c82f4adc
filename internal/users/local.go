package users

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// LocalRecord is the on-disk shape of user.json.
type LocalRecord struct {
	Email                 string   `json:"email"`
	Token                 string   `json:"token"`
	CodesURL              string   `json:"codes_url,omitempty"`
	AvailableUntriedCodes []string `json:"available_untried_codes"`
	TriedCodes            []string `json:"tried_codes"`
	// CodeReputation holds the feed's report count of each pending code.
	CodeReputation     map[string]int `json:"code_reputation,omitempty"`
	LastSessionRefresh time.Time      `json:"last_session_refresh,omitzero"`
	LastCodeAttempt    time.Time      `json:"last_code_attempt,omitzero"`
}

func (r LocalRecord) User() User {
	return User{Email: r.Email, CheckinToken: r.Token, CodesURL: r.CodesURL}
}

// ScoredCode is a feed code with the report count it arrived with.
type ScoredCode struct {
	Value      string
	Reputation int
}

// LocalStore reads and atomically rewrites user.json.
type LocalStore struct {
	path string
	mu   sync.Mutex
}

func NewLocalStore(path string) *LocalStore { return &LocalStore{path: path} }

func (s *LocalStore) Path() string { return s.path }

// Load returns the record; a missing file yields an empty record.
func (s *LocalStore) Load() (LocalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *LocalStore) loadLocked() (LocalRecord, error) {
	var r LocalRecord
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("%s: %w", s.path, err)
	}
	return r, nil
}

// Update applies fn to the current record and writes the result via tmp+rename.
func (s *LocalStore) Update(fn func(*LocalRecord)) (LocalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.loadLocked()
	if err != nil {
		return r, err
	}
	fn(&r)
	// Pending codes keep their ranked insertion order.
	r.AvailableUntriedCodes = dedupe(r.AvailableUntriedCodes)
	r.TriedCodes = dedupe(r.TriedCodes)
	for c := range r.CodeReputation {
		if !slices.Contains(r.AvailableUntriedCodes, c) {
			delete(r.CodeReputation, c)
		}
	}
	if r.AvailableUntriedCodes == nil {
		r.AvailableUntriedCodes = []string{}
	}
	if r.TriedCodes == nil {
		r.TriedCodes = []string{}
	}

	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return r, err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return r, err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return r, err
	}
	return r, os.Rename(tmp, s.path)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, c := range in {
		if _, ok := seen[c]; ok || c == "" {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// SaveToken persists a rotated session token.
func (s *LocalStore) SaveToken(token string, at time.Time) error {
	_, err := s.Update(func(r *LocalRecord) {
		r.Token = token
		r.LastSessionRefresh = at
	})
	return err
}

// AddUntried appends codes that are neither tried nor already pending, in the
// given order. A pending code takes the higher of its stored and new
// reputation. It returns how many were new.
func (s *LocalStore) AddUntried(codes []ScoredCode) (int, error) {
	added := 0
	_, err := s.Update(func(r *LocalRecord) {
		known := make(map[string]struct{}, len(r.TriedCodes)+len(r.AvailableUntriedCodes))
		for _, c := range r.TriedCodes {
			known[c] = struct{}{}
		}
		for _, c := range r.AvailableUntriedCodes {
			known[c] = struct{}{}
		}
		if r.CodeReputation == nil {
			r.CodeReputation = map[string]int{}
		}
		for _, c := range codes {
			if c.Value == "" {
				continue
			}
			if _, ok := known[c.Value]; ok {
				if slices.Contains(r.AvailableUntriedCodes, c.Value) && c.Reputation > r.CodeReputation[c.Value] {
					r.CodeReputation[c.Value] = c.Reputation
				}
				continue
			}
			known[c.Value] = struct{}{}
			r.AvailableUntriedCodes = append(r.AvailableUntriedCodes, c.Value)
			r.CodeReputation[c.Value] = c.Reputation
			added++
		}
	})
	return added, err
}

// MarkTried moves codes from untried to tried and stamps the attempt time.
func (s *LocalStore) MarkTried(codes []string, at time.Time) (LocalRecord, error) {
	return s.Update(func(r *LocalRecord) {
		moved := make(map[string]struct{}, len(codes))
		for _, c := range codes {
			moved[c] = struct{}{}
		}
		r.AvailableUntriedCodes = slices.DeleteFunc(r.AvailableUntriedCodes, func(c string) bool {
			_, ok := moved[c]
			return ok
		})
		r.TriedCodes = append(r.TriedCodes, codes...)
		r.LastCodeAttempt = at
	})
}
