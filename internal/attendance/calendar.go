package attendance

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

//go:embed calendar.yaml
var defaultCalendar []byte

// Week is one row of the academic calendar.
type Week struct {
	Commencing time.Time
	// Label may be non-numeric, e.g. "F" for freshers' week.
	Label string
}

// ISOWeek maps a date to its ISO-8601 (year, week). It only looks at the
// calendar date, so the result does not depend on location or time of day.
func ISOWeek(d time.Time) (year, week int) {
	y, m, day := d.Date()
	return time.Date(y, m, day, 12, 0, 0, 0, time.UTC).ISOWeek()
}

// Calendar is read-only once loaded.
type Calendar struct {
	weeks []Week
}

type calendarFile struct {
	Weeks []struct {
		Commencing string `yaml:"commencing"`
		Label      string `yaml:"label"`
	} `yaml:"weeks"`
}

// LoadCalendar reads path, or the built-in calendar when path is empty.
func LoadCalendar(path string) (*Calendar, error) {
	if strings.TrimSpace(path) == "" {
		return ParseCalendar(defaultCalendar)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}
	c, err := ParseCalendar(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func ParseCalendar(b []byte) (*Calendar, error) {
	var f calendarFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}
	var errs []error
	weeks := make([]Week, 0, len(f.Weeks))
	for i, w := range f.Weeks {
		d, err := time.Parse(time.DateOnly, strings.TrimSpace(w.Commencing))
		if err != nil {
			errs = append(errs, fmt.Errorf("weeks[%d]: %w", i, err))
			continue
		}
		label := strings.TrimSpace(w.Label)
		if label == "" {
			errs = append(errs, fmt.Errorf("weeks[%d]: label is required", i))
			continue
		}
		weeks = append(weeks, Week{Commencing: d, Label: label})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return NewCalendar(weeks), nil
}

// NewCalendar orders weeks by commencing date.
func NewCalendar(weeks []Week) *Calendar {
	out := make([]Week, len(weeks))
	copy(out, weeks)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Commencing.Before(out[j].Commencing) })
	return &Calendar{weeks: out}
}

func (c *Calendar) Weeks() []Week {
	out := make([]Week, len(c.weeks))
	copy(out, c.weeks)
	return out
}

// Until returns the weeks that commenced on or before t.
func (c *Calendar) Until(t time.Time) []Week {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	var out []Week
	for _, w := range c.weeks {
		if !w.Commencing.After(day) {
			out = append(out, w)
		}
	}
	return out
}
