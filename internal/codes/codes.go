// Package codes fetches candidate check-in codes and ranks them.
package codes

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"autocheckin/internal/client/checkout"
)

// Code is immutable once fetched. Reputation is the number of reports the
// source attached to the code; it is only ever compared, never computed here.
type Code struct {
	Value      string `json:"value"`
	Reputation int    `json:"reputation"`
}

// Rank returns a copy of in sorted by reputation, highest first. Ties keep
// their fetch order.
func Rank(in []Code) []Code {
	out := make([]Code, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Reputation > out[j].Reputation })
	return out
}

// Values projects codes onto their values, preserving order.
func Values(cs []Code) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Value)
	}
	return out
}

// Merge concatenates batches, keeping the first position of each value and the
// highest reputation seen for it.
func Merge(batches ...[]Code) []Code {
	idx := map[string]int{}
	var out []Code
	for _, b := range batches {
		for _, c := range b {
			if i, ok := idx[c.Value]; ok {
				if c.Reputation > out[i].Reputation {
					out[i].Reputation = c.Reputation
				}
				continue
			}
			idx[c.Value] = len(out)
			out = append(out, c)
		}
	}
	return out
}

func fromCheckout(in []checkout.Code) []Code {
	out := make([]Code, 0, len(in))
	for _, c := range in {
		if c.Value == "" {
			continue
		}
		out = append(out, Code{Value: string(c.Value), Reputation: c.Count})
	}
	return out
}

// Fetcher retrieves the raw candidates for one source.
type Fetcher interface {
	Fetch(ctx context.Context, source string) ([]Code, error)
}

// CheckoutFetcher reads the CheckOut codes feed; source is the URL suffix.
type CheckoutFetcher struct {
	Client *checkout.Client
}

func (f CheckoutFetcher) Fetch(ctx context.Context, source string) ([]Code, error) {
	cs, err := f.Client.Codes(ctx, source)
	if err != nil {
		return nil, err
	}
	return fromCheckout(cs), nil
}

// URLFetcher reads a JSON codes endpoint directly; source is its URL.
type URLFetcher struct {
	HTTP *http.Client
}

func (f URLFetcher) Fetch(ctx context.Context, source string) ([]Code, error) {
	cs, err := checkout.FetchURL(ctx, f.HTTP, strings.TrimSpace(source))
	if err != nil {
		return nil, err
	}
	return fromCheckout(cs), nil
}
