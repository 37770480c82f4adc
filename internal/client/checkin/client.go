// Package checkin talks to the university check-in site.
//
// The site is server-rendered: authentication is the prestostudent_session
// cookie, which the site rotates on every page load. Submissions need the
// CSRF token printed in the page head.
package checkin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"autocheckin/internal/client"
)

const (
	SessionCookie = "prestostudent_session"
	XSRFCookie    = "XSRF-TOKEN"

	loginTitle   = "Please log in to continue..."
	checkinTitle = "Check-In"
	noActivities = "There is currently no activity for which you can register yourself."

	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:123.0) Gecko/20100101 Firefox/123.0"
)

var (
	// ErrLoginPage means the token is no longer valid: the site served its login page.
	ErrLoginPage = errors.New("session expired: login page served")
	// ErrUnexpectedPage is any other page where the check-in page was expected.
	ErrUnexpectedPage = errors.New("unexpected page")
	// ErrEmailMismatch means the token belongs to a different account.
	ErrEmailMismatch = errors.New("page e-mail does not match user")
	// ErrNoSession means the site did not rotate the session cookie.
	ErrNoSession = errors.New("no session cookie in response")
)

// IsAuth reports whether err means the user's credentials were rejected.
func IsAuth(err error) bool {
	return errors.Is(err, ErrLoginPage) || errors.Is(err, ErrUnexpectedPage) ||
		errors.Is(err, ErrEmailMismatch) || errors.Is(err, ErrNoSession)
}

// Event is one self-registration slot on the check-in page.
type Event struct {
	ID       string `json:"id"`
	Start    string `json:"start_time,omitempty"`
	End      string `json:"end_time,omitempty"`
	Activity string `json:"activity"`
	Lecturer string `json:"lecturer"`
	Space    string `json:"space"`
	Status   string `json:"status"`
}

// Page is the parsed self-registration page of a fresh login.
type Page struct {
	Token  string
	CSRF   string
	Email  string
	Events []Event
}

// Result of one code submission.
type Result int

const (
	Rejected Result = iota
	Accepted
	Expired
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Expired:
		return "session_expired"
	default:
		return "rejected"
	}
}

type Client struct {
	base string
	http *http.Client
	ua   string
}

func New(baseURL string, timeout time.Duration, userAgent string) *Client {
	return NewWithHTTP(baseURL, client.NewHTTP(timeout), userAgent)
}

// NewWithHTTP uses hc as is; tests pass httptest clients.
func NewWithHTTP(baseURL string, hc *http.Client, userAgent string) *Client {
	if strings.TrimSpace(userAgent) == "" {
		userAgent = DefaultUserAgent
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc, ua: userAgent}
}

func (c *Client) get(ctx context.Context, op, path, token string) (*http.Response, *html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "text/html")
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, client.Transport(op, err)
	}
	defer resp.Body.Close()

	body, err := client.ReadBody(resp, 0)
	if err != nil {
		return nil, nil, client.Transport(op, err)
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		// The site answers an expired session with a redirect to its login page.
		return resp, nil, fmt.Errorf("%s: %w", op, ErrLoginPage)
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil, &client.StatusError{Op: op, Code: resp.StatusCode, Body: client.Snippet(body)}
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return resp, nil, fmt.Errorf("%s: parse html: %w", op, err)
	}
	return resp, doc, nil
}

// checkPage verifies the page belongs to email and is not the login page.
func checkPage(op string, doc *html.Node, email string, wantTitle string) error {
	t := title(doc)
	if t == loginTitle {
		return fmt.Errorf("%s: %w", op, ErrLoginPage)
	}
	if wantTitle != "" && t != wantTitle {
		return fmt.Errorf("%s: %w: title %q", op, ErrUnexpectedPage, t)
	}
	if got := pageEmail(doc); got != email {
		return fmt.Errorf("%s: %w: expected %s, got %q", op, ErrEmailMismatch, email, got)
	}
	return nil
}

// Login loads the self-registration page with token and returns the rotated
// session token, its CSRF token and the open events.
func (c *Client) Login(ctx context.Context, email, token string) (Page, error) {
	const op = "checkin login"
	resp, doc, err := c.get(ctx, op, "/selfregistration", token)
	if err != nil {
		return Page{}, err
	}
	var newToken string
	for _, ck := range resp.Cookies() {
		if ck.Name == SessionCookie && ck.Value != "" {
			newToken = ck.Value
		}
	}
	if newToken == "" {
		return Page{}, fmt.Errorf("%s: %w", op, ErrNoSession)
	}
	if err := checkPage(op, doc, email, checkinTitle); err != nil {
		return Page{}, err
	}
	return Page{
		Token:  newToken,
		CSRF:   csrfToken(doc),
		Email:  email,
		Events: parseEvents(doc),
	}, nil
}

// Attendance returns the activities of one ISO week.
func (c *Client) Attendance(ctx context.Context, email, token string, year, week int) ([]Activity, error) {
	op := fmt.Sprintf("checkin attendance %d/%d", year, week)
	_, doc, err := c.get(ctx, op, fmt.Sprintf("/attendance/%d/%d", year, week), token)
	if err != nil {
		return nil, err
	}
	if err := checkPage(op, doc, email, ""); err != nil {
		return nil, err
	}
	return parseAttendance(doc, year), nil
}

// SubmitCode posts code for eventID.
//
// 200 is accepted, 422 is an invalid code, 401/403/419 mean the session or
// CSRF pair is dead. Anything else counts as a rejection of this code.
func (c *Client) SubmitCode(ctx context.Context, token, csrf, eventID, code string) (Result, error) {
	const op = "checkin submit"
	form := url.Values{"code": {code}, "_token": {csrf}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/api/selfregistration/"+url.PathEscape(eventID)+"/present",
		strings.NewReader(form.Encode()))
	if err != nil {
		return Rejected, err
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Referer", c.base+"/selfregistration")
	req.Header.Set("X-CSRF-TOKEN", csrf)
	req.AddCookie(&http.Cookie{Name: XSRFCookie, Value: csrf})
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})

	resp, err := c.http.Do(req)
	if err != nil {
		return Rejected, client.Transport(op, err)
	}
	defer resp.Body.Close()
	_, _ = client.ReadBody(resp, 64<<10)

	switch resp.StatusCode {
	case http.StatusOK:
		return Accepted, nil
	case http.StatusUnauthorized, http.StatusForbidden, 419:
		return Expired, nil
	default:
		return Rejected, nil
	}
}

func parseEvents(doc *html.Node) []Event {
	sections := findAll(doc, elem("section", "box-typical", "box-typical-padding"))
	if len(sections) == 0 || strings.Contains(text(sections[0]), noActivities) {
		return nil
	}
	var out []Event
	for _, sec := range sections {
		id := attr(sec, "data-activities-id")
		cols := findAll(sec, elem("div", "col-md-4"))
		if id == "" || len(cols) < 4 {
			continue
		}
		ev := Event{
			ID:       id,
			Activity: text(cols[1]),
			Lecturer: text(cols[2]),
			Space:    text(cols[3]),
			Status:   "Unknown",
		}
		ev.Start, ev.End = splitRange(text(cols[0]))
		for _, st := range findAll(sec, elem("div", "selfregistration_status")) {
			if hasClass(st, "hidden") {
				continue
			}
			if w := find(st, elem("div", "widget-simple-sm-bottom")); w != nil {
				ev.Status = text(w)
				break
			}
			if find(st, elem("button", "btn", "btn-default")) != nil {
				ev.Status = "NotPresent"
				break
			}
		}
		out = append(out, ev)
	}
	return out
}
