package httpapi

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"autocheckin/internal/codes"
	"autocheckin/internal/orchestrator"
	"autocheckin/internal/users"
)

func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	ok(w, "Welcome to the AutoCheckin API", map[string]any{
		"version": "1.0",
		"endpoints": map[string]string{
			"auth_test":              "/api/v1/auth/test",
			"status":                 "/api/v1/status",
			"state":                  "/api/v1/state",
			"refresh":                "/api/v1/refresh",
			"refresh_session":        "/api/v1/refresh-session/{email}",
			"fetch_users":            "/api/v1/fetch-users",
			"codes":                  "/api/v1/codes",
			"try_codes":              "/api/v1/try-codes",
			"fetch_attendance":       "/api/v1/fetch-attendance",
			"fetch_prior_attendance": "/api/v1/fetch-prior-attendance",
		},
		"status": s.eng.Status(),
	})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	ok(w, "API Status", s.eng.Status())
}

func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	ok(w, "Global State", s.eng.State())
}

func (s *Server) refreshAll(w http.ResponseWriter, r *http.Request) {
	res, st := s.eng.RefreshAll(r.Context())
	aggregate(w, st, "Checkin sessions refreshed", map[string]any{
		"sessions": res.Sessions,
		"failures": res.Failures,
		"total":    res.Total,
	})
}

func (s *Server) refreshUser(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	v, err := s.eng.RefreshUser(r.Context(), email)
	switch {
	case errors.Is(err, users.ErrNotFound):
		fail(w, http.StatusNotFound, "Session not found", fmt.Errorf("no checkin session found for email: %s", email))
	case err != nil:
		writeJSON(w, errorCode(err), Envelope{
			Message: "Checkin session refresh failed",
			Data:    map[string]any{"session": v},
			Error:   err.Error(),
		})
	default:
		ok(w, "Checkin session refreshed successfully", map[string]any{"session": v})
	}
}

func (s *Server) sessions(w http.ResponseWriter, _ *http.Request) {
	ok(w, "Checkin sessions", map[string]any{"sessions": s.eng.Sessions()})
}

func (s *Server) fetchUsers(w http.ResponseWriter, r *http.Request) {
	n, err := s.eng.FetchUsers(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, Envelope{
			Message: "User fetch failed",
			Data:    map[string]any{"success": false},
			Error:   err.Error(),
		})
		return
	}
	ok(w, "User fetch completed", map[string]any{"success": true, "count": n})
}

func (s *Server) codes(w http.ResponseWriter, r *http.Request) {
	cs, err := s.eng.Codes(r.Context())
	if err != nil {
		fail(w, http.StatusBadGateway, "Code fetch failed", err)
		return
	}
	if cs == nil {
		cs = []codes.Code{}
	}
	ok(w, "Available codes retrieved successfully", map[string]any{
		"codes":  codes.Values(cs),
		"ranked": cs,
	})
}

func (s *Server) tryCodes(w http.ResponseWriter, r *http.Request) {
	ok(w, "Code submission completed", s.eng.TryCodes(r.Context()))
}

// weekParams reads the optional year and week query parameters.
func weekParams(r *http.Request) (year, week int, err error) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"year", &year}, {"week", &week}} {
		raw := strings.TrimSpace(q.Get(p.name))
		if raw == "" {
			continue
		}
		v, perr := strconv.Atoi(raw)
		if perr != nil || v < 1 {
			return 0, 0, fmt.Errorf("%w: %s=%q", orchestrator.ErrInvalidArgument, p.name, raw)
		}
		*p.dst = v
	}
	return year, week, nil
}

func (s *Server) fetchAttendance(w http.ResponseWriter, r *http.Request) {
	year, week, err := weekParams(r)
	if err != nil {
		fail(w, http.StatusBadRequest, "Attendance fetch failed", err)
		return
	}
	res, err := s.eng.FetchAttendance(r.Context(), year, week)
	if err != nil {
		fail(w, errorCode(err), "Attendance fetch failed", err)
		return
	}
	aggregate(w, res.Status, "Attendance fetch completed", res)
}

func (s *Server) fetchAttendanceByUser(w http.ResponseWriter, r *http.Request) {
	year, week, err := weekParams(r)
	if err != nil {
		fail(w, http.StatusBadRequest, "Attendance fetch failed", err)
		return
	}
	email := chi.URLParam(r, "email")
	res, err := s.eng.FetchAttendanceByUser(r.Context(), email, year, week)
	switch {
	case errors.Is(err, users.ErrNotFound):
		fail(w, http.StatusNotFound, "User not found", fmt.Errorf("no user found for email: %s", email))
	case err != nil:
		writeJSON(w, errorCode(err), Envelope{Message: "Attendance fetch failed", Data: res, Error: err.Error()})
	default:
		ok(w, "Attendance fetch completed", res)
	}
}

// fetchPriorAttendance answers 200 only when every week was fetched and 207
// otherwise, so callers can tell a complete history from a partial one.
func (s *Server) fetchPriorAttendance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	all, _ := strconv.ParseBool(q.Get("fetchAll"))
	res, err := s.eng.FetchPriorAttendance(r.Context(), q.Get("email"), all)
	if err != nil {
		fail(w, errorCode(err), "Prior attendance fetch failed", err)
		return
	}
	if res.Status == orchestrator.StatusSuccess {
		ok(w, "Prior attendance fetch completed", res)
		return
	}
	writeJSON(w, http.StatusMultiStatus, Envelope{
		Success: false,
		Message: fmt.Sprintf("Prior attendance fetch completed with %d failed week(s)", res.FailedFetches),
		Data:    res,
	})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	if s.jobs == nil {
		ok(w, "Jobs", map[string]any{"jobs": []any{}})
		return
	}
	ok(w, "Jobs", map[string]any{"jobs": s.jobs()})
}

func (s *Server) authTest(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(KeyHeader)
	switch {
	case s.cfg.Key == "":
		writeJSON(w, http.StatusBadRequest, Envelope{
			Message: "Authentication Test Result",
			Data:    map[string]bool{"authenticated": false},
			Error:   errNoKey.Error(),
		})
	case got == "":
		writeJSON(w, http.StatusBadRequest, Envelope{
			Message: "Authentication Test Result",
			Data:    map[string]bool{"authenticated": false},
			Error:   "no API key provided in request",
		})
	default:
		match := subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Key)) == 1
		ok(w, "Authentication Test Result", map[string]bool{"authenticated": match})
	}
}
