package checkin

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Activity is one line of the weekly attendance page.
type Activity struct {
	Reference string `json:"activityReference"`
	Location  string `json:"location,omitempty"`
	Lecturer  string `json:"lecturerName,omitempty"`
	Start     string `json:"startTime"`
	Finish    string `json:"finishTime"`
	State     string `json:"attendanceState"`
	// Date is YYYY-MM-DD, or empty when the heading could not be parsed.
	Date string `json:"date,omitempty"`
}

var attendanceStates = map[string]string{
	"activity-status-present":           "present",
	"activity-status-absent-unapproved": "absent",
	"activity-status-undetermined":      "unknown",
}

func parseAttendance(doc *html.Node, year int) []Activity {
	var (
		out  []Activity
		date string
	)
	for _, line := range findAll(doc, elem("article", "activity-line-item")) {
		if d := find(line, elem("div", "activity-line-date")); d != nil {
			date = text(d)
		}
		for _, sec := range findAll(line, elem("section", "activity-line-action")) {
			out = append(out, parseActivity(sec, date, year))
		}
	}
	return out
}

func parseActivity(sec *html.Node, date string, year int) Activity {
	a := Activity{
		Reference: ownText(find(sec, elem("div", "cont-in"))),
		State:     "unknown",
		Date:      formatDate(date, year),
	}
	a.Start, a.Finish = splitRange(text(find(sec, elem("div", "time"))))

	if st := find(sec, elem("div", "activity-status")); st != nil {
		if cls := classes(st); len(cls) > 0 {
			if s, ok := attendanceStates[cls[len(cls)-1]]; ok {
				a.State = s
			}
		}
	}

	if meta := find(sec, elem("ul", "meta")); meta != nil {
		li := text(find(meta, func(n *html.Node) bool { return n.Type == html.ElementNode && n.Data == "li" }))
		if li != "" && li != "Unknown Staff" {
			loc, lect, _ := strings.Cut(li, ",")
			a.Location = strings.TrimSpace(loc)
			a.Lecturer = strings.TrimSpace(lect)
		}
	}
	return a
}

// formatDate turns "Monday 17 February" into "2025-02-17".
func formatDate(heading string, year int) string {
	parts := strings.Fields(heading)
	if len(parts) == 3 {
		parts = parts[1:]
	}
	if len(parts) != 2 {
		return ""
	}
	t, err := time.Parse("2 January 2006", parts[0]+" "+parts[1]+" "+strconv.Itoa(year))
	if err != nil {
		return ""
	}
	return t.Format(time.DateOnly)
}
