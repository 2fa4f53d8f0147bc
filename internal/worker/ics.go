package worker

import (
	"strings"
	"time"
)

const (
	icsTimeLayout = "20060102T150405Z"
	// EventDuration is how long the calendar reminder lasts.
	EventDuration = 10 * time.Minute
)

// Event is the single reminder carried in a calendar attachment.
type Event struct {
	UID         string
	Start       time.Time
	Summary     string
	Description string
}

var icsEscaper = strings.NewReplacer(
	`\`, `\\`,
	";", `\;`,
	",", `\,`,
	"\r\n", `\n`,
	"\n", `\n`,
)

// BuildICS renders a one-event VCALENDAR. DTSTAMP equals DTSTART so the
// same delivery always yields the same bytes.
func BuildICS(ev Event) string {
	start := ev.Start.UTC()
	stamp := start.Format(icsTimeLayout)

	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Guarde.me//EN",
		"BEGIN:VEVENT",
		"UID:" + ev.UID,
		"DTSTAMP:" + stamp,
		"DTSTART:" + stamp,
		"DTEND:" + start.Add(EventDuration).Format(icsTimeLayout),
		"SUMMARY:" + icsEscaper.Replace(ev.Summary),
	}
	if ev.Description != "" {
		lines = append(lines, "DESCRIPTION:"+icsEscaper.Replace(ev.Description))
	}
	lines = append(lines, "END:VEVENT", "END:VCALENDAR")

	return strings.Join(lines, "\r\n")
}
