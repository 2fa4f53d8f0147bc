package intent

import (
	"fmt"
	"strings"
	"time"
)

const promptHeader = `You are an intent parser for a voice-first memory app called "Guarde.me".

Users say "Guarde me" followed by:
1. What they want to save (text, voice note, photo, etc.)
2. When they want to be reminded (specific time, recurring)
3. How they want to receive it (push, email, calendar)

Examples:
- "Guarde me esta ideia para amanhã às 9h por email"
- "Guarde me esta foto toda sexta às 18h"
- "Guarde me este texto para o aniversário da mamãe"

Parse this transcript and return ONLY valid JSON matching this exact schema:
{
  "intent": "SAVE_MEMORY" | "SCHEDULE_REPLAY" | "DELIVERY_CHANNEL",
  "slots": {
    "content_type": "text" | "voice" | "photo" | "screenshot" | "image_link" | "selection" (optional),
    "content_source": "selected_text" | "camera" | "gallery" | "clipboard" | "url" | "screen_share" (optional),
    "topic_tags": string[] (optional),
    "when_type": "date" | "datetime" | "recurrence" (optional),
    "when_value": string (optional, ISO-8601 or RRULE),
    "channel": "in_app" | "push" | "email" | "calendar" (optional)
  }
}
`

// BuildPrompt renders the few-shot prompt for one transcript.
// now and timezone let the model resolve words like "amanhã".
func BuildPrompt(transcript string, partial bool, now time.Time, timezone string) string {
	var b strings.Builder
	b.WriteString(promptHeader)

	if loc, err := time.LoadLocation(timezone); err == nil {
		now = now.In(loc)
	}
	fmt.Fprintf(&b, "\nCurrent time: %s (%s). Resolve relative dates against it.\n", now.Format(time.RFC3339), timezone)

	if partial {
		b.WriteString("The transcript may be incomplete. Leave out slots you cannot infer.\n")
	}

	fmt.Fprintf(&b, "\nTranscript: %q\n\nReturn ONLY the JSON, no other text:", transcript)
	return b.String()
}
