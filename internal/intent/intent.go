// Package intent turns a voice transcript into a validated, typed intent.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Intent actions
const (
	ActionSaveMemory      = "SAVE_MEMORY"
	ActionScheduleReplay  = "SCHEDULE_REPLAY"
	ActionDeliveryChannel = "DELIVERY_CHANNEL"
)

var (
	actions        = []string{ActionSaveMemory, ActionScheduleReplay, ActionDeliveryChannel}
	contentTypes   = []string{"text", "voice", "photo", "screenshot", "image_link", "selection"}
	contentSources = []string{"selected_text", "camera", "gallery", "clipboard", "url", "screen_share"}
	whenTypes      = []string{"date", "datetime", "recurrence"}
	channels       = []string{"in_app", "push", "email", "calendar"}
)

// Intent is the normalized result of a transcript.
type Intent struct {
	Action string `json:"intent"`
	Slots  Slots  `json:"slots"`
}

// Slots are the optional details extracted alongside the action.
type Slots struct {
	ContentType   *string  `json:"content_type,omitempty"`
	ContentSource *string  `json:"content_source,omitempty"`
	TopicTags     []string `json:"topic_tags,omitempty"`
	WhenType      *string  `json:"when_type,omitempty"`
	WhenValue     *string  `json:"when_value,omitempty"`
	Channel       *string  `json:"channel,omitempty"`
}

// Kind classifies a normalization failure.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindMalformedResponse   Kind = "malformed_response"
	KindSchemaViolation     Kind = "schema_violation"
)

// Issue is one schema violation.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error is returned by Normalize for every failure.
type Error struct {
	Kind   Kind
	Issues []Issue
	Err    error
}

func (e *Error) Error() string {
	switch {
	case len(e.Issues) > 0:
		parts := make([]string, 0, len(e.Issues))
		for _, is := range e.Issues {
			parts = append(parts, is.Path+": "+is.Message)
		}
		return fmt.Sprintf("%s: %s", e.Kind, strings.Join(parts, "; "))
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ""
}

// Generator is the language model call. It returns raw model text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config tunes the Normalizer.
type Config struct {
	Timeout  time.Duration
	Timezone string // zone the model resolves relative dates in
}

// Normalizer validates model output against the intent schema.
type Normalizer struct {
	gen    Generator
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// NewNormalizer creates a Normalizer. A nil gen makes every call fail
// with KindUpstreamUnavailable.
func NewNormalizer(gen Generator, cfg Config, logger *zap.Logger) *Normalizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "America/Sao_Paulo"
	}
	return &Normalizer{
		gen:    gen,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Normalize decodes transcript into an Intent. partial marks a transcript
// that may be cut short; the result has the same shape either way.
func (n *Normalizer) Normalize(ctx context.Context, transcript string, partial bool) (*Intent, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil, &Error{Kind: KindInvalidInput, Err: errors.New("transcript is empty")}
	}

	if n.gen == nil {
		return nil, &Error{Kind: KindUpstreamUnavailable, Err: errors.New("intent model not configured")}
	}

	prompt := BuildPrompt(transcript, partial, n.now(), n.config.Timezone)

	ctx, cancel := context.WithTimeout(ctx, n.config.Timeout)
	defer cancel()

	text, err := n.gen.Generate(ctx, prompt)
	if err != nil {
		n.logger.Warn("intent model call failed", zap.Error(err))
		return nil, &Error{Kind: KindUpstreamUnavailable, Err: err}
	}

	intent, err := Parse(text)
	if err != nil {
		n.logger.Warn("intent model returned unusable output",
			zap.String("kind", string(KindOf(err))),
			zap.Error(err),
		)
		return nil, err
	}

	n.logger.Debug("intent decoded",
		zap.String("intent", intent.Action),
		zap.Bool("partial", partial),
	)

	return intent, nil
}

var fencePattern = regexp.MustCompile("```(?:json|JSON)?[ \t]*\n?")

// StripCodeFences removes markdown code fence markers around model output.
func StripCodeFences(s string) string {
	return strings.TrimSpace(fencePattern.ReplaceAllString(s, ""))
}

// Parse strips fences, parses and validates raw model output.
func Parse(text string) (*Intent, error) {
	cleaned := StripCodeFences(text)

	var doc any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Err: err}
	}

	intent, issues := validate(doc)
	if len(issues) > 0 {
		return nil, &Error{Kind: KindSchemaViolation, Issues: issues}
	}
	return intent, nil
}

var (
	datePrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	rrulePart  = regexp.MustCompile(`(?i)(^|[;:\s])FREQ=`)
)

func validate(doc any) (*Intent, []Issue) {
	var issues []Issue
	add := func(path, msg string) { issues = append(issues, Issue{Path: path, Message: msg}) }

	obj, ok := doc.(map[string]any)
	if !ok {
		add("$", "expected object")
		return nil, issues
	}

	out := &Intent{}

	switch v := obj["intent"].(type) {
	case string:
		if !slices.Contains(actions, v) {
			add("intent", "must be one of "+strings.Join(actions, ", "))
		}
		out.Action = v
	case nil:
		add("intent", "required")
	default:
		add("intent", "expected string")
	}

	slots, ok := obj["slots"].(map[string]any)
	if !ok {
		if obj["slots"] == nil {
			add("slots", "required")
		} else {
			add("slots", "expected object")
		}
		return out, issues
	}

	out.Slots.ContentType = enumSlot(slots, "content_type", contentTypes, add)
	out.Slots.ContentSource = enumSlot(slots, "content_source", contentSources, add)
	out.Slots.WhenType = enumSlot(slots, "when_type", whenTypes, add)
	out.Slots.Channel = enumSlot(slots, "channel", channels, add)

	switch v := slots["topic_tags"].(type) {
	case nil:
	case []any:
		tags := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				add(fmt.Sprintf("slots.topic_tags[%d]", i), "expected string")
				continue
			}
			tags = append(tags, s)
		}
		out.Slots.TopicTags = tags
	default:
		add("slots.topic_tags", "expected array of strings")
	}

	switch v := slots["when_value"].(type) {
	case nil:
	case string:
		out.Slots.WhenValue = &v
		if msg := whenValueShape(out.Slots.WhenType, v); msg != "" {
			add("slots.when_value", msg)
		}
	default:
		add("slots.when_value", "expected string")
	}

	return out, issues
}

func enumSlot(slots map[string]any, key string, allowed []string, add func(path, msg string)) *string {
	switch v := slots[key].(type) {
	case nil:
		return nil
	case string:
		if !slices.Contains(allowed, v) {
			add("slots."+key, "must be one of "+strings.Join(allowed, ", "))
			return nil
		}
		return &v
	default:
		add("slots."+key, "expected string")
		return nil
	}
}

// whenValueShape checks only the outline of when_value: an ISO-8601 date
// prefix for dates, a FREQ part for rules.
func whenValueShape(whenType *string, v string) string {
	v = strings.TrimSpace(v)
	isDate := datePrefix.MatchString(v)
	isRule := rrulePart.MatchString(v)

	if whenType == nil {
		if !isDate && !isRule {
			return "expected ISO-8601 instant or RRULE"
		}
		return ""
	}

	switch *whenType {
	case "recurrence":
		if !isRule {
			return "expected RRULE for recurrence"
		}
	case "date", "datetime":
		if !isDate {
			return "expected ISO-8601 instant for " + *whenType
		}
	}
	return ""
}
