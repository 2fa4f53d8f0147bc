package db

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Memory is a captured piece of content owned by a user.
type Memory struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	ContentType string    `json:"content_type"`
	ContentText *string   `json:"content_text,omitempty"`
	MediaPath   *string   `json:"media_path,omitempty"`
	Source      *string   `json:"source,omitempty"`
	Tags        []string  `json:"tags"`
	PrivacyMode string    `json:"privacy_mode"`
	CreatedAt   time.Time `json:"created_at"`
}

// Schedule says when and where a memory is replayed.
// NextRunAt is nil once there are no further occurrences.
type Schedule struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	MemoryID  uuid.UUID  `json:"memory_id"`
	WhenType  string     `json:"when_type"`
	DTStart   *time.Time `json:"dtstart,omitempty"`
	RRule     *string    `json:"rrule,omitempty"`
	Timezone  string     `json:"timezone"`
	Channel   string     `json:"channel"`
	Status    string     `json:"status"`
	NextRunAt *time.Time `json:"next_run_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// Delivery is one attempt to deliver one occurrence of a schedule.
type Delivery struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	ScheduleID uuid.UUID `json:"schedule_id"`
	Channel    string    `json:"channel"`
	Status     string    `json:"status"`
	Attempt    int       `json:"attempt"`
	LastError  *string   `json:"last_error,omitempty"`
	RunAt      time.Time `json:"run_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PushToken is a device registration for push delivery.
type PushToken struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	Platform   string    `json:"platform"`
	Token      string    `json:"token"`
	Enabled    bool      `json:"enabled"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// IntentLog keeps decoded intents for later review.
type IntentLog struct {
	ID                 uuid.UUID       `json:"id"`
	UserID             *uuid.UUID      `json:"user_id,omitempty"`
	TranscriptRedacted string          `json:"transcript_redacted"`
	Intent             json.RawMessage `json:"intent"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Content type constants
const (
	ContentText       = "text"
	ContentAudio      = "audio"
	ContentPhoto      = "photo"
	ContentScreenshot = "screenshot"
	ContentImageLink  = "image_link"
	ContentSelection  = "selection"
)

// Source constants
const (
	SourceSelectedText = "selected_text"
	SourceCamera       = "camera"
	SourceGallery      = "gallery"
	SourceClipboard    = "clipboard"
	SourceURL          = "url"
	SourceScreenShare  = "screen_share"
)

// Privacy mode constants
const (
	PrivacyStandard      = "standard"
	PrivacyBiometricLock = "biometric_lock"
	PrivacyE2EPremium    = "e2e_premium"
)

// When type constants
const (
	WhenDate       = "date"
	WhenDateTime   = "datetime"
	WhenRecurrence = "recurrence"
)

// Channel constants
const (
	ChannelInApp    = "in_app"
	ChannelPush     = "push"
	ChannelEmail    = "email"
	ChannelCalendar = "calendar"
)

// Schedule status constants
const (
	ScheduleScheduled = "scheduled"
	SchedulePaused    = "paused"
	ScheduleCanceled  = "canceled"
	ScheduleCompleted = "completed"
)

// Delivery status constants
const (
	StatusPending   = "pending"
	StatusInFlight  = "in_flight"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Platform constants
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
	PlatformWeb     = "web"
)

var (
	ContentTypes = []string{ContentText, ContentAudio, ContentPhoto, ContentScreenshot, ContentImageLink, ContentSelection}
	Sources      = []string{SourceSelectedText, SourceCamera, SourceGallery, SourceClipboard, SourceURL, SourceScreenShare}
	PrivacyModes = []string{PrivacyStandard, PrivacyBiometricLock, PrivacyE2EPremium}
	WhenTypes    = []string{WhenDate, WhenDateTime, WhenRecurrence}
	Channels     = []string{ChannelInApp, ChannelPush, ChannelEmail, ChannelCalendar}
	Platforms    = []string{PlatformIOS, PlatformAndroid, PlatformWeb}
)

// SortDeliveries orders deliveries by run_at then id, the claim order.
func SortDeliveries(ds []*Delivery) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].RunAt.Equal(ds[j].RunAt) {
			return ds[i].RunAt.Before(ds[j].RunAt)
		}
		return bytes.Compare(ds[i].ID[:], ds[j].ID[:]) < 0
	})
}
