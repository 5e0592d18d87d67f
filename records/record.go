// Package records holds the per-participant-per-day monitoring record shared by the
// verification gates, the room page, the auto-record watcher and the admin surface.
package records

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Collection is the name every record key lives under.
const Collection = "test-monitoring"

// DateLayout is the calendar-day prefix of a record key.
const DateLayout = "2006-01-02"

// Field names, as stored and as sent to the browser.
const (
	FieldIsVerified  = "isVerified"
	FieldHandGesture = "handGesture"
	FieldNewPhotoURL = "newPhotoUrl"
	FieldIsJoined    = "isJoined"
	FieldIsPaused    = "isPaused"
	FieldSubtest     = "subtest"
	FieldShowVideo   = "showVideo"
)

var ErrUnknownField = errors.New("unknown record field")

type Record struct {
	IsVerified  bool   `json:"isVerified"`
	HandGesture bool   `json:"handGesture"`
	NewPhotoURL string `json:"newPhotoUrl,omitempty"`
	IsJoined    bool   `json:"isJoined"`
	IsPaused    bool   `json:"isPaused"`
	Subtest     int    `json:"subtest"`
	// ShowVideo asks the room page to open the exam briefing video once.
	ShowVideo   bool   `json:"showVideo"`
}

// Fields is a partial update. Only the named fields are written.
type Fields map[string]any

// Admitted reports whether both verification stages have completed.
func (r Record) Admitted() bool {
	return r.IsVerified && r.HandGesture
}

// Unsubscribe detaches a subscription. It is safe to call more than once.
type Unsubscribe func()

// Store is the shared record store. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the record for key; a missing record is the zero Record.
	Get(ctx context.Context, key string) (Record, error)

	// All returns every record in the collection keyed by record key.
	All(ctx context.Context) (map[string]Record, error)

	// Update writes the given fields atomically and notifies subscribers.
	Update(ctx context.Context, key string, fields Fields) error

	// Subscribe delivers the current snapshot of key immediately and a full
	// snapshot after every change, until the returned Unsubscribe is called.
	Subscribe(ctx context.Context, key string, handler func(Record)) (Unsubscribe, error)

	// SubscribeAll is Subscribe over the whole collection.
	SubscribeAll(ctx context.Context, handler func(map[string]Record)) (Unsubscribe, error)
}

// Key builds the record key for a participant on a calendar day.
func Key(date, participantID string) string {
	return date + "-" + participantID
}

// DateString formats t as the calendar day in loc.
func DateString(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

var keyPattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})-(.+)$`)

// ParseKey splits a record key into its date and participant id. Keys without a
// date prefix yield ok=false and the whole key as id.
func ParseKey(key string) (date, participantID string, ok bool) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", key, false
	}
	return m[1], m[2], true
}

// apply writes fields onto r.
func (r *Record) apply(fields Fields) error {
	for name, v := range fields {
		if err := r.set(name, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *Record) set(name string, v any) error {
	switch name {
	case FieldIsVerified:
		return setBool(&r.IsVerified, name, v)
	case FieldHandGesture:
		return setBool(&r.HandGesture, name, v)
	case FieldIsJoined:
		return setBool(&r.IsJoined, name, v)
	case FieldIsPaused:
		return setBool(&r.IsPaused, name, v)
	case FieldShowVideo:
		return setBool(&r.ShowVideo, name, v)
	case FieldNewPhotoURL:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("field %s: expected string, got %T", name, v)
		}
		r.NewPhotoURL = s
		return nil
	case FieldSubtest:
		switch n := v.(type) {
		case int:
			r.Subtest = n
		case int64:
			r.Subtest = int(n)
		case float64:
			r.Subtest = int(n)
		default:
			return fmt.Errorf("field %s: expected number, got %T", name, v)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, name)
	}
}

func setBool(dst *bool, name string, v any) error {
	b, ok := v.(bool)
	if !ok {
		return fmt.Errorf("field %s: expected bool, got %T", name, v)
	}
	*dst = b
	return nil
}

// fromHash decodes a redis hash. Unknown fields are ignored so that other writers
// can keep their own fields on the same record.
func fromHash(h map[string]string) Record {
	var r Record
	for name, raw := range h {
		switch name {
		case FieldIsVerified:
			r.IsVerified, _ = strconv.ParseBool(raw)
		case FieldHandGesture:
			r.HandGesture, _ = strconv.ParseBool(raw)
		case FieldIsJoined:
			r.IsJoined, _ = strconv.ParseBool(raw)
		case FieldIsPaused:
			r.IsPaused, _ = strconv.ParseBool(raw)
		case FieldShowVideo:
			r.ShowVideo, _ = strconv.ParseBool(raw)
		case FieldNewPhotoURL:
			r.NewPhotoURL = raw
		case FieldSubtest:
			r.Subtest, _ = strconv.Atoi(raw)
		}
	}
	return r
}

// validate checks every field name and type before anything is written.
func (f Fields) validate() error {
	var scratch Record
	return scratch.apply(f)
}
