// Package admin projects today's monitoring records for the proctor dashboard.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go-proctoring-server/logging"
	"go-proctoring-server/models"
	"go-proctoring-server/records"
)

// UnknownDate is the date of a record whose key carries no date prefix.
const UnknownDate = "Unknown"

var ErrRecordNotFound = errors.New("record not found")

// Project turns a record collection into the rows of the given day, sorted by key.
func Project(all map[string]records.Record, today string) []models.MonitorEntry {
	entries := make([]models.MonitorEntry, 0)
	for key, rec := range all {
		date, uid, ok := records.ParseKey(key)
		if !ok {
			date = UnknownDate
		}
		if date != today {
			continue
		}
		entries = append(entries, models.MonitorEntry{
			Key:      key,
			Date:     date,
			Uid:      uid,
			Subtest:  rec.Subtest,
			IsPaused: rec.IsPaused,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Monitor keeps a live view of the record collection.
type Monitor struct {
	store    records.Store
	location *time.Location
	now      func() time.Time
	log      *slog.Logger

	mutex       sync.Mutex
	snapshot    map[string]records.Record
	listeners   map[int]chan []models.MonitorEntry
	nextID      int
	unsubscribe records.Unsubscribe
}

func NewMonitor(store records.Store, location *time.Location, now func() time.Time) *Monitor {
	if location == nil {
		location = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		store:     store,
		location:  location,
		now:       now,
		log:       logging.Component("admin_monitor"),
		snapshot:  map[string]records.Record{},
		listeners: map[int]chan []models.MonitorEntry{},
	}
}

// Start subscribes to the whole collection.
func (m *Monitor) Start(ctx context.Context) error {
	unsubscribe, err := m.store.SubscribeAll(ctx, m.onSnapshot)
	if err != nil {
		return fmt.Errorf("failed to subscribe to records: %w", err)
	}
	m.mutex.Lock()
	m.unsubscribe = unsubscribe
	m.mutex.Unlock()
	return nil
}

func (m *Monitor) Close() {
	m.mutex.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	for id, ch := range m.listeners {
		close(ch)
		delete(m.listeners, id)
	}
	m.mutex.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Today is the calendar day the monitor filters on.
func (m *Monitor) Today() string {
	return records.DateString(m.now(), m.location)
}

// Entries returns today's rows.
func (m *Monitor) Entries() []models.MonitorEntry {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return Project(m.snapshot, m.Today())
}

// Listen returns a channel receiving today's rows after every change, starting with
// the current rows. A slow reader only sees the newest rows.
func (m *Monitor) Listen() (<-chan []models.MonitorEntry, func()) {
	ch := make(chan []models.MonitorEntry, 1)

	m.mutex.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = ch
	ch <- Project(m.snapshot, m.Today())
	m.mutex.Unlock()

	return ch, func() {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		if _, ok := m.listeners[id]; ok {
			close(ch)
			delete(m.listeners, id)
		}
	}
}

func (m *Monitor) onSnapshot(all map[string]records.Record) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.snapshot = all
	entries := Project(all, m.Today())
	for _, ch := range m.listeners {
		select {
		case <-ch:
		default:
		}
		ch <- entries
	}
}

// TogglePause flips isPaused of a record and returns the new value.
func (m *Monitor) TogglePause(ctx context.Context, key string) (bool, error) {
	m.mutex.Lock()
	_, known := m.snapshot[key]
	m.mutex.Unlock()
	if !known {
		return false, ErrRecordNotFound
	}

	rec, err := m.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	paused := !rec.IsPaused
	if err := m.store.Update(ctx, key, records.Fields{records.FieldIsPaused: paused}); err != nil {
		return false, fmt.Errorf("failed to update pause status: %w", err)
	}

	m.log.Info("Pause toggled", "key", key, "paused", paused)
	return paused, nil
}

// ShowVideo asks the participant's exam page to open the briefing video.
func (m *Monitor) ShowVideo(ctx context.Context, key string) error {
	m.mutex.Lock()
	_, known := m.snapshot[key]
	m.mutex.Unlock()
	if !known {
		return ErrRecordNotFound
	}

	if err := m.store.Update(ctx, key, records.Fields{records.FieldShowVideo: true}); err != nil {
		return fmt.Errorf("failed to request briefing video: %w", err)
	}
	m.log.Info("Briefing video requested", "key", key)
	return nil
}
