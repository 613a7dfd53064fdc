// Package schedule implements the persistent timed scheduler: the schedule
// store, recurrence rules, and the 30-second fire loop.
package schedule

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/gateway"
	"github.com/mobyclaw/mobyclaw/internal/logger"
)

// Schedule statuses.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusCancelled = "cancelled"
)

// Schedule is one future delivery. At least one of Message and Prompt is
// set; Prompt asks the agent to compose the delivery text.
type Schedule struct {
	ID          string     `json:"id"`
	Due         time.Time  `json:"due"`
	Message     string     `json:"message,omitempty"`
	Prompt      string     `json:"prompt,omitempty"`
	Repeat      string     `json:"repeat,omitempty"`
	Channel     string     `json:"channel"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// CreateInput are the caller-supplied fields of a new schedule.
type CreateInput struct {
	Due     time.Time
	Message string
	Prompt  string
	Repeat  string
	Channel string
}

// Store owns schedules.json. Only pending schedules survive a load.
type Store struct {
	mu        sync.Mutex
	path      string
	schedules map[string]*Schedule
	logger    *logger.Logger
}

// NewStore creates the store and loads pending schedules from disk.
func NewStore(dataRoot string, log *logger.Logger) *Store {
	s := &Store{
		path:      filepath.Join(dataRoot, "schedules.json"),
		schedules: map[string]*Schedule{},
		logger:    log.WithComponent("schedule-store"),
	}

	var records []*Schedule
	if ok, err := gateway.ReadJSON(s.path, &records); err != nil {
		s.logger.Warn("failed to load schedules, starting empty", "error", err)
	} else if ok {
		for _, rec := range records {
			// Prune everything that already ran or was cancelled.
			if rec.Status == StatusPending {
				s.schedules[rec.ID] = rec
			}
		}
		s.logger.Info("loaded pending schedules", "count", len(s.schedules))
	}

	return s
}

// Create validates input, assigns an id, persists, and returns the record.
func (s *Store) Create(input CreateInput) (*Schedule, error) {
	if input.Message == "" && input.Prompt == "" {
		return nil, fmt.Errorf("schedule requires at least one of message, prompt")
	}
	if input.Due.IsZero() {
		return nil, fmt.Errorf("schedule requires a due time")
	}
	if _, _, err := gateway.SplitChannel(input.Channel); err != nil {
		return nil, err
	}
	if input.Repeat != "" {
		if err := ValidateRule(input.Repeat); err != nil {
			return nil, err
		}
	}

	rec := &Schedule{
		ID:        newScheduleID(),
		Due:       input.Due.UTC(),
		Message:   input.Message,
		Prompt:    input.Prompt,
		Repeat:    input.Repeat,
		Channel:   input.Channel,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.schedules[rec.ID] = rec
	s.mu.Unlock()
	s.persist()

	s.logger.Info("created schedule", "id", rec.ID, "due", rec.Due, "channel", rec.Channel, "repeat", rec.Repeat)
	return cloneRecord(rec), nil
}

// List returns schedules, optionally filtered by status, ordered by due
// time.
func (s *Store) List(status string) []*Schedule {
	s.mu.Lock()
	var out []*Schedule
	for _, rec := range s.schedules {
		if status == "" || rec.Status == status {
			out = append(out, cloneRecord(rec))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Due.Before(out[j].Due) })
	return out
}

// Get returns one schedule by id.
func (s *Store) Get(id string) (*Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.schedules[id]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

// Cancel marks a pending schedule cancelled. Only pending schedules may be
// cancelled.
func (s *Store) Cancel(id string) (*Schedule, error) {
	s.mu.Lock()
	rec, ok := s.schedules[id]
	if !ok || rec.Status != StatusPending {
		s.mu.Unlock()
		return nil, fmt.Errorf("no pending schedule %q", id)
	}
	rec.Status = StatusCancelled
	out := cloneRecord(rec)
	s.mu.Unlock()
	s.persist()

	s.logger.Info("cancelled schedule", "id", id)
	return out, nil
}

// MarkDelivered transitions a schedule to delivered.
func (s *Store) MarkDelivered(id string) {
	now := time.Now().UTC()
	s.mu.Lock()
	if rec, ok := s.schedules[id]; ok {
		rec.Status = StatusDelivered
		rec.DeliveredAt = &now
	}
	s.mu.Unlock()
	s.persist()
}

// GetDue returns pending schedules with due ≤ now, ordered by due time.
func (s *Store) GetDue(now time.Time) []*Schedule {
	s.mu.Lock()
	var out []*Schedule
	for _, rec := range s.schedules {
		if rec.Status == StatusPending && !rec.Due.After(now) {
			out = append(out, cloneRecord(rec))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Due.Before(out[j].Due) })
	return out
}

// CountPending returns the number of pending schedules.
func (s *Store) CountPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.schedules {
		if rec.Status == StatusPending {
			n++
		}
	}
	return n
}

func (s *Store) persist() {
	s.mu.Lock()
	records := make([]*Schedule, 0, len(s.schedules))
	for _, rec := range s.schedules {
		records = append(records, cloneRecord(rec))
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	if err := gateway.AtomicWriteJSON(s.path, records); err != nil {
		s.logger.Error("failed to persist schedules", "error", err)
	}
}

func cloneRecord(rec *Schedule) *Schedule {
	out := *rec
	if rec.DeliveredAt != nil {
		t := *rec.DeliveredAt
		out.DeliveredAt = &t
	}
	return &out
}

func newScheduleID() string {
	b := make([]byte, 6)
	// crypto/rand.Read never fails on supported platforms.
	_, _ = rand.Read(b)
	return "sch_" + hex.EncodeToString(b)
}
