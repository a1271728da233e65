// Package trigger turns schedules and events into task creations. Every
// firing carries a fire-key; the fire store drops re-emitted keys so a fire
// happens at most once across restarts.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ember/internal/task"
)

// Type enumerates the trigger flavors.
type Type string

const (
	// TypeCron fires at clock instants matching a cron expression.
	TypeCron Type = "cron"
	// TypeInterval fires every N duration from the last fire.
	TypeInterval Type = "interval"
	// TypeEvent fires on each matching bus event.
	TypeEvent Type = "event"
	// TypeManual fires only through Service.Fire.
	TypeManual Type = "manual"
)

// Trigger binds a firing rule to the task spec it creates.
type Trigger struct {
	ID       string        `json:"id" yaml:"id"`
	Type     Type          `json:"type" yaml:"type"`
	Schedule string        `json:"schedule,omitempty" yaml:"schedule,omitempty"` // cron expression
	Every    time.Duration `json:"every,omitempty" yaml:"every,omitempty"`       // interval period
	Topic    string        `json:"topic,omitempty" yaml:"topic,omitempty"`       // bus topic for event triggers
	Spec     task.Spec     `json:"spec" yaml:"spec"`
	Disabled bool          `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Validate rejects triggers the service cannot run.
func (t Trigger) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("trigger id is required")
	}
	switch t.Type {
	case TypeCron:
		if t.Schedule == "" {
			return fmt.Errorf("trigger %q: cron schedule is required", t.ID)
		}
	case TypeInterval:
		if t.Every <= 0 {
			return fmt.Errorf("trigger %q: interval must be positive", t.ID)
		}
	case TypeEvent:
		if t.Topic == "" {
			return fmt.Errorf("trigger %q: event topic is required", t.ID)
		}
	case TypeManual:
	default:
		return fmt.Errorf("trigger %q: unknown type %q", t.ID, t.Type)
	}
	if t.Spec.Title == "" {
		return fmt.Errorf("trigger %q: task spec title is required", t.ID)
	}
	if !t.Spec.Kind.IsValid() {
		return fmt.Errorf("trigger %q: unknown task kind %q", t.ID, t.Spec.Kind)
	}
	return nil
}

// FireStore persists fire-keys for at-most-once semantics and remembers the
// last fire time per trigger for catch-up after a restart.
type FireStore interface {
	// MarkFired records the fire-key. It returns false when the key was
	// already recorded, meaning the fire is a duplicate.
	MarkFired(ctx context.Context, triggerID, fireKey string, at time.Time) (bool, error)

	// LastFire returns the most recent fire time of the trigger, or the zero
	// time when it never fired.
	LastFire(ctx context.Context, triggerID string) (time.Time, error)
}

// MemFireStore keeps fire-keys in memory; fine for tests and the memory
// store driver, useless across restarts.
type MemFireStore struct {
	mu    sync.Mutex
	keys  map[string]map[string]struct{}
	lasts map[string]time.Time
}

// NewMemFireStore creates an empty in-memory fire store.
func NewMemFireStore() *MemFireStore {
	return &MemFireStore{
		keys:  make(map[string]map[string]struct{}),
		lasts: make(map[string]time.Time),
	}
}

func (s *MemFireStore) MarkFired(ctx context.Context, triggerID, fireKey string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.keys[triggerID]
	if keys == nil {
		keys = make(map[string]struct{})
		s.keys[triggerID] = keys
	}
	if _, dup := keys[fireKey]; dup {
		return false, nil
	}
	keys[fireKey] = struct{}{}
	if at.After(s.lasts[triggerID]) {
		s.lasts[triggerID] = at
	}
	return true, nil
}

func (s *MemFireStore) LastFire(ctx context.Context, triggerID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lasts[triggerID], nil
}
