package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"ember/internal/bus"
	"ember/internal/logging"
	"ember/internal/observability"
	"ember/internal/task"
)

// Gate lets the service see scheduler load. Under backpressure firings are
// rate-capped instead of refused; skipped fires are not marked and catch up
// later.
type Gate interface {
	Overloaded() bool
}

// Config tunes the trigger service.
type Config struct {
	Enabled bool
	// MaxFiresPerMinute caps the firing rate while the gate reports overload.
	MaxFiresPerMinute int
}

type registered struct {
	trigger Trigger
	entryID cron.EntryID // cron triggers
	cancel  context.CancelFunc
	sched   cron.Schedule
}

// Service runs cron, interval, event, and manual triggers against the task
// store.
type Service struct {
	cfg     Config
	cron    *cron.Cron
	store   task.Store
	fires   FireStore
	events  *bus.Bus
	gate    Gate
	limiter *rate.Limiter
	logger  logging.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	triggers  map[string]*registered
	baseCtx   context.Context
	cancelAll context.CancelFunc
	started   bool
	stopOnce  sync.Once
	stopped   chan struct{}
}

// New wires a trigger service. The gate may be nil when no scheduler
// backpressure signal is available.
func New(cfg Config, store task.Store, fires FireStore, events *bus.Bus, gate Gate, logger logging.Logger, metrics *observability.Metrics) *Service {
	if cfg.MaxFiresPerMinute <= 0 {
		cfg.MaxFiresPerMinute = 60
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Service{
		cfg:  cfg,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		store:    store,
		fires:    fires,
		events:   events,
		gate:     gate,
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.MaxFiresPerMinute)/60.0), cfg.MaxFiresPerMinute),
		logger:   logging.OrNop(logger),
		metrics:  metrics,
		triggers: make(map[string]*registered),
		stopped:  make(chan struct{}),
	}
}

// Register adds a trigger. Registering before Start defers activation;
// afterwards the trigger goes live immediately.
func (s *Service) Register(tr Trigger) error {
	if err := tr.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.triggers[tr.ID]; exists {
		return fmt.Errorf("trigger %q already registered", tr.ID)
	}
	reg := &registered{trigger: tr}
	s.triggers[tr.ID] = reg
	if s.started && !tr.Disabled {
		if err := s.activateLocked(reg); err != nil {
			delete(s.triggers, tr.ID)
			return err
		}
	}
	return nil
}

// Remove deactivates and forgets a trigger.
func (s *Service) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.triggers[id]
	if !ok {
		return
	}
	if reg.entryID != 0 {
		s.cron.Remove(reg.entryID)
	}
	if reg.cancel != nil {
		reg.cancel()
	}
	delete(s.triggers, id)
}

// Start activates every registered trigger, performs cron catch-up, and
// starts the cron runner.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("trigger: disabled by config")
		return nil
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("trigger service already started")
	}
	s.started = true
	s.baseCtx, s.cancelAll = context.WithCancel(context.Background())
	for _, reg := range s.triggers {
		if reg.trigger.Disabled {
			continue
		}
		if err := s.activateLocked(reg); err != nil {
			s.logger.Warn("trigger: could not activate %q: %v", reg.trigger.ID, err)
		}
	}
	count := len(s.triggers)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("trigger: started with %d triggers", count)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts all triggers. Safe to call multiple times.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.cancelAll != nil {
			s.cancelAll()
		}
		s.mu.Unlock()
		<-s.cron.Stop().Done()
		close(s.stopped)
		s.logger.Info("trigger: stopped")
	})
}

// Done is closed once the service has fully stopped.
func (s *Service) Done() <-chan struct{} {
	return s.stopped
}

// Fire fires a trigger by hand. An empty fireKey generates a fresh one, so
// the fire always happens; passing an explicit key gives at-most-once
// semantics for external retries.
func (s *Service) Fire(ctx context.Context, id, fireKey string) (*task.Task, error) {
	s.mu.Lock()
	reg, ok := s.triggers[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown trigger %q", id)
	}
	if fireKey == "" {
		fireKey = "manual:" + uuid.NewString()
	}
	return s.fire(ctx, reg.trigger, fireKey)
}

// List returns a snapshot of all registered triggers, sorted by ID.
func (s *Service) List() []Trigger {
	s.mu.Lock()
	out := make([]Trigger, 0, len(s.triggers))
	for _, reg := range s.triggers {
		out = append(out, reg.trigger)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered triggers.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triggers)
}

// activateLocked starts the firing mechanism for one trigger. Caller holds
// s.mu.
func (s *Service) activateLocked(reg *registered) error {
	tr := reg.trigger
	fireCtx := s.baseCtx
	switch tr.Type {
	case TypeCron:
		sched, err := cron.ParseStandard(tr.Schedule)
		if err != nil {
			return fmt.Errorf("trigger %q: %w", tr.ID, err)
		}
		reg.sched = sched
		entryID, err := s.cron.AddFunc(tr.Schedule, func() {
			key := "cron:" + time.Now().UTC().Truncate(time.Minute).Format(time.RFC3339)
			if _, err := s.fire(fireCtx, tr, key); err != nil && err != ErrSkipped {
				s.logger.Warn("trigger: %q fire failed: %v", tr.ID, err)
			}
		})
		if err != nil {
			return fmt.Errorf("trigger %q: %w", tr.ID, err)
		}
		reg.entryID = entryID
		s.catchUpCron(reg)
	case TypeInterval:
		ctx, cancel := context.WithCancel(s.baseCtx)
		reg.cancel = cancel
		go s.runInterval(ctx, tr)
	case TypeEvent:
		ctx, cancel := context.WithCancel(s.baseCtx)
		reg.cancel = cancel
		// Subscribe before activation returns so events published right
		// after Register/Start cannot slip past the goroutine startup.
		sub := s.events.Subscribe(tr.Topic, nil)
		go s.runEvent(ctx, tr, sub)
	case TypeManual:
	}
	s.logger.Info("trigger: registered %q (%s)", tr.ID, tr.Type)
	return nil
}

// catchUpCron fires once for a cron instant missed while the service was
// down. Only the first missed instant fires; the fire-key keeps it
// at-most-once even across racing restarts.
func (s *Service) catchUpCron(reg *registered) {
	tr := reg.trigger
	fireCtx := s.baseCtx
	last, err := s.fires.LastFire(fireCtx, tr.ID)
	if err != nil {
		s.logger.Warn("trigger: %q last fire lookup: %v", tr.ID, err)
		return
	}
	if last.IsZero() {
		return
	}
	missed := reg.sched.Next(last)
	if missed.After(time.Now()) {
		return
	}
	key := "cron:" + missed.UTC().Truncate(time.Minute).Format(time.RFC3339)
	go func() {
		if _, err := s.fire(fireCtx, tr, key); err != nil && err != ErrSkipped {
			s.logger.Warn("trigger: %q catch-up fire failed: %v", tr.ID, err)
		}
	}()
}

// runInterval fires every Every from the last recorded fire. A past-due next
// instant fires immediately, which doubles as restart catch-up.
func (s *Service) runInterval(ctx context.Context, tr Trigger) {
	for {
		last, err := s.fires.LastFire(ctx, tr.ID)
		if err != nil {
			s.logger.Warn("trigger: %q last fire lookup: %v", tr.ID, err)
			last = time.Time{}
		}
		next := last.Add(tr.Every)
		if last.IsZero() {
			next = time.Now().Add(tr.Every)
		}
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		key := "interval:" + next.UTC().Format(time.RFC3339Nano)
		if _, err := s.fire(ctx, tr, key); err != nil && err != ErrSkipped {
			s.logger.Warn("trigger: %q fire failed: %v", tr.ID, err)
			// Back off instead of spinning on a broken store.
			select {
			case <-ctx.Done():
				return
			case <-time.After(tr.Every):
			}
		}
	}
}

// runEvent fires once per matching bus event, keyed by the event id.
func (s *Service) runEvent(ctx context.Context, tr Trigger, sub *bus.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			key := ev.ID
			if key == "" {
				key = ev.Timestamp.UTC().Format(time.RFC3339Nano)
			}
			if _, err := s.fire(ctx, tr, "event:"+key); err != nil && err != ErrSkipped {
				s.logger.Warn("trigger: %q fire failed: %v", tr.ID, err)
			}
		}
	}
}

// ErrSkipped reports a fire that was deliberately dropped, either as a
// duplicate fire-key or under backpressure rate capping.
var ErrSkipped = errors.New("fire skipped")

// fire creates the configured task once per fire-key. Under backpressure the
// rate cap may skip the fire without marking it, leaving it to catch up.
func (s *Service) fire(ctx context.Context, tr Trigger, fireKey string) (*task.Task, error) {
	if s.gate != nil && s.gate.Overloaded() && !s.limiter.Allow() {
		s.metrics.TriggerDropped.WithLabelValues(tr.ID, "backpressure").Inc()
		s.logger.Warn("trigger: %q rate-capped under backpressure", tr.ID)
		return nil, ErrSkipped
	}

	now := time.Now()
	fresh, err := s.fires.MarkFired(ctx, tr.ID, fireKey, now)
	if err != nil {
		return nil, err
	}
	if !fresh {
		s.metrics.TriggerDropped.WithLabelValues(tr.ID, "duplicate").Inc()
		s.logger.Debug("trigger: %q dropped duplicate fire %s", tr.ID, fireKey)
		return nil, ErrSkipped
	}

	spec := tr.Spec
	spec.ID = "" // every fire creates a fresh task
	created, err := s.store.Create(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("trigger %q: create task: %w", tr.ID, err)
	}
	s.metrics.TriggerFires.WithLabelValues(tr.ID).Inc()
	s.logger.Info("trigger: %q fired, created task %s", tr.ID, created.ID)
	return created, nil
}
