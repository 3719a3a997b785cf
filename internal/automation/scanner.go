package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Query defaults for time triggers whose automations omit trigger_config.days.
const (
	DefaultInactiveDays = 14
	DefaultClosingDays  = 30
)

// ScanHit is one entity qualifying for a time-based trigger.
type ScanHit struct {
	EntityType string
	EntityID   string
	Data       map[string]interface{}
}

// ScanStore answers the relative-time queries behind the time triggers.
type ScanStore interface {
	// ListActiveByTrigger returns active automations of every project.
	ListActiveByTrigger(ctx context.Context, trigger TriggerType) ([]Automation, error)
	// OverdueTasks: due_date before now and not completed or snoozed, at least minDays overdue.
	OverdueTasks(ctx context.Context, projectID string, now time.Time, minDays int) ([]ScanHit, error)
	// InactiveEntities: last activity at least minDays before now.
	InactiveEntities(ctx context.Context, projectID string, now time.Time, minDays int) ([]ScanHit, error)
	// ClosingSoon: close date between now and now+maxDays.
	ClosingSoon(ctx context.Context, projectID string, now time.Time, maxDays int) ([]ScanHit, error)
}

// Emitter accepts events; *Engine implements it.
type Emitter interface {
	Emit(evt Event) error
}

// Scanner synthesizes events for the time-based triggers.
type Scanner struct {
	store    ScanStore
	emitter  Emitter
	interval time.Duration
	logger   *logrus.Logger
	tracer   trace.Tracer

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewScanner(store ScanStore, emitter Emitter, interval time.Duration, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scanner{
		store:    store,
		emitter:  emitter,
		interval: interval,
		logger:   logger,
		tracer:   otel.Tracer("bidtrack/automation"),
		seen:     make(map[string]time.Time),
	}
}

// Window returns the scan window now falls in.
func (s *Scanner) Window(now time.Time) time.Time {
	return now.UTC().Truncate(s.interval)
}

// Run scans once immediately and then every interval until ctx is done.
func (s *Scanner) Run(ctx context.Context) {
	s.logger.Infof("Starting time trigger scanner (interval %s)", s.interval)

	if _, err := s.Scan(ctx, time.Now()); err != nil {
		s.logger.Errorf("time trigger scan error: %v", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("time trigger scanner stopped")
			return
		case <-ticker.C:
			if _, err := s.Scan(ctx, time.Now()); err != nil {
				s.logger.Errorf("time trigger scan error: %v", err)
			}
		}
	}
}

// Scan emits one event per qualifying entity and returns how many were
// accepted. A (trigger, entity) pair is emitted at most once per window.
func (s *Scanner) Scan(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, "automation.scan")
	defer span.End()

	window := s.Window(now)
	s.prune(window)

	emitted := 0
	var errs []error
	for _, trigger := range TimeBasedTriggers {
		automations, err := s.store.ListActiveByTrigger(ctx, trigger)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s automations: %w", trigger, err))
			continue
		}
		for projectID, threshold := range thresholds(trigger, automations) {
			hits, err := s.query(ctx, trigger, projectID, now, threshold)
			if err != nil {
				errs = append(errs, fmt.Errorf("scan %s for project %s: %w", trigger, projectID, err))
				continue
			}
			for _, hit := range hits {
				if s.emit(trigger, projectID, hit, now, window) {
					emitted++
				}
			}
		}
	}
	span.SetAttributes(attribute.Int("automation.scan.emitted", emitted))
	if emitted > 0 {
		s.logger.Infof("time trigger scan emitted %d events for window %s", emitted, window.Format(time.RFC3339))
	}
	return emitted, errors.Join(errs...)
}

func (s *Scanner) query(ctx context.Context, trigger TriggerType, projectID string, now time.Time, threshold int) ([]ScanHit, error) {
	switch trigger {
	case TriggerTaskOverdue:
		return s.store.OverdueTasks(ctx, projectID, now, threshold)
	case TriggerEntityInactive:
		return s.store.InactiveEntities(ctx, projectID, now, threshold)
	case TriggerCloseDateApproaching:
		return s.store.ClosingSoon(ctx, projectID, now, threshold)
	}
	return nil, fmt.Errorf("not a time trigger: %s", trigger)
}

func (s *Scanner) emit(trigger TriggerType, projectID string, hit ScanHit, now, window time.Time) bool {
	key := string(trigger) + "|" + projectID + "|" + hit.EntityType + "|" + hit.EntityID

	s.mu.Lock()
	if w, ok := s.seen[key]; ok && w.Equal(window) {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	evt := Event{
		ProjectID:   projectID,
		TriggerType: trigger,
		EntityType:  hit.EntityType,
		EntityID:    hit.EntityID,
		Data:        hit.Data,
		OccurredAt:  now,
	}
	if err := s.emitter.Emit(evt); err != nil {
		// not marked, the next scan in this window may try again
		s.logger.WithFields(logrus.Fields{
			"trigger_type": trigger,
			"entity_type":  hit.EntityType,
			"entity_id":    hit.EntityID,
		}).Warnf("time trigger event not accepted: %v", err)
		return false
	}

	s.mu.Lock()
	s.seen[key] = window
	s.mu.Unlock()
	return true
}

func (s *Scanner) prune(window time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, w := range s.seen {
		if w.Before(window) {
			delete(s.seen, k)
		}
	}
}

// thresholds picks the loosest days threshold per project so a single query
// covers every automation; the matcher applies each automation's own bound.
func thresholds(trigger TriggerType, automations []Automation) map[string]int {
	out := make(map[string]int)
	for _, a := range automations {
		if !a.IsActive || a.TriggerType != trigger {
			continue
		}
		days, ok := configDays(a.TriggerConfig)
		if !ok {
			switch trigger {
			case TriggerTaskOverdue:
				days = 0
			case TriggerEntityInactive:
				days = DefaultInactiveDays
			case TriggerCloseDateApproaching:
				days = DefaultClosingDays
			}
		}
		cur, seen := out[a.ProjectID]
		switch {
		case !seen:
			out[a.ProjectID] = days
		case trigger == TriggerCloseDateApproaching && days > cur:
			out[a.ProjectID] = days
		case trigger != TriggerCloseDateApproaching && days < cur:
			out[a.ProjectID] = days
		}
	}
	return out
}

func configDays(cfg map[string]interface{}) (int, bool) {
	v, ok := cfg[ConfigDays]
	if !ok || v == nil {
		return 0, false
	}
	f, ok := toFloat(v)
	if !ok || f < 0 {
		return 0, false
	}
	return int(f), true
}
