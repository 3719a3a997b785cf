package automation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ExecutionStatus is the outcome of one automation run.
type ExecutionStatus string

const (
	StatusSuccess        ExecutionStatus = "success"
	StatusPartialFailure ExecutionStatus = "partial_failure"
	StatusFailed         ExecutionStatus = "failed"
	StatusSkipped        ExecutionStatus = "skipped"
)

// Execution is the immutable audit record of one automation's run against
// one event.
type Execution struct {
	ID             string          `json:"id"`
	AutomationID   string          `json:"automation_id"`
	ProjectID      string          `json:"project_id"`
	Status         ExecutionStatus `json:"status"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	TriggerEvent   Event           `json:"trigger_event"`
	ActionsResults []ActionResult  `json:"actions_results"`
	DurationMS     int64           `json:"duration_ms"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CascadeDepth   int             `json:"cascade_depth"`
	ExecutedAt     time.Time       `json:"executed_at"`
}

// DeriveStatus applies the status law:
//   - skipped: conditions did not pass
//   - failed: runErr before any action, or every action failed and at least
//     one of the failures is not best-effort
//   - partial_failure: mixed outcomes, or only best-effort failures
//   - success: every action succeeded
func DeriveStatus(conditionsPassed bool, results []ActionResult, runErr error) ExecutionStatus {
	if runErr != nil {
		return StatusFailed
	}
	if !conditionsPassed {
		return StatusSkipped
	}
	var succeeded, failed, hardFailed int
	for _, r := range results {
		if r.Success {
			succeeded++
			continue
		}
		failed++
		if !r.BestEffort {
			hardFailed++
		}
	}
	switch {
	case failed == 0:
		return StatusSuccess
	case succeeded > 0:
		return StatusPartialFailure
	case hardFailed > 0:
		return StatusFailed
	default:
		return StatusPartialFailure
	}
}

// Recorder builds and persists execution records.
type Recorder struct {
	store  AutomationStore
	retry  RetryPolicy
	logger *logrus.Logger
	now    func() time.Time
}

func NewRecorder(store AutomationStore, retry RetryPolicy, logger *logrus.Logger) *Recorder {
	if logger == nil {
		logger = logrus.New()
	}
	return &Recorder{store: store, retry: retry, logger: logger, now: time.Now}
}

// Build assembles the record without persisting it.
func (r *Recorder) Build(a Automation, evt Event, results []ActionResult, duration time.Duration, conditionsPassed bool, runErr error) *Execution {
	if !conditionsPassed || runErr != nil && len(results) == 0 {
		results = []ActionResult{}
	}
	exec := &Execution{
		ID:             uuid.NewString(),
		AutomationID:   a.ID,
		ProjectID:      evt.ProjectID,
		Status:         DeriveStatus(conditionsPassed, results, runErr),
		EntityType:     evt.EntityType,
		EntityID:       evt.EntityID,
		TriggerEvent:   evt,
		ActionsResults: results,
		DurationMS:     duration.Milliseconds(),
		CascadeDepth:   evt.Depth,
		ExecutedAt:     r.now().UTC(),
	}
	if exec.Status == StatusFailed {
		exec.ErrorMessage = failureMessage(results, runErr)
	}
	return exec
}

// Record builds the execution and persists it, retrying the write under the
// recorder policy. A record that still cannot be written is returned together
// with the error; it is never retried later.
func (r *Recorder) Record(ctx context.Context, a Automation, evt Event, results []ActionResult, duration time.Duration, conditionsPassed bool, runErr error) (*Execution, error) {
	exec := r.Build(a, evt, results, duration, conditionsPassed, runErr)
	if r.store == nil {
		return exec, nil
	}
	attempts, err := r.retry.Retry(ctx, func(c context.Context) error {
		return r.store.SaveExecution(c, exec)
	})
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"automation_id": a.ID,
			"execution_id":  exec.ID,
			"status":        exec.Status,
			"attempts":      attempts,
		}).Errorf("automation: execution record lost: %v", err)
		return exec, err
	}
	return exec, nil
}

func failureMessage(results []ActionResult, runErr error) string {
	if runErr != nil {
		return runErr.Error()
	}
	for _, res := range results {
		if !res.Success && res.Error != "" {
			if len(results) == 1 {
				return res.Error
			}
			return "all actions failed; first error: " + res.Error
		}
	}
	return "all actions failed"
}
