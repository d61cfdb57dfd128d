package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageBatchStart Stage = "BATCH_START"
	StageBatchDone  Stage = "BATCH_DONE"
	StageTaskDone   Stage = "TASK_DONE"
	StageStrategy   Stage = "STRATEGY_OUTCOME"
	StageDetection  Stage = "DETECTION"
	StageBreaker    Stage = "BREAKER_STATE"
)

var stageByEvent = map[string]Stage{
	extraction.EventBatchStarted:      StageBatchStart,
	extraction.EventBatchFinished:     StageBatchDone,
	extraction.EventTaskFinished:      StageTaskDone,
	extraction.EventStrategyOutcome:   StageStrategy,
	extraction.EventDetection:         StageDetection,
	extraction.EventBreakerTransition: StageBreaker,
}

// Event captures a single milestone of batch progress.
type Event struct {
	// BatchID scopes the event. Breaker transitions carry none.
	BatchID string
	// TS is the UTC timestamp recorded by the hub.
	TS    time.Time
	Stage Stage
	// TaskID and URL identify the task for task, strategy and detection events.
	TaskID string
	URL    string
	// Strategy is the leg name, or the breaker key for breaker events.
	Strategy string
	// Outcome is success/miss/error for strategy events and the new state for
	// breaker events.
	Outcome string
	// Signal is the detection kind.
	Signal  string
	Success bool
	// Count is the task count on batch start and the attempt count otherwise.
	Count int
	// Summary is set on batch completion.
	Summary *extraction.Stats
	Dur     time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageBatchStart, StageBatchDone:
		if e.BatchID == "" {
			return errors.New("batch events require batch id")
		}
	case StageTaskDone:
		if e.TaskID == "" {
			return errors.New("task events require task id")
		}
	case StageStrategy, StageDetection:
		if e.Strategy == "" {
			return fmt.Errorf("%s requires strategy", e.Stage)
		}
	case StageBreaker:
		if e.Strategy == "" || e.Outcome == "" {
			return errors.New("breaker events require name and state")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// FromObserver converts an observer event into an Event. Unknown names report false.
func FromObserver(name string, attrs map[string]any, now time.Time) (Event, bool) {
	stage, ok := stageByEvent[name]
	if !ok {
		return Event{}, false
	}
	evt := Event{
		BatchID: str(attrs, "batch_id"),
		TS:      now.UTC(),
		Stage:   stage,
		TaskID:  str(attrs, "task_id"),
		URL:     str(attrs, "url"),
		Note:    str(attrs, "error"),
		Dur:     time.Duration(num(attrs, "duration_ms")) * time.Millisecond,
	}
	switch stage {
	case StageBatchStart:
		evt.Count = num(attrs, "tasks")
	case StageBatchDone:
		evt.Summary = &extraction.Stats{
			Total:      num(attrs, "total"),
			Successful: num(attrs, "successful"),
			Failed:     num(attrs, "failed"),
			Detected:   num(attrs, "detected"),
		}
		if rate, ok := attrs["success_rate"].(float64); ok {
			evt.Summary.SuccessRate = rate
		}
	case StageTaskDone:
		evt.Strategy = str(attrs, "strategy")
		evt.Success, _ = attrs["success"].(bool)
		evt.Count = num(attrs, "attempts")
	case StageStrategy:
		evt.Strategy = str(attrs, "strategy")
		evt.Outcome = str(attrs, "outcome")
		evt.Count = num(attrs, "attempts")
		evt.Note = str(attrs, "category")
	case StageDetection:
		evt.Strategy = str(attrs, "strategy")
		evt.Signal = str(attrs, "kind")
		evt.Note = str(attrs, "marker")
	case StageBreaker:
		evt.Strategy = str(attrs, "breaker")
		evt.Outcome = str(attrs, "to")
		evt.Note = str(attrs, "from")
	}
	if evt.BatchID == "" && evt.TaskID != "" {
		evt.BatchID = extraction.BatchIDOf(evt.TaskID)
	}
	return evt, true
}

func str(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}

func num(attrs map[string]any, key string) int {
	switch v := attrs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
