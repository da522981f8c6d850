package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Topics. One topic per lifecycle transition so consumers can subscribe to
// exactly the transitions they care about.
const (
	TopicAttemptStarted   = "exam.attempt.started"
	TopicAttemptFinalized = "exam.attempt.finalized"
	TopicAttemptGraded    = "exam.attempt.graded"
)

const (
	eventSource  = "exam-lifecycle-service"
	eventVersion = "1.0"
)

// Event is the envelope published on every topic.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Version   string      `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent creates an event envelope for the given topic
func NewEvent(eventType string, data interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    eventSource,
		Version:   eventVersion,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// AttemptStartedEvent is emitted once per attempt, on the start that
// actually created the row.
type AttemptStartedEvent struct {
	AttemptID  uint      `json:"attempt_id"`
	ExamID     uint      `json:"exam_id"`
	ExamineeID string    `json:"examinee_id"`
	StartedAt  time.Time `json:"started_at"`
	Deadline   time.Time `json:"deadline"`
}

// AttemptFinalizedEvent is emitted by whichever path won the terminal
// transition, exactly once per attempt.
type AttemptFinalizedEvent struct {
	AttemptID   uint      `json:"attempt_id"`
	ExamID      uint      `json:"exam_id"`
	ExamineeID  string    `json:"examinee_id"`
	Status      string    `json:"status"`
	FinalizedAt time.Time `json:"finalized_at"`
	AnswerCount int       `json:"answer_count"`
}

// AttemptGradedEvent is emitted on every (re)grading pass.
type AttemptGradedEvent struct {
	AttemptID  uint      `json:"attempt_id"`
	ExamID     uint      `json:"exam_id"`
	ExamineeID string    `json:"examinee_id"`
	GraderID   string    `json:"grader_id"`
	TotalMarks float64   `json:"total_marks"`
	GradedAt   time.Time `json:"graded_at"`
}

// EventPublisher is the outbound port for lifecycle events. Publishing is
// best-effort: the lifecycle never rolls back a storage transition because
// an event failed to go out.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event *Event) error
	Close() error
}
