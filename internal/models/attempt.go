package models

import (
	"time"

	"gorm.io/datatypes"
)

type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSubmitted  AttemptStatus = "submitted"
	AttemptTimedOut   AttemptStatus = "timed_out"
)

// ExamAttempt is the single attempt a given examinee ever gets for a given
// exam. The unique index on (exam_id, examinee_id) spans the row's whole
// history, so a second start can never insert a second row, even after the
// first attempt has been finalized.
type ExamAttempt struct {
	ID         uint   `json:"id" gorm:"primaryKey"`
	ExamID     uint   `json:"exam_id" gorm:"not null;uniqueIndex:uq_attempt_exam_examinee"`
	ExamineeID string `json:"examinee_id" gorm:"not null;size:255;uniqueIndex:uq_attempt_exam_examinee"`

	Status AttemptStatus `json:"status" gorm:"default:in_progress;index"`

	// Timing. StartedAt is immutable after insert; the deadline is always
	// derived from it, never stored.
	StartedAt   time.Time  `json:"started_at" gorm:"not null"`
	FinalizedAt *time.Time `json:"finalized_at"`

	// IsFinal mirrors the terminal statuses so callers can check finality
	// without enumerating them.
	IsFinal bool `json:"is_final" gorm:"default:false;index"`

	// Metadata
	SessionData datatypes.JSON `json:"session_data" gorm:"type:jsonb"` // Browser info, client hints, etc.

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Exam    Exam          `json:"exam" gorm:"foreignKey:ExamID"`
	Answers []EssayAnswer `json:"answers,omitempty" gorm:"foreignKey:AttemptID"`
}

// Terminal reports whether the attempt has reached a final state. Terminal
// attempts never transition again.
func (a *ExamAttempt) Terminal() bool {
	return a.Status == AttemptSubmitted || a.Status == AttemptTimedOut
}

// EssayAnswer is one answer row per (attempt, question). During the attempt
// window rows exist only for questions the examinee actually answered;
// finalization backfills the rest so graders always see the full set.
type EssayAnswer struct {
	ID         uint `json:"id" gorm:"primaryKey"`
	AttemptID  uint `json:"attempt_id" gorm:"not null;uniqueIndex:uq_answer_attempt_question"`
	QuestionID uint `json:"question_id" gorm:"not null;uniqueIndex:uq_answer_attempt_question"`

	// Answer content. Nil means the question was never answered.
	ResponseText *string `json:"response_text" gorm:"type:text"`

	// SavedAt is the wall clock of the write that produced the current
	// content; concurrent saves resolve last-write-wins on it.
	SavedAt time.Time `json:"saved_at" gorm:"not null"`

	// Grading
	MarksAwarded   *float64   `json:"marks_awarded"`
	GraderFeedback *string    `json:"grader_feedback" gorm:"type:text"`
	GradedAt       *time.Time `json:"graded_at"`
	GradedBy       *string    `json:"graded_by" gorm:"size:255"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Attempt  ExamAttempt  `json:"-" gorm:"foreignKey:AttemptID"`
	Question ExamQuestion `json:"-" gorm:"foreignKey:QuestionID"`
}
