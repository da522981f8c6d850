package models

import (
	"time"
)

type ExamStatus string

const (
	ExamDraft    ExamStatus = "draft"
	ExamActive   ExamStatus = "active"
	ExamArchived ExamStatus = "archived"
)

const (
	// MaxMarks bounds for a single question.
	QuestionMaxMarksMin = 1
	QuestionMaxMarksMax = 1000
)

type Exam struct {
	ID    uint   `json:"id" gorm:"primaryKey"`
	Title string `json:"title" gorm:"not null;size:200"`

	// DurationSeconds is the attempt window length. The submission deadline
	// for an attempt is always started_at + duration_seconds.
	DurationSeconds int        `json:"duration_seconds" gorm:"not null"`
	Status          ExamStatus `json:"status" gorm:"default:active;index"`

	CreatedBy string `json:"created_by" gorm:"size:255;index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Questions []ExamQuestion `json:"questions,omitempty" gorm:"foreignKey:ExamID"`
}

type ExamQuestion struct {
	ID     uint `json:"id" gorm:"primaryKey"`
	ExamID uint `json:"exam_id" gorm:"not null;index"`

	QuestionText string `json:"question_text" gorm:"type:text;not null"`
	MaxMarks     int    `json:"max_marks" gorm:"not null"`
	Position     int    `json:"position" gorm:"not null"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Exam Exam `json:"-" gorm:"foreignKey:ExamID"`
}

// Deadline returns the submission deadline for an attempt started at the
// given instant.
func (e *Exam) Deadline(startedAt time.Time) time.Time {
	return startedAt.Add(time.Duration(e.DurationSeconds) * time.Second)
}
