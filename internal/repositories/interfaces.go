package repositories

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/examstack/exam-lifecycle-service/internal/models"
)

// ===== SHARED FILTER STRUCTS =====

type AttemptFilters struct {
	Status     *models.AttemptStatus `json:"status"`
	ExamineeID *string               `json:"examinee_id"`
	DateFrom   *time.Time            `json:"date_from"`
	DateTo     *time.Time            `json:"date_to"`
	Limit      int                   `json:"limit"`
	Offset     int                   `json:"offset"`
	SortBy     string                `json:"sort_by"`    // "created_at", "started_at", "status"
	SortOrder  string                `json:"sort_order"` // "asc", "desc"
}

type ExamFilters struct {
	Status    *models.ExamStatus `json:"status"`
	CreatedBy *string            `json:"created_by"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
	SortBy    string             `json:"sort_by"`
	SortOrder string             `json:"sort_order"`
}

// ===== SHARED STATISTICS STRUCTS =====

type AttemptStats struct {
	TotalAttempts   int                          `json:"total_attempts"`
	StatusBreakdown map[models.AttemptStatus]int `json:"status_breakdown"`
	GradedAttempts  int                          `json:"graded_attempts"`
	AverageTotal    float64                      `json:"average_total"`
}

// ===== REPOSITORY INTERFACES =====

// ExamRepository covers the read-mostly exam definition the lifecycle runs
// against. Exams and their questions are immutable while attempts are open,
// which is what makes the read side safely cacheable.
type ExamRepository interface {
	Create(ctx context.Context, tx *gorm.DB, exam *models.Exam) error
	GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Exam, error)
	GetByIDWithQuestions(ctx context.Context, tx *gorm.DB, id uint) (*models.Exam, error)
	List(ctx context.Context, tx *gorm.DB, filters ExamFilters) ([]*models.Exam, int64, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, id uint, status models.ExamStatus) error

	// Question management
	AddQuestion(ctx context.Context, tx *gorm.DB, question *models.ExamQuestion) error
	GetQuestions(ctx context.Context, tx *gorm.DB, examID uint) ([]*models.ExamQuestion, error)
}

// AttemptRepository is the attempt store. The two operations that carry the
// engine's safety guarantees are CreateIfAbsent and FinalizeIfInProgress;
// both are single atomic statements, correct across replicas.
type AttemptRepository interface {
	// CreateIfAbsent inserts the attempt unless a row for the same
	// (exam_id, examinee_id) already exists. It reports whether this call
	// created the row; when it did not, the caller refetches the winner.
	CreateIfAbsent(ctx context.Context, tx *gorm.DB, attempt *models.ExamAttempt) (bool, error)

	GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.ExamAttempt, error)
	GetByIDWithAnswers(ctx context.Context, tx *gorm.DB, id uint) (*models.ExamAttempt, error)
	GetByExamAndExaminee(ctx context.Context, tx *gorm.DB, examID uint, examineeID string) (*models.ExamAttempt, error)

	// FinalizeIfInProgress moves the attempt into a terminal status with a
	// conditioned update; it reports whether this call won the transition.
	// A false return with no error means another path got there first.
	FinalizeIfInProgress(ctx context.Context, tx *gorm.DB, id uint, status models.AttemptStatus, finalizedAt time.Time) (bool, error)

	// ListExpiredInProgress returns ids of in-progress attempts whose
	// deadline has passed, for the background sweep.
	ListExpiredInProgress(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]uint, error)

	List(ctx context.Context, tx *gorm.DB, filters AttemptFilters) ([]*models.ExamAttempt, int64, error)
	GetByExam(ctx context.Context, tx *gorm.DB, examID uint, filters AttemptFilters) ([]*models.ExamAttempt, int64, error)
	GetStats(ctx context.Context, tx *gorm.DB, examID uint) (*AttemptStats, error)

	// Delete removes an attempt and its answers. Only the administrative
	// reset path may call this; the lifecycle itself never deletes.
	Delete(ctx context.Context, tx *gorm.DB, id uint) error
}

// AnswerRepository is the answer journal keyed on (attempt_id, question_id).
type AnswerRepository interface {
	// Upsert writes the answer last-write-wins: an existing row is only
	// overwritten when its saved_at is not newer than the incoming one.
	Upsert(ctx context.Context, tx *gorm.DB, answer *models.EssayAnswer) error

	GetByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) ([]*models.EssayAnswer, error)
	GetByAttemptAndQuestion(ctx context.Context, tx *gorm.DB, attemptID, questionID uint) (*models.EssayAnswer, error)

	// BackfillMissing inserts one empty row per given question that has no
	// row yet, leaving existing rows untouched.
	BackfillMissing(ctx context.Context, tx *gorm.DB, attemptID uint, questionIDs []uint, savedAt time.Time) error

	// ApplyMarks overwrites the grading columns for one answer row.
	ApplyMarks(ctx context.Context, tx *gorm.DB, attemptID, questionID uint, marks float64, feedback *string, graderID string, gradedAt time.Time) error

	// SumMarks recomputes the attempt total from the table.
	SumMarks(ctx context.Context, tx *gorm.DB, attemptID uint) (float64, error)
}

// IsNotFoundError reports whether err is the storage layer's record-not-found.
func IsNotFoundError(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
