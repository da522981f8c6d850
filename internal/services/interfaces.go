package services

import (
	"context"
	"time"

	"gorm.io/datatypes"

	"github.com/examstack/exam-lifecycle-service/internal/models"
	"github.com/examstack/exam-lifecycle-service/internal/repositories"
)

// ===== EXAM DTOs =====

type CreateExamRequest struct {
	Title           string `json:"title" validate:"required,min=3,max=255"`
	DurationSeconds int    `json:"duration_seconds" validate:"required,exam_duration"`
}

type AddQuestionRequest struct {
	QuestionText string `json:"question_text" validate:"required,min=1,max=10000"`
	MaxMarks     int    `json:"max_marks" validate:"required,question_max_marks"`
	Position     int    `json:"position" validate:"min=0"`
}

type ExamResponse struct {
	*models.Exam
	QuestionCount int `json:"question_count"`
}

type ExamListResponse struct {
	Exams []*ExamResponse `json:"exams"`
	Total int64           `json:"total"`
	Page  int             `json:"page"`
	Size  int             `json:"size"`
}

// ===== ATTEMPT DTOs =====

type StartAttemptRequest struct {
	ExamID      uint           `json:"exam_id" validate:"required"`
	SessionData datatypes.JSON `json:"session_data,omitempty"`
}

type RecordAnswerRequest struct {
	QuestionID   uint    `json:"question_id" validate:"required"`
	ResponseText *string `json:"response_text"`
}

type SubmitAttemptRequest struct {
	AttemptID uint                  `json:"attempt_id" validate:"required"`
	Answers   []RecordAnswerRequest `json:"answers" validate:"omitempty,dive"`
}

// AttemptResponse carries the attempt plus lifecycle context. When the
// examinee already holds a prior attempt for the exam, AlreadyAttempted is
// set and the prior attempt is returned unchanged.
type AttemptResponse struct {
	*models.ExamAttempt
	AlreadyAttempted bool `json:"already_attempted"`
	RemainingSeconds int  `json:"remaining_seconds"`
	CanSubmit        bool `json:"can_submit"`
}

type AttemptListResponse struct {
	Attempts []*models.ExamAttempt `json:"attempts"`
	Total    int64                 `json:"total"`
	Page     int                   `json:"page"`
	Size     int                   `json:"size"`
}

type TimeRemainingResponse struct {
	AttemptID        uint                 `json:"attempt_id"`
	Status           models.AttemptStatus `json:"status"`
	RemainingSeconds int                  `json:"remaining_seconds"`
	Deadline         time.Time            `json:"deadline"`
}

// ===== GRADING DTOs =====

type QuestionScore struct {
	QuestionID uint    `json:"question_id" validate:"required"`
	Marks      float64 `json:"marks" validate:"min=0"`
	Feedback   *string `json:"feedback" validate:"omitempty,max=5000"`
}

type GradeAttemptRequest struct {
	AttemptID uint            `json:"attempt_id" validate:"required"`
	Scores    []QuestionScore `json:"scores" validate:"required,min=1,dive"`
}

type GradeResultResponse struct {
	AttemptID   uint                  `json:"attempt_id"`
	ExamID      uint                  `json:"exam_id"`
	ExamineeID  string                `json:"examinee_id"`
	Status      models.AttemptStatus  `json:"status"`
	TotalMarks  float64               `json:"total_marks"`
	MaxTotal    float64               `json:"max_total"`
	GradedBy    *string               `json:"graded_by,omitempty"`
	GradedAt    *time.Time            `json:"graded_at,omitempty"`
	FinalizedAt *time.Time            `json:"finalized_at,omitempty"`
	Answers     []*models.EssayAnswer `json:"answers"`
}

// ===== SERVICE INTERFACES =====

type ExamService interface {
	Create(ctx context.Context, req *CreateExamRequest, creatorID string) (*ExamResponse, error)
	GetByID(ctx context.Context, id uint) (*ExamResponse, error)
	List(ctx context.Context, filters repositories.ExamFilters) (*ExamListResponse, error)
	Activate(ctx context.Context, id uint, userID string) error
	AddQuestion(ctx context.Context, examID uint, req *AddQuestionRequest, userID string) (*models.ExamQuestion, error)
	ListQuestions(ctx context.Context, examID uint) ([]*models.ExamQuestion, error)
}

type AttemptService interface {
	Start(ctx context.Context, req *StartAttemptRequest, examineeID string) (*AttemptResponse, error)
	GetByID(ctx context.Context, attemptID uint, examineeID string) (*AttemptResponse, error)
	RecordAnswer(ctx context.Context, attemptID uint, req *RecordAnswerRequest, examineeID string) error
	Submit(ctx context.Context, req *SubmitAttemptRequest, examineeID string) (*AttemptResponse, error)
	Timeout(ctx context.Context, attemptID uint, examineeID string) (*AttemptResponse, error)
	HandleTimeout(ctx context.Context, attemptID uint) error
	GetTimeRemaining(ctx context.Context, attemptID uint, examineeID string) (*TimeRemainingResponse, error)
	ResetAttempt(ctx context.Context, examID uint, examineeID string, adminID string) error

	ListAttempts(ctx context.Context, filters repositories.AttemptFilters) (*AttemptListResponse, error)
	ListByExam(ctx context.Context, examID uint, filters repositories.AttemptFilters) (*AttemptListResponse, error)
	GetExamStats(ctx context.Context, examID uint) (*repositories.AttemptStats, error)
}

type GradingService interface {
	ApplyMarks(ctx context.Context, req *GradeAttemptRequest, graderID string) (*GradeResultResponse, error)
	GetResult(ctx context.Context, attemptID uint) (*GradeResultResponse, error)
}

// ServiceManager wires and owns all service instances plus the background
// expiry sweep.
type ServiceManager interface {
	Exam() ExamService
	Attempt() AttemptService
	Grading() GradingService

	Initialize(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
