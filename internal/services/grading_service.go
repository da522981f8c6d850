package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"gorm.io/gorm"

	"github.com/examstack/exam-lifecycle-service/internal/events"
	"github.com/examstack/exam-lifecycle-service/internal/models"
	"github.com/examstack/exam-lifecycle-service/internal/repositories"
	"github.com/examstack/exam-lifecycle-service/internal/validator"
)

type gradingService struct {
	db        *gorm.DB
	repo      repositories.Repository
	logger    *slog.Logger
	validator *validator.Validator
	clock     clock.Clock
	publisher events.EventPublisher
}

func NewGradingService(db *gorm.DB, repo repositories.Repository, logger *slog.Logger, validator *validator.Validator, clk clock.Clock, publisher events.EventPublisher) GradingService {
	if clk == nil {
		clk = clock.New()
	}
	return &gradingService{
		db:        db,
		repo:      repo,
		logger:    logger,
		validator: validator,
		clock:     clk,
		publisher: publisher,
	}
}

// ===== MANUAL GRADING =====

// ApplyMarks records per-question scores for a finalized attempt. Every
// score is validated against its question's max marks before anything is
// written, so a bad batch leaves the attempt untouched. Regrading is
// allowed and overwrites the previous pass.
func (s *gradingService) ApplyMarks(ctx context.Context, req *GradeAttemptRequest, graderID string) (*GradeResultResponse, error) {
	s.logger.Info("Applying marks to attempt",
		"attempt_id", req.AttemptID,
		"scores_count", len(req.Scores),
		"grader_id", graderID)

	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	attempt, err := s.repo.Attempt().GetByID(ctx, s.db, req.AttemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}

	// Grading only touches frozen answer sets
	if !attempt.Terminal() {
		return nil, ErrAttemptNotFinalized
	}

	questions, err := s.repo.Exam().GetQuestions(ctx, s.db, attempt.ExamID)
	if err != nil {
		return nil, fmt.Errorf("failed to get exam questions: %w", err)
	}

	maxMarks := make(map[uint]float64, len(questions))
	for _, q := range questions {
		maxMarks[q.ID] = float64(q.MaxMarks)
	}

	// Validate the whole batch before the first write
	for _, score := range req.Scores {
		maxForQuestion, ok := maxMarks[score.QuestionID]
		if !ok {
			return nil, ErrQuestionNotInExam
		}
		if score.Marks < 0 || score.Marks > maxForQuestion {
			return nil, NewMarksOutOfRangeError(score.QuestionID, score.Marks, maxForQuestion)
		}
	}

	gradedAt := s.clock.Now()
	err = s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		for _, score := range req.Scores {
			if err := txRepo.Answer().ApplyMarks(ctx, nil, attempt.ID, score.QuestionID, score.Marks, score.Feedback, graderID, gradedAt); err != nil {
				return fmt.Errorf("failed to apply marks for question %d: %w", score.QuestionID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result, err := s.buildResult(ctx, attempt, questions)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Marks applied",
		"attempt_id", attempt.ID,
		"total_marks", result.TotalMarks,
		"grader_id", graderID)

	s.publishGraded(ctx, attempt, graderID, result.TotalMarks, gradedAt)

	return result, nil
}

// GetResult returns the grading state of a finalized attempt, including
// ungraded answers with nil marks.
func (s *gradingService) GetResult(ctx context.Context, attemptID uint) (*GradeResultResponse, error) {
	attempt, err := s.repo.Attempt().GetByID(ctx, s.db, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}

	if !attempt.Terminal() {
		return nil, ErrAttemptNotFinalized
	}

	questions, err := s.repo.Exam().GetQuestions(ctx, s.db, attempt.ExamID)
	if err != nil {
		return nil, fmt.Errorf("failed to get exam questions: %w", err)
	}

	return s.buildResult(ctx, attempt, questions)
}

// ===== HELPERS =====

func (s *gradingService) buildResult(ctx context.Context, attempt *models.ExamAttempt, questions []*models.ExamQuestion) (*GradeResultResponse, error) {
	answers, err := s.repo.Answer().GetByAttempt(ctx, s.db, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get answers: %w", err)
	}

	total, err := s.repo.Answer().SumMarks(ctx, s.db, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum marks: %w", err)
	}

	var maxTotal float64
	for _, q := range questions {
		maxTotal += float64(q.MaxMarks)
	}

	result := &GradeResultResponse{
		AttemptID:   attempt.ID,
		ExamID:      attempt.ExamID,
		ExamineeID:  attempt.ExamineeID,
		Status:      attempt.Status,
		TotalMarks:  total,
		MaxTotal:    maxTotal,
		FinalizedAt: attempt.FinalizedAt,
		Answers:     answers,
	}

	// Surface the most recent grading pass on the result header
	for _, a := range answers {
		if a.GradedAt == nil {
			continue
		}
		if result.GradedAt == nil || a.GradedAt.After(*result.GradedAt) {
			result.GradedAt = a.GradedAt
			result.GradedBy = a.GradedBy
		}
	}

	return result, nil
}

func (s *gradingService) publishGraded(ctx context.Context, attempt *models.ExamAttempt, graderID string, totalMarks float64, gradedAt time.Time) {
	if s.publisher == nil {
		return
	}
	event := events.NewEvent(events.TopicAttemptGraded, events.AttemptGradedEvent{
		AttemptID:  attempt.ID,
		ExamID:     attempt.ExamID,
		ExamineeID: attempt.ExamineeID,
		GraderID:   graderID,
		TotalMarks: totalMarks,
		GradedAt:   gradedAt,
	})
	if err := s.publisher.Publish(ctx, events.TopicAttemptGraded, event); err != nil {
		s.logger.Error("Failed to publish graded event",
			"attempt_id", attempt.ID,
			"error", err)
	}
}
