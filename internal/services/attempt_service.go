package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"gorm.io/gorm"

	"github.com/examstack/exam-lifecycle-service/internal/events"
	"github.com/examstack/exam-lifecycle-service/internal/models"
	"github.com/examstack/exam-lifecycle-service/internal/repositories"
	"github.com/examstack/exam-lifecycle-service/internal/validator"
)

type attemptService struct {
	repo      repositories.Repository
	db        *gorm.DB
	logger    *slog.Logger
	validator *validator.Validator
	clock     clock.Clock
	publisher events.EventPublisher
}

func NewAttemptService(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, validator *validator.Validator, clk clock.Clock, publisher events.EventPublisher) AttemptService {
	if clk == nil {
		clk = clock.New()
	}
	return &attemptService{
		repo:      repo,
		db:        db,
		logger:    logger,
		validator: validator,
		clock:     clk,
		publisher: publisher,
	}
}

// ===== CORE ATTEMPT OPERATIONS =====

// Start creates the examinee's one attempt for the exam, or returns the
// existing one. An in-progress prior attempt is resumed; a terminal prior
// attempt comes back with AlreadyAttempted set. The insert itself is the
// race arbiter, so concurrent starts converge on one row with no locking.
func (s *attemptService) Start(ctx context.Context, req *StartAttemptRequest, examineeID string) (*AttemptResponse, error) {
	s.logger.Info("Starting exam attempt",
		"exam_id", req.ExamID,
		"examinee_id", examineeID)

	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	exam, err := s.repo.Exam().GetByID(ctx, s.db, req.ExamID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("failed to get exam: %w", err)
	}

	if exam.Status != models.ExamActive {
		return nil, ErrExamNotActive
	}

	now := s.clock.Now()
	attempt := &models.ExamAttempt{
		ExamID:      req.ExamID,
		ExamineeID:  examineeID,
		Status:      models.AttemptInProgress,
		StartedAt:   now,
		SessionData: req.SessionData,
	}

	created, err := s.repo.Attempt().CreateIfAbsent(ctx, s.db, attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}

	if !created {
		// Another request (or a past session) holds the row. Fetch it and
		// report it as-is; the unique index guarantees there is exactly one.
		existing, err := s.repo.Attempt().GetByExamAndExaminee(ctx, s.db, req.ExamID, examineeID)
		if err != nil {
			return nil, fmt.Errorf("failed to load existing attempt: %w", err)
		}

		existing, err = s.expireIfPastDeadline(ctx, existing, exam)
		if err != nil {
			return nil, err
		}

		resp := s.toAttemptResponse(existing, exam)
		resp.AlreadyAttempted = existing.Terminal()
		if !resp.AlreadyAttempted {
			s.logger.Info("Resuming existing attempt", "attempt_id", existing.ID)
		}
		return resp, nil
	}

	s.logger.Info("Exam attempt started",
		"attempt_id", attempt.ID,
		"exam_id", req.ExamID,
		"examinee_id", examineeID)

	s.publishEvent(ctx, events.TopicAttemptStarted,
		events.NewEvent(events.TopicAttemptStarted, events.AttemptStartedEvent{
			AttemptID:  attempt.ID,
			ExamID:     attempt.ExamID,
			ExamineeID: attempt.ExamineeID,
			StartedAt:  attempt.StartedAt,
			Deadline:   exam.Deadline(attempt.StartedAt),
		}))

	return s.toAttemptResponse(attempt, exam), nil
}

func (s *attemptService) GetByID(ctx context.Context, attemptID uint, examineeID string) (*AttemptResponse, error) {
	attempt, exam, err := s.loadOwnedAttempt(ctx, attemptID, examineeID, "read")
	if err != nil {
		return nil, err
	}

	attempt, err = s.expireIfPastDeadline(ctx, attempt, exam)
	if err != nil {
		return nil, err
	}

	return s.toAttemptResponse(attempt, exam), nil
}

// RecordAnswer saves or overwrites one answer while the attempt is live.
// Writes against an already finalized attempt are silently dropped: the
// autosave loop on the client keeps firing past the deadline and those late
// writes must not fail loudly or mutate anything. An answer arriving after
// the deadline but before any expiry marking is different: the last-moment
// work still merges, and the expiry transition rides in the same
// transaction behind it.
func (s *attemptService) RecordAnswer(ctx context.Context, attemptID uint, req *RecordAnswerRequest, examineeID string) error {
	if err := s.validator.Validate(req); err != nil {
		return err
	}

	attempt, exam, err := s.loadOwnedAttempt(ctx, attemptID, examineeID, "record_answer")
	if err != nil {
		return err
	}

	if attempt.Terminal() {
		s.logger.Debug("Dropping answer write against finalized attempt",
			"attempt_id", attemptID,
			"question_id", req.QuestionID)
		return nil
	}

	if err := s.requireQuestionInExam(ctx, exam.ID, req.QuestionID); err != nil {
		return err
	}

	now := s.clock.Now()
	if !now.Before(exam.Deadline(attempt.StartedAt)) {
		won, err := s.finalize(ctx, attempt, exam, models.AttemptTimedOut, now, []RecordAnswerRequest{*req})
		if err != nil {
			return err
		}
		if won {
			final, err := s.repo.Attempt().GetByIDWithAnswers(ctx, s.db, attempt.ID)
			if err != nil {
				return fmt.Errorf("failed to reload expired attempt: %w", err)
			}
			s.logger.Info("Attempt expired on answer write",
				"attempt_id", final.ID,
				"question_id", req.QuestionID)
			s.publishFinalized(ctx, final)
		}
		return nil
	}

	answer := &models.EssayAnswer{
		AttemptID:    attemptID,
		QuestionID:   req.QuestionID,
		ResponseText: req.ResponseText,
		SavedAt:      now,
	}

	if err := s.repo.Answer().Upsert(ctx, s.db, answer); err != nil {
		return fmt.Errorf("failed to save answer: %w", err)
	}

	return nil
}

// Submit finalizes the attempt as submitted. It flushes the answers carried
// on the request, backfills an empty row for every unanswered question, then
// runs the conditioned status transition. Exactly one caller wins that
// transition; a loser reloads and returns whatever state won.
func (s *attemptService) Submit(ctx context.Context, req *SubmitAttemptRequest, examineeID string) (*AttemptResponse, error) {
	s.logger.Info("Submitting exam attempt",
		"attempt_id", req.AttemptID,
		"examinee_id", examineeID,
		"answers_count", len(req.Answers))

	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	attempt, exam, err := s.loadOwnedAttempt(ctx, req.AttemptID, examineeID, "submit")
	if err != nil {
		return nil, err
	}

	if attempt.Terminal() {
		// Idempotent: re-submitting a finalized attempt returns it unchanged.
		resp := s.toAttemptResponse(attempt, exam)
		resp.AlreadyAttempted = true
		return resp, nil
	}

	now := s.clock.Now()
	status := models.AttemptSubmitted
	if now.After(exam.Deadline(attempt.StartedAt)) {
		// The client beat the sweeper but not the clock.
		status = models.AttemptTimedOut
	}

	won, err := s.finalize(ctx, attempt, exam, status, now, req.Answers)
	if err != nil {
		return nil, err
	}

	final, err := s.repo.Attempt().GetByIDWithAnswers(ctx, s.db, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload finalized attempt: %w", err)
	}

	if won {
		s.logger.Info("Exam attempt finalized",
			"attempt_id", final.ID,
			"status", final.Status)
		s.publishFinalized(ctx, final)
	} else {
		s.logger.Info("Submit lost finalize race, returning winner state",
			"attempt_id", final.ID,
			"status", final.Status)
	}

	return s.toAttemptResponse(final, exam), nil
}

// Timeout is the examinee-facing expiry report, fired when the client
// countdown reaches zero. It converges through the same path as any read:
// past the deadline the attempt finalizes as timed out, before it nothing
// changes. Repeat calls are harmless.
func (s *attemptService) Timeout(ctx context.Context, attemptID uint, examineeID string) (*AttemptResponse, error) {
	attempt, exam, err := s.loadOwnedAttempt(ctx, attemptID, examineeID, "timeout")
	if err != nil {
		return nil, err
	}

	attempt, err = s.expireIfPastDeadline(ctx, attempt, exam)
	if err != nil {
		return nil, err
	}

	return s.toAttemptResponse(attempt, exam), nil
}

// HandleTimeout finalizes an attempt as timed out once its deadline has
// passed. Before the deadline, or on an already-terminal attempt, it is a
// no-op. Both the sweeper and the lazy-expiry paths funnel through here.
func (s *attemptService) HandleTimeout(ctx context.Context, attemptID uint) error {
	attempt, err := s.repo.Attempt().GetByID(ctx, s.db, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrAttemptNotFound
		}
		return fmt.Errorf("failed to get attempt: %w", err)
	}

	if attempt.Terminal() {
		return nil
	}

	exam, err := s.repo.Exam().GetByID(ctx, s.db, attempt.ExamID)
	if err != nil {
		return fmt.Errorf("failed to get exam: %w", err)
	}

	now := s.clock.Now()
	if now.Before(exam.Deadline(attempt.StartedAt)) {
		return nil
	}

	won, err := s.finalize(ctx, attempt, exam, models.AttemptTimedOut, now, nil)
	if err != nil {
		return err
	}

	if won {
		s.logger.Info("Exam attempt timed out",
			"attempt_id", attempt.ID,
			"exam_id", attempt.ExamID)

		final, err := s.repo.Attempt().GetByIDWithAnswers(ctx, s.db, attempt.ID)
		if err != nil {
			return fmt.Errorf("failed to reload timed out attempt: %w", err)
		}
		s.publishFinalized(ctx, final)
	}

	return nil
}

func (s *attemptService) GetTimeRemaining(ctx context.Context, attemptID uint, examineeID string) (*TimeRemainingResponse, error) {
	attempt, exam, err := s.loadOwnedAttempt(ctx, attemptID, examineeID, "time_remaining")
	if err != nil {
		return nil, err
	}

	attempt, err = s.expireIfPastDeadline(ctx, attempt, exam)
	if err != nil {
		return nil, err
	}

	return &TimeRemainingResponse{
		AttemptID:        attempt.ID,
		Status:           attempt.Status,
		RemainingSeconds: s.remainingSeconds(attempt, exam),
		Deadline:         exam.Deadline(attempt.StartedAt),
	}, nil
}

// ResetAttempt deletes an examinee's attempt so they can retake the exam.
// Administrative escape hatch only.
func (s *attemptService) ResetAttempt(ctx context.Context, examID uint, examineeID string, adminID string) error {
	attempt, err := s.repo.Attempt().GetByExamAndExaminee(ctx, s.db, examID, examineeID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrAttemptNotFound
		}
		return fmt.Errorf("failed to get attempt: %w", err)
	}

	if err := s.repo.Attempt().Delete(ctx, s.db, attempt.ID); err != nil {
		return fmt.Errorf("failed to delete attempt: %w", err)
	}

	s.logger.Warn("Exam attempt reset by admin",
		"attempt_id", attempt.ID,
		"exam_id", examID,
		"examinee_id", examineeID,
		"admin_id", adminID)

	return nil
}

// ===== ADMINISTRATIVE REPORTING =====

func (s *attemptService) ListAttempts(ctx context.Context, filters repositories.AttemptFilters) (*AttemptListResponse, error) {
	attempts, total, err := s.repo.Attempt().List(ctx, s.db, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return s.toAttemptListResponse(attempts, total, filters), nil
}

func (s *attemptService) ListByExam(ctx context.Context, examID uint, filters repositories.AttemptFilters) (*AttemptListResponse, error) {
	if _, err := s.repo.Exam().GetByID(ctx, s.db, examID); err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("failed to get exam: %w", err)
	}

	attempts, total, err := s.repo.Attempt().GetByExam(ctx, s.db, examID, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list exam attempts: %w", err)
	}
	return s.toAttemptListResponse(attempts, total, filters), nil
}

func (s *attemptService) GetExamStats(ctx context.Context, examID uint) (*repositories.AttemptStats, error) {
	if _, err := s.repo.Exam().GetByID(ctx, s.db, examID); err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("failed to get exam: %w", err)
	}

	stats, err := s.repo.Attempt().GetStats(ctx, s.db, examID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt stats: %w", err)
	}
	return stats, nil
}
