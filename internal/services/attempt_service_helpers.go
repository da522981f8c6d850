package services

import (
	"context"
	"fmt"
	"time"

	"github.com/examstack/exam-lifecycle-service/internal/events"
	"github.com/examstack/exam-lifecycle-service/internal/models"
	"github.com/examstack/exam-lifecycle-service/internal/repositories"
)

// ===== LOADING AND OWNERSHIP =====

func (s *attemptService) loadOwnedAttempt(ctx context.Context, attemptID uint, examineeID, action string) (*models.ExamAttempt, *models.Exam, error) {
	attempt, err := s.repo.Attempt().GetByID(ctx, s.db, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, nil, ErrAttemptNotFound
		}
		return nil, nil, fmt.Errorf("failed to get attempt: %w", err)
	}

	if attempt.ExamineeID != examineeID {
		return nil, nil, NewPermissionError(examineeID, attemptID, "attempt", action, "not owned by examinee")
	}

	exam, err := s.repo.Exam().GetByID(ctx, s.db, attempt.ExamID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get exam: %w", err)
	}

	return attempt, exam, nil
}

func (s *attemptService) requireQuestionInExam(ctx context.Context, examID, questionID uint) error {
	questions, err := s.repo.Exam().GetQuestions(ctx, s.db, examID)
	if err != nil {
		return fmt.Errorf("failed to get exam questions: %w", err)
	}

	for _, q := range questions {
		if q.ID == questionID {
			return nil
		}
	}
	return ErrQuestionNotInExam
}

// ===== EXPIRY =====

// expireIfPastDeadline converges a stale in-progress attempt: any read that
// observes the deadline passed finalizes the attempt as timed out before
// answering. The caller always gets back fresh state.
func (s *attemptService) expireIfPastDeadline(ctx context.Context, attempt *models.ExamAttempt, exam *models.Exam) (*models.ExamAttempt, error) {
	if attempt.Terminal() {
		return attempt, nil
	}

	now := s.clock.Now()
	if now.Before(exam.Deadline(attempt.StartedAt)) {
		return attempt, nil
	}

	won, err := s.finalize(ctx, attempt, exam, models.AttemptTimedOut, now, nil)
	if err != nil {
		return nil, err
	}

	final, err := s.repo.Attempt().GetByIDWithAnswers(ctx, s.db, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload expired attempt: %w", err)
	}

	if won {
		s.logger.Info("Attempt lazily expired on access",
			"attempt_id", final.ID,
			"status", final.Status)
		s.publishFinalized(ctx, final)
	}

	return final, nil
}

func (s *attemptService) remainingSeconds(attempt *models.ExamAttempt, exam *models.Exam) int {
	if attempt.Terminal() {
		return 0
	}
	remaining := int(exam.Deadline(attempt.StartedAt).Sub(s.clock.Now()).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ===== FINALIZATION =====

// finalize runs the terminal transition inside one transaction: flush the
// answers carried on the request, backfill one row per question that never
// got an answer, then flip the status with the conditioned update. The
// answer writes are safe to repeat because both are conflict-guarded, so a
// lost finalize race costs nothing beyond the failed status flip.
func (s *attemptService) finalize(ctx context.Context, attempt *models.ExamAttempt, exam *models.Exam, status models.AttemptStatus, now time.Time, answers []RecordAnswerRequest) (bool, error) {
	questions, err := s.repo.Exam().GetQuestions(ctx, s.db, exam.ID)
	if err != nil {
		return false, fmt.Errorf("failed to get exam questions: %w", err)
	}

	questionIDs := make([]uint, 0, len(questions))
	known := make(map[uint]bool, len(questions))
	for _, q := range questions {
		questionIDs = append(questionIDs, q.ID)
		known[q.ID] = true
	}

	var won bool
	err = s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		for _, a := range answers {
			if !known[a.QuestionID] {
				return ErrQuestionNotInExam
			}
			answer := &models.EssayAnswer{
				AttemptID:    attempt.ID,
				QuestionID:   a.QuestionID,
				ResponseText: a.ResponseText,
				SavedAt:      now,
			}
			if err := txRepo.Answer().Upsert(ctx, nil, answer); err != nil {
				return fmt.Errorf("failed to flush answer: %w", err)
			}
		}

		if err := txRepo.Answer().BackfillMissing(ctx, nil, attempt.ID, questionIDs, now); err != nil {
			return fmt.Errorf("failed to backfill answers: %w", err)
		}

		var err error
		won, err = txRepo.Attempt().FinalizeIfInProgress(ctx, nil, attempt.ID, status, now)
		if err != nil {
			return fmt.Errorf("failed to finalize attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	return won, nil
}

// ===== RESPONSES AND EVENTS =====

func (s *attemptService) toAttemptResponse(attempt *models.ExamAttempt, exam *models.Exam) *AttemptResponse {
	return &AttemptResponse{
		ExamAttempt:      attempt,
		RemainingSeconds: s.remainingSeconds(attempt, exam),
		CanSubmit:        !attempt.Terminal(),
	}
}

func (s *attemptService) toAttemptListResponse(attempts []*models.ExamAttempt, total int64, filters repositories.AttemptFilters) *AttemptListResponse {
	page := 1
	if filters.Limit > 0 {
		page = filters.Offset/filters.Limit + 1
	}
	return &AttemptListResponse{
		Attempts: attempts,
		Total:    total,
		Page:     page,
		Size:     filters.Limit,
	}
}

func (s *attemptService) publishEvent(ctx context.Context, topic string, event *events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, topic, event); err != nil {
		// Event delivery is best-effort; the lifecycle state is already
		// durable in the database.
		s.logger.Error("Failed to publish event",
			"topic", topic,
			"event_type", event.Type,
			"error", err)
	}
}

func (s *attemptService) publishFinalized(ctx context.Context, attempt *models.ExamAttempt) {
	finalizedAt := s.clock.Now()
	if attempt.FinalizedAt != nil {
		finalizedAt = *attempt.FinalizedAt
	}
	s.publishEvent(ctx, events.TopicAttemptFinalized,
		events.NewEvent(events.TopicAttemptFinalized, events.AttemptFinalizedEvent{
			AttemptID:   attempt.ID,
			ExamID:      attempt.ExamID,
			ExamineeID:  attempt.ExamineeID,
			Status:      string(attempt.Status),
			FinalizedAt: finalizedAt,
			AnswerCount: len(attempt.Answers),
		}))
}
