package services

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/examstack/exam-lifecycle-service/internal/models"
	"github.com/examstack/exam-lifecycle-service/internal/repositories"
	"github.com/examstack/exam-lifecycle-service/internal/validator"
)

type examService struct {
	repo      repositories.Repository
	db        *gorm.DB
	logger    *slog.Logger
	validator *validator.Validator
}

func NewExamService(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, validator *validator.Validator) ExamService {
	return &examService{
		repo:      repo,
		db:        db,
		logger:    logger,
		validator: validator,
	}
}

func (s *examService) Create(ctx context.Context, req *CreateExamRequest, creatorID string) (*ExamResponse, error) {
	s.logger.Info("Creating exam", "title", req.Title, "creator_id", creatorID)

	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	exam := &models.Exam{
		Title:           req.Title,
		DurationSeconds: req.DurationSeconds,
		Status:          models.ExamDraft,
		CreatedBy:       creatorID,
	}

	if err := s.repo.Exam().Create(ctx, s.db, exam); err != nil {
		return nil, fmt.Errorf("failed to create exam: %w", err)
	}

	s.logger.Info("Exam created", "exam_id", exam.ID)

	return &ExamResponse{Exam: exam}, nil
}

func (s *examService) GetByID(ctx context.Context, id uint) (*ExamResponse, error) {
	exam, err := s.repo.Exam().GetByIDWithQuestions(ctx, s.db, id)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("failed to get exam: %w", err)
	}

	return &ExamResponse{
		Exam:          exam,
		QuestionCount: len(exam.Questions),
	}, nil
}

func (s *examService) List(ctx context.Context, filters repositories.ExamFilters) (*ExamListResponse, error) {
	exams, total, err := s.repo.Exam().List(ctx, s.db, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list exams: %w", err)
	}

	responses := make([]*ExamResponse, 0, len(exams))
	for _, exam := range exams {
		responses = append(responses, &ExamResponse{
			Exam:          exam,
			QuestionCount: len(exam.Questions),
		})
	}

	page := 1
	size := filters.Limit
	if size > 0 {
		page = filters.Offset/size + 1
	}

	return &ExamListResponse{
		Exams: responses,
		Total: total,
		Page:  page,
		Size:  size,
	}, nil
}

// Activate moves a draft exam to active. Attempts can only start against
// active exams, and an active exam's questions are frozen.
func (s *examService) Activate(ctx context.Context, id uint, userID string) error {
	exam, err := s.repo.Exam().GetByIDWithQuestions(ctx, s.db, id)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrExamNotFound
		}
		return fmt.Errorf("failed to get exam: %w", err)
	}

	if exam.CreatedBy != userID {
		return NewPermissionError(userID, id, "exam", "activate", "not owner")
	}

	if exam.Status == models.ExamActive {
		return nil
	}
	if exam.Status == models.ExamArchived {
		return NewBusinessRuleError("exam_archived", "archived exams cannot be reactivated")
	}
	if len(exam.Questions) == 0 {
		return ErrNoQuestions
	}

	if err := s.repo.Exam().UpdateStatus(ctx, s.db, id, models.ExamActive); err != nil {
		return fmt.Errorf("failed to activate exam: %w", err)
	}

	s.logger.Info("Exam activated", "exam_id", id, "user_id", userID)
	return nil
}

func (s *examService) AddQuestion(ctx context.Context, examID uint, req *AddQuestionRequest, userID string) (*models.ExamQuestion, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	exam, err := s.repo.Exam().GetByID(ctx, s.db, examID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("failed to get exam: %w", err)
	}

	if exam.CreatedBy != userID {
		return nil, NewPermissionError(userID, examID, "exam", "add_question", "not owner")
	}

	// The question set is immutable once attempts can exist
	if exam.Status != models.ExamDraft {
		return nil, NewBusinessRuleError("exam_not_draft", "questions can only be added to draft exams")
	}

	question := &models.ExamQuestion{
		ExamID:       examID,
		QuestionText: req.QuestionText,
		MaxMarks:     req.MaxMarks,
		Position:     req.Position,
	}

	if err := s.repo.Exam().AddQuestion(ctx, s.db, question); err != nil {
		return nil, fmt.Errorf("failed to add question: %w", err)
	}

	s.logger.Info("Question added to exam",
		"exam_id", examID,
		"question_id", question.ID)

	return question, nil
}

func (s *examService) ListQuestions(ctx context.Context, examID uint) ([]*models.ExamQuestion, error) {
	if _, err := s.repo.Exam().GetByID(ctx, s.db, examID); err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("failed to get exam: %w", err)
	}

	questions, err := s.repo.Exam().GetQuestions(ctx, s.db, examID)
	if err != nil {
		return nil, fmt.Errorf("failed to get questions: %w", err)
	}

	return questions, nil
}
