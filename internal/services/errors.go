package services

import (
	"errors"
	"fmt"

	"github.com/examstack/exam-lifecycle-service/internal/validator"
)

// ===== SENTINEL ERRORS =====

var (
	ErrExamNotFound        = errors.New("exam not found")
	ErrExamNotActive       = errors.New("exam is not active")
	ErrAttemptNotFound     = errors.New("attempt not found")
	ErrAttemptNotFinalized = errors.New("attempt is not finalized yet")
	ErrQuestionNotInExam   = errors.New("question does not belong to exam")
	ErrNoQuestions         = errors.New("exam has no questions")
)

// ===== TYPED ERRORS =====

// Re-export validator types so callers match on one package
type ValidationError = validator.ValidationError
type ValidationErrors = validator.ValidationErrors

// MarksOutOfRangeError reports a grading score outside [0, max_marks]
type MarksOutOfRangeError struct {
	QuestionID uint    `json:"question_id"`
	Marks      float64 `json:"marks"`
	MaxMarks   float64 `json:"max_marks"`
}

func (e *MarksOutOfRangeError) Error() string {
	return fmt.Sprintf("marks %.2f for question %d out of range [0, %.2f]",
		e.Marks, e.QuestionID, e.MaxMarks)
}

func NewMarksOutOfRangeError(questionID uint, marks, maxMarks float64) *MarksOutOfRangeError {
	return &MarksOutOfRangeError{
		QuestionID: questionID,
		Marks:      marks,
		MaxMarks:   maxMarks,
	}
}

// PermissionError reports a denied operation on a resource
type PermissionError struct {
	UserID     string `json:"user_id"`
	ResourceID uint   `json:"resource_id"`
	Resource   string `json:"resource"`
	Action     string `json:"action"`
	Reason     string `json:"reason"`
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: user %s cannot %s %s %d: %s",
		e.UserID, e.Action, e.Resource, e.ResourceID, e.Reason)
}

func NewPermissionError(userID string, resourceID uint, resource, action, reason string) *PermissionError {
	return &PermissionError{
		UserID:     userID,
		ResourceID: resourceID,
		Resource:   resource,
		Action:     action,
		Reason:     reason,
	}
}

// BusinessRuleError reports a violated domain rule
type BusinessRuleError struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("business rule violation (%s): %s", e.Rule, e.Message)
}

func NewBusinessRuleError(rule, message string) *BusinessRuleError {
	return &BusinessRuleError{Rule: rule, Message: message}
}
