package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/examstack/exam-lifecycle-service/internal/cache"
	"github.com/examstack/exam-lifecycle-service/internal/models"
	"github.com/examstack/exam-lifecycle-service/internal/repositories"
)

type AnswerPostgreSQL struct {
	db           *gorm.DB
	cacheManager *cache.CacheManager
}

func NewAnswerPostgreSQL(db *gorm.DB, redisClient *redis.Client) repositories.AnswerRepository {
	return &AnswerPostgreSQL{
		db:           db,
		cacheManager: cache.NewCacheManager(redisClient),
	}
}

// Upsert writes the answer keyed on (attempt_id, question_id). The DO UPDATE
// is conditioned on saved_at so that of two concurrent saves the later one
// wins regardless of arrival order at the database.
func (a *AnswerPostgreSQL) Upsert(ctx context.Context, tx *gorm.DB, answer *models.EssayAnswer) error {
	db := a.getDB(tx)
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "attempt_id"}, {Name: "question_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"response_text": answer.ResponseText,
				"saved_at":      answer.SavedAt,
				"updated_at":    answer.SavedAt,
			}),
			Where: clause.Where{
				Exprs: []clause.Expression{
					clause.Expr{SQL: "essay_answers.saved_at <= excluded.saved_at"},
				},
			},
		}).
		Create(answer).Error
	if err != nil {
		return fmt.Errorf("failed to upsert answer: %w", err)
	}
	return nil
}

func (a *AnswerPostgreSQL) GetByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) ([]*models.EssayAnswer, error) {
	db := a.getDB(tx)
	var answers []*models.EssayAnswer
	if err := db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		Order("question_id ASC").
		Find(&answers).Error; err != nil {
		return nil, fmt.Errorf("failed to get answers by attempt: %w", err)
	}
	return answers, nil
}

func (a *AnswerPostgreSQL) GetByAttemptAndQuestion(ctx context.Context, tx *gorm.DB, attemptID, questionID uint) (*models.EssayAnswer, error) {
	db := a.getDB(tx)
	var answer models.EssayAnswer
	if err := db.WithContext(ctx).
		Where("attempt_id = ? AND question_id = ?", attemptID, questionID).
		First(&answer).Error; err != nil {
		return nil, err
	}
	return &answer, nil
}

// BackfillMissing inserts one empty row per question that has no row yet.
// DO NOTHING keeps already-saved answers untouched, so backfill is safe to
// run concurrently with late answer saves and with itself.
func (a *AnswerPostgreSQL) BackfillMissing(ctx context.Context, tx *gorm.DB, attemptID uint, questionIDs []uint, savedAt time.Time) error {
	if len(questionIDs) == 0 {
		return nil
	}

	db := a.getDB(tx)
	rows := make([]*models.EssayAnswer, len(questionIDs))
	for i, questionID := range questionIDs {
		rows[i] = &models.EssayAnswer{
			AttemptID:  attemptID,
			QuestionID: questionID,
			SavedAt:    savedAt,
		}
	}

	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "attempt_id"}, {Name: "question_id"}},
			DoNothing: true,
		}).
		Create(rows).Error
	if err != nil {
		return fmt.Errorf("failed to backfill answers: %w", err)
	}
	return nil
}

func (a *AnswerPostgreSQL) ApplyMarks(ctx context.Context, tx *gorm.DB, attemptID, questionID uint, marks float64, feedback *string, graderID string, gradedAt time.Time) error {
	db := a.getDB(tx)
	result := db.WithContext(ctx).
		Model(&models.EssayAnswer{}).
		Where("attempt_id = ? AND question_id = ?", attemptID, questionID).
		Updates(map[string]interface{}{
			"marks_awarded":   marks,
			"grader_feedback": feedback,
			"graded_by":       graderID,
			"graded_at":       gradedAt,
			"updated_at":      gradedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to apply marks: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (a *AnswerPostgreSQL) SumMarks(ctx context.Context, tx *gorm.DB, attemptID uint) (float64, error) {
	db := a.getDB(tx)
	var total *float64
	if err := db.WithContext(ctx).
		Model(&models.EssayAnswer{}).
		Select("SUM(marks_awarded)").
		Where("attempt_id = ?", attemptID).
		Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("failed to sum marks: %w", err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

func (a *AnswerPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return a.db
}
