package postgres

import (
	"fmt"
	"time"

	"context"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/examstack/exam-lifecycle-service/internal/cache"
	"github.com/examstack/exam-lifecycle-service/internal/models"
	"github.com/examstack/exam-lifecycle-service/internal/repositories"
)

type AttemptPostgreSQL struct {
	db           *gorm.DB
	helpers      *SharedHelpers
	cacheManager *cache.CacheManager
}

func NewAttemptPostgreSQL(db *gorm.DB, redisClient *redis.Client) repositories.AttemptRepository {
	return &AttemptPostgreSQL{
		db:           db,
		helpers:      NewSharedHelpers(db),
		cacheManager: cache.NewCacheManager(redisClient),
	}
}

// CreateIfAbsent inserts the attempt, yielding to any existing row for the
// same (exam_id, examinee_id). ON CONFLICT DO NOTHING makes the insert and
// the uniqueness check one atomic statement, so two concurrent starts can
// never both create a row.
func (a *AttemptPostgreSQL) CreateIfAbsent(ctx context.Context, tx *gorm.DB, attempt *models.ExamAttempt) (bool, error) {
	db := a.getDB(tx)
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "exam_id"}, {Name: "examinee_id"}},
			DoNothing: true,
		}).
		Create(attempt)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create attempt: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (a *AttemptPostgreSQL) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.ExamAttempt, error) {
	db := a.getDB(tx)
	var attempt models.ExamAttempt
	if err := db.WithContext(ctx).First(&attempt, id).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) GetByIDWithAnswers(ctx context.Context, tx *gorm.DB, id uint) (*models.ExamAttempt, error) {
	db := a.getDB(tx)
	var attempt models.ExamAttempt
	if err := db.WithContext(ctx).
		Preload("Exam").
		Preload("Answers", func(db *gorm.DB) *gorm.DB {
			return db.Order("question_id ASC")
		}).
		First(&attempt, id).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) GetByExamAndExaminee(ctx context.Context, tx *gorm.DB, examID uint, examineeID string) (*models.ExamAttempt, error) {
	db := a.getDB(tx)
	var attempt models.ExamAttempt
	if err := db.WithContext(ctx).
		Where("exam_id = ? AND examinee_id = ?", examID, examineeID).
		First(&attempt).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

// FinalizeIfInProgress performs the single-winner terminal transition. The
// WHERE status = 'in_progress' condition is evaluated by the database
// together with the update, so of any number of racing finalizers exactly
// one sees RowsAffected == 1.
func (a *AttemptPostgreSQL) FinalizeIfInProgress(ctx context.Context, tx *gorm.DB, id uint, status models.AttemptStatus, finalizedAt time.Time) (bool, error) {
	db := a.getDB(tx)
	result := db.WithContext(ctx).
		Model(&models.ExamAttempt{}).
		Where("id = ? AND status = ?", id, models.AttemptInProgress).
		Updates(map[string]interface{}{
			"status":       status,
			"finalized_at": finalizedAt,
			"is_final":     true,
			"updated_at":   finalizedAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to finalize attempt: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		cache.SafeDelete(ctx, a.cacheManager.Fast, fmt.Sprintf("attempt:%d", id))
	}

	return result.RowsAffected > 0, nil
}

// ListExpiredInProgress finds in-progress attempts whose deadline has
// passed. The deadline is derived from the exam duration, never stored.
func (a *AttemptPostgreSQL) ListExpiredInProgress(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]uint, error) {
	db := a.getDB(tx)
	var ids []uint
	query := db.WithContext(ctx).
		Model(&models.ExamAttempt{}).
		Joins("JOIN exams ON exams.id = exam_attempts.exam_id").
		Where("exam_attempts.status = ?", models.AttemptInProgress).
		Where("exam_attempts.started_at + exams.duration_seconds * INTERVAL '1 second' <= ?", now).
		Order("exam_attempts.started_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Pluck("exam_attempts.id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list expired attempts: %w", err)
	}
	return ids, nil
}

func (a *AttemptPostgreSQL) List(ctx context.Context, tx *gorm.DB, filters repositories.AttemptFilters) ([]*models.ExamAttempt, int64, error) {
	db := a.getDB(tx)
	var attempts []*models.ExamAttempt
	var total int64

	// apply filter first
	query := db.WithContext(ctx).Model(&models.ExamAttempt{})
	query = a.helpers.ApplyAttemptFilters(query, filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// then apply pagination and sorting
	query = a.helpers.ApplyPaginationAndSort(query, filters.SortBy, filters.SortOrder, filters.Limit, filters.Offset)

	if err := query.Preload("Exam").Find(&attempts).Error; err != nil {
		return nil, 0, err
	}

	return attempts, total, nil
}

func (a *AttemptPostgreSQL) GetByExam(ctx context.Context, tx *gorm.DB, examID uint, filters repositories.AttemptFilters) ([]*models.ExamAttempt, int64, error) {
	db := a.getDB(tx)
	var attempts []*models.ExamAttempt
	var total int64

	query := db.WithContext(ctx).Model(&models.ExamAttempt{}).Where("exam_id = ?", examID)
	query = a.helpers.ApplyAttemptFilters(query, filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	query = a.helpers.ApplyPaginationAndSort(query, filters.SortBy, filters.SortOrder, filters.Limit, filters.Offset)

	if err := query.Find(&attempts).Error; err != nil {
		return nil, 0, err
	}

	return attempts, total, nil
}

func (a *AttemptPostgreSQL) GetStats(ctx context.Context, tx *gorm.DB, examID uint) (*repositories.AttemptStats, error) {
	db := a.getDB(tx)

	stats := &repositories.AttemptStats{
		StatusBreakdown: make(map[models.AttemptStatus]int),
	}

	var rows []struct {
		Status models.AttemptStatus
		Count  int
	}
	if err := db.WithContext(ctx).
		Model(&models.ExamAttempt{}).
		Select("status, COUNT(*) as count").
		Where("exam_id = ?", examID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get attempt stats: %w", err)
	}

	for _, row := range rows {
		stats.StatusBreakdown[row.Status] = row.Count
		stats.TotalAttempts += row.Count
	}

	var graded struct {
		Count int
		Avg   *float64
	}
	if err := db.WithContext(ctx).
		Model(&models.ExamAttempt{}).
		Select("COUNT(DISTINCT exam_attempts.id) as count, AVG(totals.total) as avg").
		Joins(`JOIN (
			SELECT attempt_id, SUM(marks_awarded) AS total
			FROM essay_answers
			WHERE marks_awarded IS NOT NULL
			GROUP BY attempt_id
		) totals ON totals.attempt_id = exam_attempts.id`).
		Where("exam_attempts.exam_id = ?", examID).
		Scan(&graded).Error; err != nil {
		return nil, fmt.Errorf("failed to get grading stats: %w", err)
	}

	stats.GradedAttempts = graded.Count
	if graded.Avg != nil {
		stats.AverageTotal = *graded.Avg
	}

	return stats, nil
}

func (a *AttemptPostgreSQL) Delete(ctx context.Context, tx *gorm.DB, id uint) error {
	db := a.getDB(tx)

	if err := db.WithContext(ctx).
		Where("attempt_id = ?", id).
		Delete(&models.EssayAnswer{}).Error; err != nil {
		return fmt.Errorf("failed to delete attempt answers: %w", err)
	}

	if err := db.WithContext(ctx).Delete(&models.ExamAttempt{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete attempt: %w", err)
	}

	cache.SafeDelete(ctx, a.cacheManager.Fast, fmt.Sprintf("attempt:%d", id))
	return nil
}

func (a *AttemptPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return a.db
}
