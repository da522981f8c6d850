package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/examstack/exam-lifecycle-service/internal/models"
	"github.com/examstack/exam-lifecycle-service/internal/repositories"
)

// mockRepository is an in-memory Repository for service tests. The mutex
// makes CreateIfAbsent, FinalizeIfInProgress and Upsert atomic the same way
// the database statements are, so race-sensitive tests exercise the real
// decision points.
type mockRepository struct {
	mu sync.Mutex

	nextExamID     uint
	nextQuestionID uint
	nextAttemptID  uint
	nextAnswerID   uint

	exams     map[uint]*models.Exam
	questions map[uint][]*models.ExamQuestion
	attempts  map[uint]*models.ExamAttempt
	attemptBy map[string]uint                        // "examID/examineeID" -> attemptID
	answers   map[uint]map[uint]*models.EssayAnswer  // attemptID -> questionID -> answer
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		exams:     make(map[uint]*models.Exam),
		questions: make(map[uint][]*models.ExamQuestion),
		attempts:  make(map[uint]*models.ExamAttempt),
		attemptBy: make(map[string]uint),
		answers:   make(map[uint]map[uint]*models.EssayAnswer),
	}
}

func attemptKey(examID uint, examineeID string) string {
	return fmt.Sprintf("%d/%s", examID, examineeID)
}

func (m *mockRepository) Exam() repositories.ExamRepository       { return (*mockExamRepo)(m) }
func (m *mockRepository) Attempt() repositories.AttemptRepository { return (*mockAttemptRepo)(m) }
func (m *mockRepository) Answer() repositories.AnswerRepository   { return (*mockAnswerRepo)(m) }

func (m *mockRepository) WithTransaction(ctx context.Context, fn func(repositories.Repository) error) error {
	return fn(m)
}

func (m *mockRepository) Ping(ctx context.Context) error { return nil }
func (m *mockRepository) Close() error                   { return nil }

// seedExam registers an exam with questions and returns it
func (m *mockRepository) seedExam(status models.ExamStatus, durationSeconds int, questionCount int) *models.Exam {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextExamID++
	exam := &models.Exam{
		ID:              m.nextExamID,
		Title:           fmt.Sprintf("Exam %d", m.nextExamID),
		DurationSeconds: durationSeconds,
		Status:          status,
		CreatedBy:       "teacher-1",
	}
	m.exams[exam.ID] = exam

	for i := 0; i < questionCount; i++ {
		m.nextQuestionID++
		m.questions[exam.ID] = append(m.questions[exam.ID], &models.ExamQuestion{
			ID:           m.nextQuestionID,
			ExamID:       exam.ID,
			QuestionText: fmt.Sprintf("Question %d", i+1),
			MaxMarks:     10,
			Position:     i,
		})
	}

	return exam
}

func copyAttempt(a *models.ExamAttempt) *models.ExamAttempt {
	cp := *a
	if a.FinalizedAt != nil {
		t := *a.FinalizedAt
		cp.FinalizedAt = &t
	}
	return &cp
}

// ===== EXAM REPO =====

type mockExamRepo mockRepository

func (m *mockExamRepo) Create(ctx context.Context, tx *gorm.DB, exam *models.Exam) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextExamID++
	exam.ID = m.nextExamID
	exam.CreatedAt = time.Now()
	cp := *exam
	m.exams[exam.ID] = &cp
	return nil
}

func (m *mockExamRepo) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Exam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exam, ok := m.exams[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *exam
	return &cp, nil
}

func (m *mockExamRepo) GetByIDWithQuestions(ctx context.Context, tx *gorm.DB, id uint) (*models.Exam, error) {
	exam, err := m.GetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.questions[id] {
		exam.Questions = append(exam.Questions, *q)
	}
	return exam, nil
}

func (m *mockExamRepo) List(ctx context.Context, tx *gorm.DB, filters repositories.ExamFilters) ([]*models.Exam, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Exam
	for _, exam := range m.exams {
		if filters.Status != nil && exam.Status != *filters.Status {
			continue
		}
		cp := *exam
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

func (m *mockExamRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id uint, status models.ExamStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exam, ok := m.exams[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	exam.Status = status
	return nil
}

func (m *mockExamRepo) AddQuestion(ctx context.Context, tx *gorm.DB, question *models.ExamQuestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextQuestionID++
	question.ID = m.nextQuestionID
	cp := *question
	m.questions[question.ExamID] = append(m.questions[question.ExamID], &cp)
	return nil
}

func (m *mockExamRepo) GetQuestions(ctx context.Context, tx *gorm.DB, examID uint) ([]*models.ExamQuestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ExamQuestion
	for _, q := range m.questions[examID] {
		cp := *q
		out = append(out, &cp)
	}
	return out, nil
}

// ===== ATTEMPT REPO =====

type mockAttemptRepo mockRepository

func (m *mockAttemptRepo) CreateIfAbsent(ctx context.Context, tx *gorm.DB, attempt *models.ExamAttempt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := attemptKey(attempt.ExamID, attempt.ExamineeID)
	if _, exists := m.attemptBy[key]; exists {
		return false, nil
	}

	m.nextAttemptID++
	attempt.ID = m.nextAttemptID
	attempt.CreatedAt = time.Now()
	m.attempts[attempt.ID] = copyAttempt(attempt)
	m.attemptBy[key] = attempt.ID
	return true, nil
}

func (m *mockAttemptRepo) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.ExamAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt, ok := m.attempts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return copyAttempt(attempt), nil
}

func (m *mockAttemptRepo) GetByIDWithAnswers(ctx context.Context, tx *gorm.DB, id uint) (*models.ExamAttempt, error) {
	attempt, err := m.GetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.answers[id] {
		attempt.Answers = append(attempt.Answers, *a)
	}
	sort.Slice(attempt.Answers, func(i, j int) bool {
		return attempt.Answers[i].QuestionID < attempt.Answers[j].QuestionID
	})
	return attempt, nil
}

func (m *mockAttemptRepo) GetByExamAndExaminee(ctx context.Context, tx *gorm.DB, examID uint, examineeID string) (*models.ExamAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.attemptBy[attemptKey(examID, examineeID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return copyAttempt(m.attempts[id]), nil
}

func (m *mockAttemptRepo) FinalizeIfInProgress(ctx context.Context, tx *gorm.DB, id uint, status models.AttemptStatus, finalizedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt, ok := m.attempts[id]
	if !ok || attempt.Status != models.AttemptInProgress {
		return false, nil
	}

	attempt.Status = status
	t := finalizedAt
	attempt.FinalizedAt = &t
	attempt.IsFinal = true
	attempt.UpdatedAt = finalizedAt
	return true, nil
}

func (m *mockAttemptRepo) ListExpiredInProgress(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []uint
	for id, attempt := range m.attempts {
		if attempt.Status != models.AttemptInProgress {
			continue
		}
		exam, ok := m.exams[attempt.ExamID]
		if !ok {
			continue
		}
		if !exam.Deadline(attempt.StartedAt).After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *mockAttemptRepo) List(ctx context.Context, tx *gorm.DB, filters repositories.AttemptFilters) ([]*models.ExamAttempt, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ExamAttempt
	for _, attempt := range m.attempts {
		if filters.Status != nil && attempt.Status != *filters.Status {
			continue
		}
		if filters.ExamineeID != nil && attempt.ExamineeID != *filters.ExamineeID {
			continue
		}
		out = append(out, copyAttempt(attempt))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

func (m *mockAttemptRepo) GetByExam(ctx context.Context, tx *gorm.DB, examID uint, filters repositories.AttemptFilters) ([]*models.ExamAttempt, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ExamAttempt
	for _, attempt := range m.attempts {
		if attempt.ExamID != examID {
			continue
		}
		if filters.Status != nil && attempt.Status != *filters.Status {
			continue
		}
		if filters.ExamineeID != nil && attempt.ExamineeID != *filters.ExamineeID {
			continue
		}
		out = append(out, copyAttempt(attempt))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

func (m *mockAttemptRepo) GetStats(ctx context.Context, tx *gorm.DB, examID uint) (*repositories.AttemptStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &repositories.AttemptStats{
		StatusBreakdown: make(map[models.AttemptStatus]int),
	}
	for _, attempt := range m.attempts {
		if attempt.ExamID != examID {
			continue
		}
		stats.TotalAttempts++
		stats.StatusBreakdown[attempt.Status]++
	}
	return stats, nil
}

func (m *mockAttemptRepo) Delete(ctx context.Context, tx *gorm.DB, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt, ok := m.attempts[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	delete(m.attemptBy, attemptKey(attempt.ExamID, attempt.ExamineeID))
	delete(m.attempts, id)
	delete(m.answers, id)
	return nil
}

// ===== ANSWER REPO =====

type mockAnswerRepo mockRepository

func (m *mockAnswerRepo) Upsert(ctx context.Context, tx *gorm.DB, answer *models.EssayAnswer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byQuestion := m.answers[answer.AttemptID]
	if byQuestion == nil {
		byQuestion = make(map[uint]*models.EssayAnswer)
		m.answers[answer.AttemptID] = byQuestion
	}

	existing, ok := byQuestion[answer.QuestionID]
	if ok {
		// Last write wins on saved_at
		if existing.SavedAt.After(answer.SavedAt) {
			return nil
		}
		existing.ResponseText = answer.ResponseText
		existing.SavedAt = answer.SavedAt
		return nil
	}

	m.nextAnswerID++
	answer.ID = m.nextAnswerID
	cp := *answer
	byQuestion[answer.QuestionID] = &cp
	return nil
}

func (m *mockAnswerRepo) GetByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) ([]*models.EssayAnswer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.EssayAnswer
	for _, a := range m.answers[attemptID] {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out, nil
}

func (m *mockAnswerRepo) GetByAttemptAndQuestion(ctx context.Context, tx *gorm.DB, attemptID, questionID uint) (*models.EssayAnswer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.answers[attemptID][questionID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAnswerRepo) BackfillMissing(ctx context.Context, tx *gorm.DB, attemptID uint, questionIDs []uint, savedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byQuestion := m.answers[attemptID]
	if byQuestion == nil {
		byQuestion = make(map[uint]*models.EssayAnswer)
		m.answers[attemptID] = byQuestion
	}

	for _, qid := range questionIDs {
		if _, exists := byQuestion[qid]; exists {
			continue
		}
		m.nextAnswerID++
		byQuestion[qid] = &models.EssayAnswer{
			ID:         m.nextAnswerID,
			AttemptID:  attemptID,
			QuestionID: qid,
			SavedAt:    savedAt,
		}
	}
	return nil
}

func (m *mockAnswerRepo) ApplyMarks(ctx context.Context, tx *gorm.DB, attemptID, questionID uint, marks float64, feedback *string, graderID string, gradedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.answers[attemptID][questionID]
	if !ok {
		return gorm.ErrRecordNotFound
	}

	a.MarksAwarded = &marks
	a.GraderFeedback = feedback
	a.GradedBy = &graderID
	t := gradedAt
	a.GradedAt = &t
	return nil
}

func (m *mockAnswerRepo) SumMarks(ctx context.Context, tx *gorm.DB, attemptID uint) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total float64
	for _, a := range m.answers[attemptID] {
		if a.MarksAwarded != nil {
			total += *a.MarksAwarded
		}
	}
	return total, nil
}
