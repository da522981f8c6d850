package services

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"gorm.io/gorm"

	"github.com/examstack/exam-lifecycle-service/internal/events"
	"github.com/examstack/exam-lifecycle-service/internal/models"
	"github.com/examstack/exam-lifecycle-service/internal/repositories"
	"github.com/examstack/exam-lifecycle-service/internal/validator"
)

func TestNewAttemptService(t *testing.T) {
	type args struct {
		repo      repositories.Repository
		db        *gorm.DB
		logger    *slog.Logger
		validator *validator.Validator
	}
	tests := []struct {
		name string
		args args
		want AttemptService
	}{
		{name: "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			NewAttemptService(tt.args.repo, tt.args.db, slog.New(slog.NewTextHandler(os.Stdout, nil)), tt.args.validator, nil, nil)
		})
	}
}

type attemptFixture struct {
	repo      *mockRepository
	clock     *clock.Mock
	publisher *events.MockEventPublisher
	service   AttemptService
}

func newAttemptFixture(t *testing.T) *attemptFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	repo := newMockRepository()
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	publisher := events.NewMockEventPublisher(logger)

	return &attemptFixture{
		repo:      repo,
		clock:     mockClock,
		publisher: publisher,
		service:   NewAttemptService(repo, nil, logger, validator.New(), mockClock, publisher),
	}
}

func eventsOfType(publisher *events.MockEventPublisher, eventType string) []*events.Event {
	var out []*events.Event
	for _, e := range publisher.GetPublishedEvents() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestAttemptService_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("creates attempt for active exam", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 3600, 3)

		resp, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if resp.AlreadyAttempted {
			t.Error("fresh attempt should not be marked already attempted")
		}
		if resp.Status != models.AttemptInProgress {
			t.Errorf("expected in_progress, got %s", resp.Status)
		}
		if resp.RemainingSeconds != 3600 {
			t.Errorf("expected 3600 seconds remaining, got %d", resp.RemainingSeconds)
		}
		if got := eventsOfType(f.publisher, events.TopicAttemptStarted); len(got) != 1 {
			t.Errorf("expected 1 started event, got %d", len(got))
		}
	})

	t.Run("rejects inactive exam", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamDraft, 3600, 3)

		if _, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1"); !errors.Is(err, ErrExamNotActive) {
			t.Errorf("expected ErrExamNotActive, got %v", err)
		}
	})

	t.Run("rejects unknown exam", func(t *testing.T) {
		f := newAttemptFixture(t)

		if _, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: 999}, "student-1"); !errors.Is(err, ErrExamNotFound) {
			t.Errorf("expected ErrExamNotFound, got %v", err)
		}
	})

	t.Run("resumes in-progress attempt without new row", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 3600, 3)

		first, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")
		if err != nil {
			t.Fatalf("first Start failed: %v", err)
		}

		f.clock.Add(10 * time.Minute)

		second, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")
		if err != nil {
			t.Fatalf("second Start failed: %v", err)
		}
		if second.ID != first.ID {
			t.Errorf("expected same attempt %d, got %d", first.ID, second.ID)
		}
		if second.AlreadyAttempted {
			t.Error("resumed in-progress attempt should not be already_attempted")
		}
		if second.RemainingSeconds != 3000 {
			t.Errorf("expected 3000 seconds remaining after 10 minutes, got %d", second.RemainingSeconds)
		}
		if got := eventsOfType(f.publisher, events.TopicAttemptStarted); len(got) != 1 {
			t.Errorf("started event must fire only on creation, got %d", len(got))
		}
	})

	t.Run("terminal attempt reports already attempted", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 3600, 2)

		started, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if _, err := f.service.Submit(ctx, &SubmitAttemptRequest{AttemptID: started.ID}, "student-1"); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		resp, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")
		if err != nil {
			t.Fatalf("re-Start failed: %v", err)
		}
		if !resp.AlreadyAttempted {
			t.Error("expected already_attempted on terminal prior attempt")
		}
		if resp.CanSubmit {
			t.Error("terminal attempt must not be submittable")
		}
		if resp.ID != started.ID {
			t.Errorf("expected prior attempt %d, got %d", started.ID, resp.ID)
		}
	})

	t.Run("concurrent starts converge on one attempt", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 3600, 2)

		const workers = 16
		var wg sync.WaitGroup
		ids := make([]uint, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				resp, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")
				if err != nil {
					t.Errorf("Start %d failed: %v", n, err)
					return
				}
				ids[n] = resp.ID
			}(i)
		}
		wg.Wait()

		for i := 1; i < workers; i++ {
			if ids[i] != ids[0] {
				t.Fatalf("start %d produced attempt %d, want %d", i, ids[i], ids[0])
			}
		}
		if got := eventsOfType(f.publisher, events.TopicAttemptStarted); len(got) != 1 {
			t.Errorf("expected exactly 1 started event, got %d", len(got))
		}
	})

	t.Run("stale in-progress attempt expires on re-start", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 600, 2)

		started, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		f.clock.Add(11 * time.Minute)

		resp, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")
		if err != nil {
			t.Fatalf("re-Start failed: %v", err)
		}
		if resp.ID != started.ID {
			t.Errorf("expected attempt %d, got %d", started.ID, resp.ID)
		}
		if resp.Status != models.AttemptTimedOut {
			t.Errorf("expected timed_out after deadline, got %s", resp.Status)
		}
		if !resp.AlreadyAttempted {
			t.Error("expired attempt must report already_attempted")
		}
	})
}

func TestAttemptService_RecordAnswer(t *testing.T) {
	ctx := context.Background()
	text := func(s string) *string { return &s }

	t.Run("saves and overwrites answer", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 3600, 2)
		questions, _ := f.repo.Exam().GetQuestions(ctx, nil, exam.ID)

		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")

		if err := f.service.RecordAnswer(ctx, started.ID, &RecordAnswerRequest{
			QuestionID:   questions[0].ID,
			ResponseText: text("first draft"),
		}, "student-1"); err != nil {
			t.Fatalf("RecordAnswer failed: %v", err)
		}

		f.clock.Add(time.Minute)

		if err := f.service.RecordAnswer(ctx, started.ID, &RecordAnswerRequest{
			QuestionID:   questions[0].ID,
			ResponseText: text("second draft"),
		}, "student-1"); err != nil {
			t.Fatalf("overwrite failed: %v", err)
		}

		answer, err := f.repo.Answer().GetByAttemptAndQuestion(ctx, nil, started.ID, questions[0].ID)
		if err != nil {
			t.Fatalf("GetByAttemptAndQuestion failed: %v", err)
		}
		if answer.ResponseText == nil || *answer.ResponseText != "second draft" {
			t.Errorf("expected latest draft to win, got %v", answer.ResponseText)
		}
	})

	t.Run("rejects question from another exam", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 3600, 1)
		other := f.repo.seedExam(models.ExamActive, 3600, 1)
		otherQuestions, _ := f.repo.Exam().GetQuestions(ctx, nil, other.ID)

		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")

		err := f.service.RecordAnswer(ctx, started.ID, &RecordAnswerRequest{
			QuestionID:   otherQuestions[0].ID,
			ResponseText: text("stray"),
		}, "student-1")
		if !errors.Is(err, ErrQuestionNotInExam) {
			t.Errorf("expected ErrQuestionNotInExam, got %v", err)
		}
	})

	t.Run("write after finalization is a silent no-op", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 3600, 1)
		questions, _ := f.repo.Exam().GetQuestions(ctx, nil, exam.ID)

		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")
		if err := f.service.RecordAnswer(ctx, started.ID, &RecordAnswerRequest{
			QuestionID:   questions[0].ID,
			ResponseText: text("final answer"),
		}, "student-1"); err != nil {
			t.Fatalf("RecordAnswer failed: %v", err)
		}

		if _, err := f.service.Submit(ctx, &SubmitAttemptRequest{AttemptID: started.ID}, "student-1"); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		f.clock.Add(time.Minute)
		if err := f.service.RecordAnswer(ctx, started.ID, &RecordAnswerRequest{
			QuestionID:   questions[0].ID,
			ResponseText: text("late edit"),
		}, "student-1"); err != nil {
			t.Fatalf("late write must not error, got %v", err)
		}

		answer, _ := f.repo.Answer().GetByAttemptAndQuestion(ctx, nil, started.ID, questions[0].ID)
		if answer.ResponseText == nil || *answer.ResponseText != "final answer" {
			t.Errorf("late write must not mutate frozen answer, got %v", answer.ResponseText)
		}
	})

	t.Run("write just past deadline merges before the expiry lands", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 600, 1)
		questions, _ := f.repo.Exam().GetQuestions(ctx, nil, exam.ID)

		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")

		f.clock.Add(11 * time.Minute)
		if err := f.service.RecordAnswer(ctx, started.ID, &RecordAnswerRequest{
			QuestionID:   questions[0].ID,
			ResponseText: text("last-moment work"),
		}, "student-1"); err != nil {
			t.Fatalf("late write must not error, got %v", err)
		}

		attempt, _ := f.repo.Attempt().GetByID(ctx, nil, started.ID)
		if attempt.Status != models.AttemptTimedOut {
			t.Errorf("expected timed_out, got %s", attempt.Status)
		}

		answer, _ := f.repo.Answer().GetByAttemptAndQuestion(ctx, nil, started.ID, questions[0].ID)
		if answer.ResponseText == nil || *answer.ResponseText != "last-moment work" {
			t.Errorf("last-moment answer must survive the expiry, got %v", answer.ResponseText)
		}

		if got := eventsOfType(f.publisher, events.TopicAttemptFinalized); len(got) != 1 {
			t.Errorf("expected 1 finalized event, got %d", len(got))
		}
	})

	t.Run("stale write does not clobber a newer answer", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 3600, 1)
		questions, _ := f.repo.Exam().GetQuestions(ctx, nil, exam.ID)

		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")

		f.clock.Add(2 * time.Minute)
		if err := f.service.RecordAnswer(ctx, started.ID, &RecordAnswerRequest{
			QuestionID:   questions[0].ID,
			ResponseText: text("newer draft"),
		}, "student-1"); err != nil {
			t.Fatalf("RecordAnswer failed: %v", err)
		}

		// A delayed retry carrying an older save instant arrives after
		// the newer write
		f.clock.Set(time.Date(2025, 6, 1, 9, 1, 0, 0, time.UTC))
		if err := f.service.RecordAnswer(ctx, started.ID, &RecordAnswerRequest{
			QuestionID:   questions[0].ID,
			ResponseText: text("older draft"),
		}, "student-1"); err != nil {
			t.Fatalf("stale write must not error, got %v", err)
		}

		answer, _ := f.repo.Answer().GetByAttemptAndQuestion(ctx, nil, started.ID, questions[0].ID)
		if answer.ResponseText == nil || *answer.ResponseText != "newer draft" {
			t.Errorf("newer answer must survive the stale write, got %v", answer.ResponseText)
		}
	})

	t.Run("rejects foreign attempt", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 3600, 1)
		questions, _ := f.repo.Exam().GetQuestions(ctx, nil, exam.ID)

		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")

		err := f.service.RecordAnswer(ctx, started.ID, &RecordAnswerRequest{
			QuestionID:   questions[0].ID,
			ResponseText: text("impostor"),
		}, "student-2")
		var permErr *PermissionError
		if !errors.As(err, &permErr) {
			t.Errorf("expected PermissionError, got %v", err)
		}
	})
}

func TestAttemptService_Submit(t *testing.T) {
	ctx := context.Background()
	text := func(s string) *string { return &s }

	t.Run("finalizes and backfills all questions", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 3600, 3)
		questions, _ := f.repo.Exam().GetQuestions(ctx, nil, exam.ID)

		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")

		resp, err := f.service.Submit(ctx, &SubmitAttemptRequest{
			AttemptID: started.ID,
			Answers: []RecordAnswerRequest{
				{QuestionID: questions[0].ID, ResponseText: text("only answer")},
			},
		}, "student-1")
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		if resp.Status != models.AttemptSubmitted {
			t.Errorf("expected submitted, got %s", resp.Status)
		}
		if !resp.IsFinal {
			t.Error("submitted attempt must be final")
		}
		if len(resp.Answers) != 3 {
			t.Fatalf("expected one answer row per question, got %d", len(resp.Answers))
		}

		var answered, empty int
		for _, a := range resp.Answers {
			if a.ResponseText != nil {
				answered++
			} else {
				empty++
			}
		}
		if answered != 1 || empty != 2 {
			t.Errorf("expected 1 answered and 2 backfilled rows, got %d/%d", answered, empty)
		}

		if got := eventsOfType(f.publisher, events.TopicAttemptFinalized); len(got) != 1 {
			t.Errorf("expected 1 finalized event, got %d", len(got))
		}
	})

	t.Run("idempotent on terminal attempt", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 3600, 1)

		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")
		first, err := f.service.Submit(ctx, &SubmitAttemptRequest{AttemptID: started.ID}, "student-1")
		if err != nil {
			t.Fatalf("first Submit failed: %v", err)
		}

		f.clock.Add(time.Minute)
		second, err := f.service.Submit(ctx, &SubmitAttemptRequest{AttemptID: started.ID}, "student-1")
		if err != nil {
			t.Fatalf("second Submit failed: %v", err)
		}
		if !second.AlreadyAttempted {
			t.Error("re-submit must report already attempted")
		}
		if second.FinalizedAt == nil || !second.FinalizedAt.Equal(*first.FinalizedAt) {
			t.Error("re-submit must not move finalized_at")
		}
		if got := eventsOfType(f.publisher, events.TopicAttemptFinalized); len(got) != 1 {
			t.Errorf("finalized event must fire once, got %d", len(got))
		}
	})

	t.Run("submit past deadline lands as timed_out", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 600, 1)

		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")

		f.clock.Add(11 * time.Minute)
		resp, err := f.service.Submit(ctx, &SubmitAttemptRequest{AttemptID: started.ID}, "student-1")
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if resp.Status != models.AttemptTimedOut {
			t.Errorf("expected timed_out past deadline, got %s", resp.Status)
		}
	})

	t.Run("submit and timeout race has a single winner", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 600, 2)

		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")
		f.clock.Add(10 * time.Minute)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := f.service.Submit(ctx, &SubmitAttemptRequest{AttemptID: started.ID}, "student-1"); err != nil {
				t.Errorf("Submit failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := f.service.HandleTimeout(ctx, started.ID); err != nil {
				t.Errorf("HandleTimeout failed: %v", err)
			}
		}()
		wg.Wait()

		attempt, _ := f.repo.Attempt().GetByID(ctx, nil, started.ID)
		if !attempt.Terminal() {
			t.Fatal("attempt must be terminal after the race")
		}
		if got := eventsOfType(f.publisher, events.TopicAttemptFinalized); len(got) != 1 {
			t.Errorf("exactly one finalized event after the race, got %d", len(got))
		}
	})
}

func TestAttemptService_HandleTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("no-op before deadline", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 3600, 1)
		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")

		if err := f.service.HandleTimeout(ctx, started.ID); err != nil {
			t.Fatalf("HandleTimeout failed: %v", err)
		}

		attempt, _ := f.repo.Attempt().GetByID(ctx, nil, started.ID)
		if attempt.Status != models.AttemptInProgress {
			t.Errorf("live attempt must stay in_progress, got %s", attempt.Status)
		}
	})

	t.Run("finalizes and backfills past deadline", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 600, 2)
		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")

		f.clock.Add(11 * time.Minute)
		if err := f.service.HandleTimeout(ctx, started.ID); err != nil {
			t.Fatalf("HandleTimeout failed: %v", err)
		}

		attempt, _ := f.repo.Attempt().GetByIDWithAnswers(ctx, nil, started.ID)
		if attempt.Status != models.AttemptTimedOut {
			t.Errorf("expected timed_out, got %s", attempt.Status)
		}
		if len(attempt.Answers) != 2 {
			t.Errorf("expected backfilled answer rows, got %d", len(attempt.Answers))
		}
	})

	t.Run("no-op on terminal attempt", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 600, 1)
		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")

		if _, err := f.service.Submit(ctx, &SubmitAttemptRequest{AttemptID: started.ID}, "student-1"); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		f.clock.Add(time.Hour)
		if err := f.service.HandleTimeout(ctx, started.ID); err != nil {
			t.Fatalf("HandleTimeout on terminal attempt failed: %v", err)
		}

		attempt, _ := f.repo.Attempt().GetByID(ctx, nil, started.ID)
		if attempt.Status != models.AttemptSubmitted {
			t.Errorf("terminal status must not change, got %s", attempt.Status)
		}
	})
}

func TestAttemptService_Timeout(t *testing.T) {
	ctx := context.Background()

	t.Run("finalizes past deadline and reports state", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 600, 2)
		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")

		f.clock.Add(11 * time.Minute)
		resp, err := f.service.Timeout(ctx, started.ID, "student-1")
		if err != nil {
			t.Fatalf("Timeout failed: %v", err)
		}
		if resp.Status != models.AttemptTimedOut {
			t.Errorf("expected timed_out, got %s", resp.Status)
		}
		if resp.CanSubmit {
			t.Error("timed out attempt must not be submittable")
		}
		if got := eventsOfType(f.publisher, events.TopicAttemptFinalized); len(got) != 1 {
			t.Errorf("expected 1 finalized event, got %d", len(got))
		}
	})

	t.Run("no-op before deadline", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 3600, 1)
		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")

		resp, err := f.service.Timeout(ctx, started.ID, "student-1")
		if err != nil {
			t.Fatalf("Timeout failed: %v", err)
		}
		if resp.Status != models.AttemptInProgress {
			t.Errorf("early timeout report must not finalize, got %s", resp.Status)
		}
	})

	t.Run("repeat reports stay idempotent", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 600, 1)
		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")

		f.clock.Add(11 * time.Minute)
		first, err := f.service.Timeout(ctx, started.ID, "student-1")
		if err != nil {
			t.Fatalf("first Timeout failed: %v", err)
		}
		second, err := f.service.Timeout(ctx, started.ID, "student-1")
		if err != nil {
			t.Fatalf("second Timeout failed: %v", err)
		}
		if second.FinalizedAt == nil || !second.FinalizedAt.Equal(*first.FinalizedAt) {
			t.Error("repeat timeout must not move finalized_at")
		}
		if got := eventsOfType(f.publisher, events.TopicAttemptFinalized); len(got) != 1 {
			t.Errorf("finalized event must fire once, got %d", len(got))
		}
	})

	t.Run("rejects foreign attempt", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 600, 1)
		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")

		f.clock.Add(11 * time.Minute)
		_, err := f.service.Timeout(ctx, started.ID, "student-2")
		var permErr *PermissionError
		if !errors.As(err, &permErr) {
			t.Errorf("expected PermissionError, got %v", err)
		}
	})
}

func TestAttemptService_GetTimeRemaining(t *testing.T) {
	ctx := context.Background()

	t.Run("counts down and clamps at zero", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 600, 1)
		started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")

		f.clock.Add(4 * time.Minute)
		remaining, err := f.service.GetTimeRemaining(ctx, started.ID, "student-1")
		if err != nil {
			t.Fatalf("GetTimeRemaining failed: %v", err)
		}
		if remaining.RemainingSeconds != 360 {
			t.Errorf("expected 360 seconds, got %d", remaining.RemainingSeconds)
		}

		f.clock.Add(10 * time.Minute)
		remaining, err = f.service.GetTimeRemaining(ctx, started.ID, "student-1")
		if err != nil {
			t.Fatalf("GetTimeRemaining failed: %v", err)
		}
		if remaining.RemainingSeconds != 0 {
			t.Errorf("expected clamp at zero, got %d", remaining.RemainingSeconds)
		}
		if remaining.Status != models.AttemptTimedOut {
			t.Errorf("reading past the deadline must expire the attempt, got %s", remaining.Status)
		}
	})
}

func TestAttemptService_ResetAttempt(t *testing.T) {
	ctx := context.Background()

	f := newAttemptFixture(t)
	exam := f.repo.seedExam(models.ExamActive, 3600, 1)
	started, _ := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")
	if _, err := f.service.Submit(ctx, &SubmitAttemptRequest{AttemptID: started.ID}, "student-1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := f.service.ResetAttempt(ctx, exam.ID, "student-1", "admin-1"); err != nil {
		t.Fatalf("ResetAttempt failed: %v", err)
	}

	// After the reset the examinee gets a fresh attempt
	resp, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")
	if err != nil {
		t.Fatalf("Start after reset failed: %v", err)
	}
	if resp.AlreadyAttempted {
		t.Error("reset must clear the already_attempted state")
	}
	if resp.ID == started.ID {
		t.Error("expected a fresh attempt row after reset")
	}

	if err := f.service.ResetAttempt(ctx, exam.ID, "student-2", "admin-1"); !errors.Is(err, ErrAttemptNotFound) {
		t.Errorf("expected ErrAttemptNotFound for absent attempt, got %v", err)
	}
}

func TestAttemptService_ListByExam(t *testing.T) {
	ctx := context.Background()

	t.Run("lists exam attempts with status filter", func(t *testing.T) {
		f := newAttemptFixture(t)
		exam := f.repo.seedExam(models.ExamActive, 3600, 1)

		first, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		for _, student := range []string{"student-2", "student-3"} {
			if _, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, student); err != nil {
				t.Fatalf("Start for %s failed: %v", student, err)
			}
		}
		if _, err := f.service.Submit(ctx, &SubmitAttemptRequest{AttemptID: first.ID}, "student-1"); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		all, err := f.service.ListByExam(ctx, exam.ID, repositories.AttemptFilters{})
		if err != nil {
			t.Fatalf("ListByExam failed: %v", err)
		}
		if all.Total != 3 || len(all.Attempts) != 3 {
			t.Errorf("expected 3 attempts, got total %d with %d rows", all.Total, len(all.Attempts))
		}

		inProgress := models.AttemptInProgress
		live, err := f.service.ListByExam(ctx, exam.ID, repositories.AttemptFilters{Status: &inProgress})
		if err != nil {
			t.Fatalf("filtered ListByExam failed: %v", err)
		}
		if live.Total != 2 {
			t.Errorf("expected 2 in-progress attempts, got %d", live.Total)
		}
		for _, a := range live.Attempts {
			if a.Status != models.AttemptInProgress {
				t.Errorf("filter leaked status %s", a.Status)
			}
		}
	})

	t.Run("unknown exam", func(t *testing.T) {
		f := newAttemptFixture(t)

		if _, err := f.service.ListByExam(ctx, 999, repositories.AttemptFilters{}); !errors.Is(err, ErrExamNotFound) {
			t.Errorf("expected ErrExamNotFound, got %v", err)
		}
	})
}

func TestAttemptService_ListAttempts(t *testing.T) {
	ctx := context.Background()

	f := newAttemptFixture(t)
	examA := f.repo.seedExam(models.ExamActive, 3600, 1)
	examB := f.repo.seedExam(models.ExamActive, 3600, 1)

	for _, examID := range []uint{examA.ID, examB.ID} {
		if _, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: examID}, "student-1"); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	}
	if _, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: examA.ID}, "student-2"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	examinee := "student-1"
	out, err := f.service.ListAttempts(ctx, repositories.AttemptFilters{ExamineeID: &examinee})
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if out.Total != 2 {
		t.Errorf("expected 2 attempts for student-1, got %d", out.Total)
	}
	for _, a := range out.Attempts {
		if a.ExamineeID != examinee {
			t.Errorf("filter leaked examinee %s", a.ExamineeID)
		}
	}
}

func TestAttemptService_GetExamStats(t *testing.T) {
	ctx := context.Background()

	f := newAttemptFixture(t)
	exam := f.repo.seedExam(models.ExamActive, 600, 1)

	first, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	second, err := f.service.Start(ctx, &StartAttemptRequest{ExamID: exam.ID}, "student-2")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := f.service.Submit(ctx, &SubmitAttemptRequest{AttemptID: first.ID}, "student-1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	f.clock.Add(11 * time.Minute)
	if err := f.service.HandleTimeout(ctx, second.ID); err != nil {
		t.Fatalf("HandleTimeout failed: %v", err)
	}

	stats, err := f.service.GetExamStats(ctx, exam.ID)
	if err != nil {
		t.Fatalf("GetExamStats failed: %v", err)
	}
	if stats.TotalAttempts != 2 {
		t.Errorf("expected 2 attempts, got %d", stats.TotalAttempts)
	}
	if stats.StatusBreakdown[models.AttemptSubmitted] != 1 {
		t.Errorf("expected 1 submitted, got %d", stats.StatusBreakdown[models.AttemptSubmitted])
	}
	if stats.StatusBreakdown[models.AttemptTimedOut] != 1 {
		t.Errorf("expected 1 timed_out, got %d", stats.StatusBreakdown[models.AttemptTimedOut])
	}

	if _, err := f.service.GetExamStats(ctx, 999); !errors.Is(err, ErrExamNotFound) {
		t.Errorf("expected ErrExamNotFound, got %v", err)
	}
}
