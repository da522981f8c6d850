package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/examstack/exam-lifecycle-service/internal/services"
	"github.com/examstack/exam-lifecycle-service/internal/utils"
	"github.com/examstack/exam-lifecycle-service/internal/validator"
)

type HandlerManager struct {
	examHandler    *ExamHandler
	attemptHandler *AttemptHandler
	gradingHandler *GradingHandler
	serviceManager services.ServiceManager
}

func NewHandlerManager(
	serviceManager services.ServiceManager,
	validator *validator.Validator,
	logger utils.Logger,
) *HandlerManager {
	return &HandlerManager{
		examHandler:    NewExamHandler(serviceManager.Exam(), validator, logger),
		attemptHandler: NewAttemptHandler(serviceManager.Attempt(), validator, logger),
		gradingHandler: NewGradingHandler(serviceManager.Grading(), validator, logger),
		serviceManager: serviceManager,
	}
}

// SetupRoutes sets up all API routes
func (hm *HandlerManager) SetupRoutes(router *gin.Engine) {
	router.GET("/health", hm.healthCheck)

	v1 := router.Group("/api/v1")
	v1.Use(IdentityMiddleware())
	{
		// Exam routes
		exams := v1.Group("/exams")
		{
			exams.POST("", hm.examHandler.CreateExam)
			exams.GET("", hm.examHandler.ListExams)
			exams.GET("/:id", hm.examHandler.GetExam)
			exams.POST("/:id/activate", hm.examHandler.ActivateExam)
			exams.POST("/:id/questions", hm.examHandler.AddQuestion)
			exams.GET("/:id/questions", hm.examHandler.ListQuestions)
		}

		// Attempt routes
		attempts := v1.Group("/attempts")
		{
			attempts.POST("/start", hm.attemptHandler.StartAttempt)
			attempts.POST("/submit", hm.attemptHandler.SubmitAttempt)
			attempts.GET("/:id", hm.attemptHandler.GetAttempt)
			attempts.PUT("/:id/answers", hm.attemptHandler.RecordAnswer)
			attempts.POST("/:id/timeout", hm.attemptHandler.TimeoutAttempt)
			attempts.GET("/:id/time-remaining", hm.attemptHandler.GetTimeRemaining)
		}

		// Grading routes
		grading := v1.Group("/grading")
		{
			grading.POST("/attempts", hm.gradingHandler.ApplyMarks)
			grading.GET("/attempts/:id", hm.gradingHandler.GetResult)
		}

		// Administrative routes
		admin := v1.Group("/admin")
		admin.Use(AdminMiddleware())
		{
			admin.GET("/attempts", hm.attemptHandler.ListAttempts)
			admin.GET("/exams/:exam_id/attempts", hm.attemptHandler.ListExamAttempts)
			admin.GET("/exams/:exam_id/attempts/stats", hm.attemptHandler.GetExamStats)
			admin.DELETE("/exams/:exam_id/attempts/:examinee_id", hm.attemptHandler.ResetAttempt)
		}
	}
}

func (hm *HandlerManager) healthCheck(c *gin.Context) {
	if err := hm.serviceManager.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unhealthy",
			"error":     err.Error(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "exam-lifecycle-service",
	})
}
