package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/examstack/exam-lifecycle-service/internal/models"
	"github.com/examstack/exam-lifecycle-service/internal/repositories"
	"github.com/examstack/exam-lifecycle-service/internal/services"
	"github.com/examstack/exam-lifecycle-service/internal/utils"
	"github.com/examstack/exam-lifecycle-service/internal/validator"
)

type AttemptHandler struct {
	BaseHandler
	attemptService services.AttemptService
	validator      *validator.Validator
}

func NewAttemptHandler(
	attemptService services.AttemptService,
	validator *validator.Validator,
	logger utils.Logger,
) *AttemptHandler {
	return &AttemptHandler{
		BaseHandler:    NewBaseHandler(logger),
		attemptService: attemptService,
		validator:      validator,
	}
}

// StartAttempt starts (or resumes) the examinee's attempt for an exam
// @Summary Start exam attempt
// @Description Starts the examinee's single attempt for an exam; returns the existing attempt with already_attempted set when one exists
// @Tags attempts
// @Accept json
// @Produce json
// @Param attempt body services.StartAttemptRequest true "Start attempt data"
// @Success 201 {object} services.AttemptResponse
// @Success 200 {object} services.AttemptResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /attempts/start [post]
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	h.LogRequest(c, "Starting exam attempt")

	var req services.StartAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	examineeID := h.requireUserID(c)
	if examineeID == "" {
		return
	}

	attempt, err := h.attemptService.Start(c.Request.Context(), &req, examineeID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	status := http.StatusCreated
	if attempt.AlreadyAttempted {
		status = http.StatusOK
	}
	c.JSON(status, attempt)
}

// GetAttempt returns the examinee's attempt
// @Summary Get exam attempt
// @Description Returns the attempt with its current lifecycle state
// @Tags attempts
// @Produce json
// @Param id path uint true "Attempt ID"
// @Success 200 {object} services.AttemptResponse
// @Failure 404 {object} ErrorResponse
// @Router /attempts/{id} [get]
func (h *AttemptHandler) GetAttempt(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	examineeID := h.requireUserID(c)
	if examineeID == "" {
		return
	}

	attempt, err := h.attemptService.GetByID(c.Request.Context(), id, examineeID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, attempt)
}

// RecordAnswer saves one answer on a live attempt
// @Summary Record answer
// @Description Saves or overwrites the answer for one question; writes after finalization are dropped without error
// @Tags attempts
// @Accept json
// @Produce json
// @Param id path uint true "Attempt ID"
// @Param answer body services.RecordAnswerRequest true "Answer data"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /attempts/{id}/answers [put]
func (h *AttemptHandler) RecordAnswer(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	var req services.RecordAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	examineeID := h.requireUserID(c)
	if examineeID == "" {
		return
	}

	if err := h.attemptService.RecordAnswer(c.Request.Context(), id, &req, examineeID); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// SubmitAttempt finalizes an attempt as submitted
// @Summary Submit exam attempt
// @Description Submits the attempt with any final answers; idempotent on an already finalized attempt
// @Tags attempts
// @Accept json
// @Produce json
// @Param attempt body services.SubmitAttemptRequest true "Submit attempt data"
// @Success 200 {object} services.AttemptResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /attempts/submit [post]
func (h *AttemptHandler) SubmitAttempt(c *gin.Context) {
	h.LogRequest(c, "Submitting exam attempt")

	var req services.SubmitAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	examineeID := h.requireUserID(c)
	if examineeID == "" {
		return
	}

	attempt, err := h.attemptService.Submit(c.Request.Context(), &req, examineeID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, attempt)
}

// TimeoutAttempt reports the client countdown reaching zero
// @Summary Report attempt timeout
// @Description Finalizes the attempt as timed out once the deadline has passed; a no-op before the deadline or on an already finalized attempt
// @Tags attempts
// @Produce json
// @Param id path uint true "Attempt ID"
// @Success 200 {object} services.AttemptResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /attempts/{id}/timeout [post]
func (h *AttemptHandler) TimeoutAttempt(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	examineeID := h.requireUserID(c)
	if examineeID == "" {
		return
	}

	attempt, err := h.attemptService.Timeout(c.Request.Context(), id, examineeID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, attempt)
}

// GetTimeRemaining reports the seconds left on an attempt
// @Summary Get time remaining
// @Description Returns the remaining seconds for an attempt, clamped at zero
// @Tags attempts
// @Produce json
// @Param id path uint true "Attempt ID"
// @Success 200 {object} services.TimeRemainingResponse
// @Failure 404 {object} ErrorResponse
// @Router /attempts/{id}/time-remaining [get]
func (h *AttemptHandler) GetTimeRemaining(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	examineeID := h.requireUserID(c)
	if examineeID == "" {
		return
	}

	remaining, err := h.attemptService.GetTimeRemaining(c.Request.Context(), id, examineeID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, remaining)
}

// ResetAttempt deletes an examinee's attempt so the exam can be retaken
// @Summary Reset exam attempt (admin)
// @Description Deletes the examinee's attempt and its answers
// @Tags attempts
// @Produce json
// @Param exam_id path uint true "Exam ID"
// @Param examinee_id path string true "Examinee ID"
// @Success 200 {object} SuccessResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/exams/{exam_id}/attempts/{examinee_id} [delete]
func (h *AttemptHandler) ResetAttempt(c *gin.Context) {
	examID := h.parseIDParam(c, "exam_id")
	if examID == 0 {
		return
	}

	examineeID := c.Param("examinee_id")
	if examineeID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid examinee_id parameter",
		})
		return
	}

	adminID := h.requireUserID(c)
	if adminID == "" {
		return
	}

	if err := h.attemptService.ResetAttempt(c.Request.Context(), examID, examineeID, adminID); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Attempt reset",
	})
}

// ListAttempts lists attempts across all exams (admin)
// @Summary List attempts
// @Tags attempts
// @Produce json
// @Param status query string false "Attempt status"
// @Param examinee_id query string false "Examinee ID"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} services.AttemptListResponse
// @Router /admin/attempts [get]
func (h *AttemptHandler) ListAttempts(c *gin.Context) {
	h.LogRequest(c, "Listing attempts")

	attempts, err := h.attemptService.ListAttempts(c.Request.Context(), parseAttemptFilters(c))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, attempts)
}

// ListExamAttempts lists one exam's attempts (admin)
// @Summary List exam attempts
// @Tags attempts
// @Produce json
// @Param exam_id path uint true "Exam ID"
// @Param status query string false "Attempt status"
// @Param examinee_id query string false "Examinee ID"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} services.AttemptListResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/exams/{exam_id}/attempts [get]
func (h *AttemptHandler) ListExamAttempts(c *gin.Context) {
	examID := h.parseIDParam(c, "exam_id")
	if examID == 0 {
		return
	}

	attempts, err := h.attemptService.ListByExam(c.Request.Context(), examID, parseAttemptFilters(c))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, attempts)
}

// GetExamStats reports attempt counts and grading aggregates for one exam (admin)
// @Summary Get exam attempt statistics
// @Tags attempts
// @Produce json
// @Param exam_id path uint true "Exam ID"
// @Success 200 {object} repositories.AttemptStats
// @Failure 404 {object} ErrorResponse
// @Router /admin/exams/{exam_id}/attempts/stats [get]
func (h *AttemptHandler) GetExamStats(c *gin.Context) {
	examID := h.parseIDParam(c, "exam_id")
	if examID == 0 {
		return
	}

	stats, err := h.attemptService.GetExamStats(c.Request.Context(), examID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func parseAttemptFilters(c *gin.Context) repositories.AttemptFilters {
	filters := repositories.AttemptFilters{
		Limit:     20,
		SortBy:    "started_at",
		SortOrder: "desc",
	}

	if status := c.Query("status"); status != "" {
		attemptStatus := models.AttemptStatus(status)
		filters.Status = &attemptStatus
	}
	if examineeID := c.Query("examinee_id"); examineeID != "" {
		filters.ExamineeID = &examineeID
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 && limit <= 100 {
		filters.Limit = limit
	}
	if offset, err := strconv.Atoi(c.Query("offset")); err == nil && offset >= 0 {
		filters.Offset = offset
	}

	return filters
}

func (h *AttemptHandler) handleServiceError(c *gin.Context, err error) {
	var validationErrors services.ValidationErrors
	if errors.As(err, &validationErrors) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Validation failed",
			Details: validationErrors,
		})
		return
	}

	var permissionError *services.PermissionError
	if errors.As(err, &permissionError) {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Message: "Access denied",
			Details: map[string]interface{}{
				"resource": permissionError.Resource,
				"action":   permissionError.Action,
				"reason":   permissionError.Reason,
			},
		})
		return
	}

	switch {
	case errors.Is(err, services.ErrExamNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Message: "Exam not found",
		})
	case errors.Is(err, services.ErrExamNotActive):
		c.JSON(http.StatusConflict, ErrorResponse{
			Message: "Exam is not active",
		})
	case errors.Is(err, services.ErrAttemptNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Message: "Attempt not found",
		})
	case errors.Is(err, services.ErrQuestionNotInExam):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Message: "Question does not belong to this exam",
		})
	default:
		h.LogError(c, err, "Unexpected service error")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Message: "Internal server error",
			Details: err.Error(),
		})
	}
}
