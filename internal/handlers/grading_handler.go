package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/examstack/exam-lifecycle-service/internal/services"
	"github.com/examstack/exam-lifecycle-service/internal/utils"
	"github.com/examstack/exam-lifecycle-service/internal/validator"
)

type GradingHandler struct {
	BaseHandler
	gradingService services.GradingService
	validator      *validator.Validator
}

func NewGradingHandler(
	gradingService services.GradingService,
	validator *validator.Validator,
	logger utils.Logger,
) *GradingHandler {
	return &GradingHandler{
		BaseHandler:    NewBaseHandler(logger),
		gradingService: gradingService,
		validator:      validator,
	}
}

// ApplyMarks records scores for a finalized attempt
// @Summary Grade attempt
// @Description Applies per-question marks to a finalized attempt; regrading overwrites the previous pass
// @Tags grading
// @Accept json
// @Produce json
// @Param grade body services.GradeAttemptRequest true "Grading data"
// @Success 200 {object} services.GradeResultResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /grading/attempts [post]
func (h *GradingHandler) ApplyMarks(c *gin.Context) {
	h.LogRequest(c, "Grading attempt")

	var req services.GradeAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	graderID := h.requireUserID(c)
	if graderID == "" {
		return
	}

	result, err := h.gradingService.ApplyMarks(c.Request.Context(), &req, graderID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetResult returns the grading state of a finalized attempt
// @Summary Get grading result
// @Tags grading
// @Produce json
// @Param id path uint true "Attempt ID"
// @Success 200 {object} services.GradeResultResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /grading/attempts/{id} [get]
func (h *GradingHandler) GetResult(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	result, err := h.gradingService.GetResult(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *GradingHandler) handleServiceError(c *gin.Context, err error) {
	var validationErrors services.ValidationErrors
	if errors.As(err, &validationErrors) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Validation failed",
			Details: validationErrors,
		})
		return
	}

	var marksError *services.MarksOutOfRangeError
	if errors.As(err, &marksError) {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Message: "Marks out of range",
			Details: marksError,
		})
		return
	}

	switch {
	case errors.Is(err, services.ErrAttemptNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Message: "Attempt not found",
		})
	case errors.Is(err, services.ErrAttemptNotFinalized):
		c.JSON(http.StatusConflict, ErrorResponse{
			Message: "Attempt is not finalized yet",
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
