package api

import (
	"consult-service/internal/service"
	"consult-service/pkg/utils"

	"github.com/gin-gonic/gin"
)

type SubmissionHandler struct{ service *service.ConsultService }

func NewSubmissionHandler(svc *service.ConsultService) *SubmissionHandler {
	return &SubmissionHandler{service: svc}
}

// POST /api/v1/submissions
func (h *SubmissionHandler) Submit(c *gin.Context) {
	var in service.SubmitProblemInput
	if !bindJSON(c, &in) {
		return
	}
	sub, err := h.service.SubmitProblem(c.Request.Context(), c.GetString("userID"), in)
	if err != nil {
		respondError(c, err)
		return
	}
	JSONCreated(c, sub)
}

// GET /api/v1/submissions
func (h *SubmissionHandler) List(c *gin.Context) {
	page, size := utils.ParsePage(c.Query("page"), c.Query("page_size"))
	list, total, err := h.service.ListSubmissions(c.Request.Context(), c.GetString("userID"), c.Query("status"), page, size)
	if err != nil {
		respondError(c, err)
		return
	}
	JSONPaginated(c, list, page, size, int(total))
}

// GET /api/v1/submissions/:id
func (h *SubmissionHandler) Get(c *gin.Context) {
	sub, err := h.service.GetSubmissionForUser(c.Request.Context(), c.GetString("userID"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	JSONSuccess(c, sub)
}
