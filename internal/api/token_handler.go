package api

import (
	"consult-service/internal/service"
	"consult-service/pkg/utils"

	"github.com/gin-gonic/gin"
)

type TokenHandler struct{ service *service.ConsultService }

func NewTokenHandler(svc *service.ConsultService) *TokenHandler {
	return &TokenHandler{service: svc}
}

// GET /api/v1/tokens/balance
func (h *TokenHandler) Balance(c *gin.Context) {
	userID := c.GetString("userID")
	balance, err := h.service.GetBalance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	JSONSuccess(c, BalanceResponse{UserID: userID, TokenBalance: balance})
}

// GET /api/v1/tokens/transactions
func (h *TokenHandler) Transactions(c *gin.Context) {
	page, size := utils.ParsePage(c.Query("page"), c.Query("page_size"))
	list, total, err := h.service.ListTransactions(c.Request.Context(), c.GetString("userID"), page, size)
	if err != nil {
		respondError(c, err)
		return
	}
	JSONPaginated(c, list, page, size, int(total))
}
