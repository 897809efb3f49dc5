package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/eaglebank/wallet-service/internal/cqrs"
	"github.com/eaglebank/wallet-service/internal/middleware"
	"github.com/eaglebank/wallet-service/internal/models"
)

// WalletCommander defines the write-side operations used by WalletHandler.
type WalletCommander interface {
	ProcessOperation(ctx context.Context, cmd cqrs.ProcessOperationCommand) (*models.Wallet, error)
}

// WalletQuerier defines the read-side operations used by WalletHandler.
type WalletQuerier interface {
	GetBalance(ctx context.Context, q cqrs.GetBalanceQuery) (*models.WalletView, error)
}

// WalletHandler handles wallet HTTP requests.
type WalletHandler struct {
	commands WalletCommander
	queries  WalletQuerier
}

type OperationRequest struct {
	WalletID      string          `json:"walletId" validate:"required,uuid"`
	OperationType string          `json:"operationType" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"required"`
}

type WalletResponse struct {
	WalletID uuid.UUID       `json:"walletId"`
	Balance  decimal.Decimal `json:"balance"`
}

func NewWalletHandler(commands WalletCommander, queries WalletQuerier) *WalletHandler {
	return &WalletHandler{commands: commands, queries: queries}
}

// ProcessOperation handles POST /api/v1/wallet.
func (h *WalletHandler) ProcessOperation(c *gin.Context) {
	var req OperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if validationErrors := middleware.ValidateRequest(req); validationErrors != nil {
		middleware.RespondWithValidationError(c, validationErrors)
		return
	}

	walletID, err := uuid.Parse(req.WalletID)
	if err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid wallet ID")
		return
	}

	wallet, err := h.commands.ProcessOperation(c.Request.Context(), cqrs.ProcessOperationCommand{
		WalletID:      walletID,
		OperationType: models.OperationType(req.OperationType),
		Amount:        req.Amount,
	})
	if err != nil {
		switch {
		case models.IsInvalidInput(err):
			middleware.RespondWithError(c, http.StatusBadRequest, err.Error())
		case models.IsInsufficientFunds(err):
			middleware.RespondWithError(c, http.StatusUnprocessableEntity, "Insufficient funds")
		case models.IsContention(err):
			middleware.RespondWithError(c, http.StatusConflict, "Wallet is under heavy contention, please retry")
		case models.IsUnavailable(err):
			middleware.RespondWithError(c, http.StatusServiceUnavailable, "Wallet store unavailable")
		default:
			middleware.RespondWithError(c, http.StatusInternalServerError, "Failed to process operation")
		}
		return
	}

	c.JSON(http.StatusOK, WalletResponse{WalletID: wallet.WalletID, Balance: wallet.Balance})
}

// GetBalance handles GET /api/v1/wallets/:walletId.
func (h *WalletHandler) GetBalance(c *gin.Context) {
	walletID, err := uuid.Parse(c.Param("walletId"))
	if err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid wallet ID")
		return
	}

	view, err := h.queries.GetBalance(c.Request.Context(), cqrs.GetBalanceQuery{WalletID: walletID})
	if err != nil {
		switch {
		case models.IsNotFound(err):
			middleware.RespondWithError(c, http.StatusNotFound, "Wallet not found")
		case models.IsUnavailable(err):
			middleware.RespondWithError(c, http.StatusServiceUnavailable, "Wallet store unavailable")
		default:
			middleware.RespondWithError(c, http.StatusInternalServerError, "Failed to get balance")
		}
		return
	}

	c.JSON(http.StatusOK, WalletResponse{WalletID: view.WalletID, Balance: view.Balance})
}
