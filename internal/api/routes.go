package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"tradescope_go_backend/internal/auth"
	apperrors "tradescope_go_backend/internal/errors"
	"tradescope_go_backend/internal/models"
	"tradescope_go_backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func SetupRoutes(
	r *gin.Engine,
	accounts *services.AccountService,
	admission services.AdmissionChecker,
	relay services.ChatRelay,
	ledger services.UsageLedger,
	adminSecret string,
) {
	api := r.Group("/")
	{
		api.POST("/chat/stream", auth.AuthMiddleware(accounts), streamChatHandler(admission, relay))
		api.GET("/usage/quota", auth.AuthMiddleware(accounts), getQuotaHandler(ledger))
		api.GET("/usage/summary", auth.AuthMiddleware(accounts), getUsageSummaryHandler(ledger))
	}

	internal := r.Group("/internal")
	{
		internal.POST("/reset-periods", resetPeriodsHandler(ledger, adminSecret))
	}
}

type chatTurn struct {
	Role    string `json:"role" binding:"required,oneof=user assistant"`
	Content string `json:"content" binding:"required"`
}

type imagePayload struct {
	Data      string `json:"data" binding:"required"`
	MediaType string `json:"mediaType" binding:"required,oneof=image/png image/jpeg image/webp"`
	Label     string `json:"label"`
}

type chatOptions struct {
	MaxTokens int `json:"maxTokens" binding:"omitempty,min=1,max=8192"`
}

type chatStreamRequest struct {
	Message             string         `json:"message" binding:"required,min=1,max=50000"`
	ConversationID      *uuid.UUID     `json:"conversationId"`
	ConversationHistory []chatTurn     `json:"conversationHistory" binding:"omitempty,max=20,dive"`
	Images              []imagePayload `json:"images" binding:"omitempty,max=5,dive"`
	Options             *chatOptions   `json:"options"`
}

func (req *chatStreamRequest) toStreamRequest() services.StreamRequest {
	out := services.StreamRequest{
		Message:        req.Message,
		ConversationID: req.ConversationID,
	}
	for _, turn := range req.ConversationHistory {
		out.History = append(out.History, services.HistoryTurn{Role: turn.Role, Content: turn.Content})
	}
	for _, img := range req.Images {
		out.Images = append(out.Images, services.ImageAttachment{Data: img.Data, MediaType: img.MediaType, Label: img.Label})
	}
	if req.Options != nil {
		out.MaxTokens = req.Options.MaxTokens
	}
	return out
}

func streamChatHandler(admission services.AdmissionChecker, relay services.ChatRelay) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := auth.AccountFromContext(c)
		if !ok {
			apperrors.HandleError(c, apperrors.New401Error())
			return
		}

		var body chatStreamRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			apperrors.HandleError(c, apperrors.New400Error(err.Error()))
			return
		}

		req := body.toStreamRequest()
		// Size constraints the binding tags cannot express (image byte
		// budget); rejected here, before any counter or upstream work.
		if err := services.ValidateStreamRequest(req); err != nil {
			apperrors.HandleError(c, err)
			return
		}

		decision := admission.Check(c.Request.Context(), account)
		if !decision.Allowed {
			switch decision.Code {
			case apperrors.ErrorTypeRateLimited:
				c.Header("Retry-After", strconv.Itoa(decision.RetryAfter))
				apperrors.HandleError(c, apperrors.NewRateLimitedError(decision.RetryAfter))
			case apperrors.ErrorTypeQuotaExceeded:
				apperrors.HandleError(c, apperrors.NewQuotaExceededError(decision.QuotaUsed, decision.QuotaLimit, decision.Tier))
			default:
				apperrors.HandleError(c, apperrors.New500Error(nil))
			}
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(decision.RateRemaining, 10))
		c.Header("X-Quota-Remaining", strconv.FormatInt(decision.QuotaRemaining, 10))

		events := make(chan services.StreamEvent, 16)
		go func() {
			_, _, _ = relay.StreamChat(c.Request.Context(), account, req, events)
		}()

		c.Stream(func(w io.Writer) bool {
			event, open := <-events
			if !open {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		})
	}
}

func getQuotaHandler(ledger services.UsageLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := auth.AccountFromContext(c)
		if !ok {
			apperrors.HandleError(c, apperrors.New401Error())
			return
		}

		quota, err := ledger.GetQuota(c.Request.Context(), account.ID)
		if err != nil {
			apperrors.HandleError(c, apperrors.New500Error(err))
			return
		}

		c.JSON(http.StatusOK, quota)
	}
}

func getUsageSummaryHandler(ledger services.UsageLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := auth.AccountFromContext(c)
		if !ok {
			apperrors.HandleError(c, apperrors.New401Error())
			return
		}

		period := c.Query("period")
		if period == "" {
			period = models.PeriodBucketFor(time.Now())
		}

		summary, err := ledger.SummarizeUsage(c.Request.Context(), account.ID, period)
		if err != nil {
			apperrors.HandleError(c, apperrors.New500Error(err))
			return
		}

		c.JSON(http.StatusOK, summary)
	}
}

// resetPeriodsHandler is the surface for the external billing scheduler. It
// rolls over every account whose period has elapsed.
func resetPeriodsHandler(ledger services.UsageLedger, adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminSecret == "" || c.GetHeader("X-Admin-Secret") != adminSecret {
			apperrors.HandleError(c, apperrors.New401Error())
			return
		}

		reset, err := ledger.ResetDuePeriods(c.Request.Context(), time.Now())
		if err != nil {
			apperrors.HandleError(c, apperrors.New500Error(err))
			return
		}

		c.JSON(http.StatusOK, gin.H{"accountsReset": reset})
	}
}
