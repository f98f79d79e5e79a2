package app

import (
	"errors"
	"net/http"

	"github.com/blueflame567/SyllabTrack/app/billing"
	"github.com/blueflame567/SyllabTrack/app/calendar"
	"github.com/blueflame567/SyllabTrack/app/docs"
	"github.com/blueflame567/SyllabTrack/app/extract"
	"github.com/blueflame567/SyllabTrack/app/store"
	"github.com/blueflame567/SyllabTrack/app/usage"
	"github.com/blueflame567/SyllabTrack/app/users"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError maps component errors to a status and a caller-safe body.
// Upstream payloads and model responses are never echoed.
func (s *Server) respondError(c *gin.Context, err error) {
	var (
		quota       *usage.QuotaExceededError
		unsupported *docs.UnsupportedFormatError
		docErr      *docs.ExtractionError
		upstream    *extract.UpstreamError
		unparsable  *extract.UnparsableResponseError
		webhookErr  *billing.WebhookVerificationError
		identityErr *users.NotificationVerificationError
		skipped     *billing.SkipError
	)

	switch {
	case errors.As(err, &quota):
		s.metrics.IncQuotaDenial()
		c.JSON(http.StatusForbidden, quotaBody(quota.Current, quota.Limit))
	case errors.Is(err, extract.ErrEmptyInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &unsupported):
		c.JSON(http.StatusBadRequest, gin.H{"error": unsupported.Error()})
	case errors.As(err, &docErr):
		s.log.Warn("document text extraction failed", zap.String("format", docErr.Format), zap.Error(docErr.Err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read text from the " + docErr.Format + " document"})
	case errors.As(err, &upstream):
		c.JSON(http.StatusBadGateway, gin.H{"error": "the language model service is unavailable, please try again"})
	case errors.As(err, &unparsable):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to parse syllabus, please try again"})
	case errors.As(err, &webhookErr), errors.As(err, &identityErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature verification failed"})
	case errors.Is(err, users.ErrMissingEmail), errors.Is(err, users.ErrMissingSubject):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, calendar.ErrNoEvents), errors.Is(err, calendar.ErrInvalidDate):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, billing.ErrUnknownUnreconciled):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.As(err, &skipped):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": skipped.Error()})
	case errors.Is(err, billing.ErrAlreadyReplayed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.log.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func quotaBody(current int, limit int) gin.H {
	return gin.H{
		"error":        "You've reached your monthly limit. Upgrade to premium for unlimited syllabi.",
		"currentUsage": current,
		"limit":        limit,
		"needsUpgrade": true,
	}
}
