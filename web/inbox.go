package web

import (
	"errors"
	"log"
	"net/http"

	"github.com/deemkeen/federa/db"
	"github.com/deemkeen/federa/federation"
	"github.com/gin-gonic/gin"
)

// postInbox is the node-wide inbox: broadcasts of public entries, and
// targeted activities whose recipient is inferred from the payload.
func (h *handlers) postInbox(c *gin.Context) {
	h.process(c, "")
}

func (h *handlers) postAuthorInbox(c *gin.Context) {
	author, err := h.localAuthor(c)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	h.process(c, author.URL)
}

func (h *handlers) process(c *gin.Context, recipientURL string) {
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}

	res, err := h.fed.Processor.Process(c.Request.Context(), recipientURL, body, sourceNode(c))
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Printf("Inbox: Failed to process activity: %v", err)
			c.JSON(status, gin.H{"error": "internal error"})
			return
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"kind":    res.Kind,
		"created": res.Created,
	})
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, federation.ErrMalformedActivity),
		errors.Is(err, federation.ErrUnsupportedKind),
		errors.Is(err, federation.ErrUnresolvedTarget),
		errors.Is(err, federation.ErrUnknownFollow),
		errors.Is(err, federation.ErrNoRecipient),
		errors.Is(err, federation.ErrUnknownNode):
		return http.StatusBadRequest
	case errors.Is(err, federation.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, federation.ErrNotLocal),
		errors.Is(err, federation.ErrUnknownAuthor),
		errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
