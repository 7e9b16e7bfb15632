package web

import (
	"context"
	"net/http"

	"github.com/deemkeen/federa/domain"
	"github.com/deemkeen/federa/federation"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// listEntries serves the public entries written on this node
func (h *handlers) listEntries(c *gin.Context) {
	ctx := c.Request.Context()
	page, size := paging(c)
	entries, err := h.fed.DB.ReadLocalPublicEntries(ctx, page, size)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list entries"})
		return
	}

	authors := make(map[string]*domain.Author)
	items := make([]*federation.Activity, 0, len(entries))
	for i := range entries {
		author, ok := authors[entries[i].AuthorURL]
		if !ok {
			author = h.authorOf(ctx, entries[i].AuthorURL)
			authors[entries[i].AuthorURL] = author
		}
		items = append(items, federation.EntryActivity(domain.KindEntry, &entries[i], author))
	}
	c.JSON(http.StatusOK, federation.Listing{Type: "entries", Page: page, Size: size, Items: items})
}

// getEntry serves one entry of a local author. Friends-only and deleted
// entries are never served.
func (h *handlers) getEntry(c *gin.Context) {
	entry, author, ok := h.lookupEntry(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, federation.EntryActivity(domain.KindEntry, entry, author))
}

func (h *handlers) getComment(c *gin.Context) {
	entry, _, ok := h.lookupEntry(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("cid"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "comment not found"})
		return
	}
	comment, err := h.fed.DB.ReadCommentById(c.Request.Context(), id)
	if err != nil || comment.EntryURL != entry.URL {
		c.JSON(http.StatusNotFound, gin.H{"error": "comment not found"})
		return
	}
	c.JSON(http.StatusOK, federation.CommentActivity(comment, h.authorOf(c.Request.Context(), comment.AuthorURL)))
}

func (h *handlers) lookupEntry(c *gin.Context) (*domain.Entry, *domain.Author, bool) {
	author, err := h.localAuthor(c)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "author not found"})
		return nil, nil, false
	}
	id, err := uuid.Parse(c.Param("eid"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return nil, nil, false
	}
	entry, err := h.fed.DB.ReadEntryById(c.Request.Context(), id)
	if err != nil || entry.AuthorURL != author.URL {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return nil, nil, false
	}
	if entry.Visibility != domain.VisibilityPublic && entry.Visibility != domain.VisibilityUnlisted {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return nil, nil, false
	}
	return entry, author, true
}

// authorOf returns the stored author, or a bare one carrying only the URL
func (h *handlers) authorOf(ctx context.Context, url string) *domain.Author {
	author, err := h.fed.DB.ReadAuthorByURL(ctx, url)
	if err != nil {
		return &domain.Author{URL: url}
	}
	return author
}
