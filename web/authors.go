package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/deemkeen/federa/domain"
	"github.com/deemkeen/federa/federation"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const defaultPageSize = 20

// localAuthor resolves the :id parameter to an author owned by this node
func (h *handlers) localAuthor(c *gin.Context) (*domain.Author, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", federation.ErrNotLocal, c.Param("id"))
	}
	author, err := h.fed.DB.ReadAuthorById(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	if !author.IsLocal() {
		return nil, fmt.Errorf("%w: %s", federation.ErrNotLocal, author.URL)
	}
	return author, nil
}

func (h *handlers) getAuthor(c *gin.Context) {
	author, err := h.localAuthor(c)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "author not found"})
		return
	}
	c.JSON(http.StatusOK, federation.SummaryOf(author))
}

func (h *handlers) listAuthors(c *gin.Context) {
	page, size := paging(c)
	authors, err := h.fed.DB.ReadLocalAuthors(c.Request.Context(), page, size)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list authors"})
		return
	}
	items := make([]federation.AuthorSummary, 0, len(authors))
	for i := range authors {
		items = append(items, federation.SummaryOf(&authors[i]))
	}
	c.JSON(http.StatusOK, federation.Listing{Type: "authors", Page: page, Size: size, Items: items})
}

func paging(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", strconv.Itoa(defaultPageSize)))
	if err != nil || size < 1 {
		size = defaultPageSize
	}
	if size > 500 {
		size = 500
	}
	return page, size
}
