package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/federa/domain"
	"github.com/deemkeen/federa/util"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/gorilla/feeds"
)

const feedSize = 50

func (h *handlers) getAuthorFeed(c *gin.Context) {
	c.Header("Content-Type", "application/xml; charset=utf-8")

	author, err := h.localAuthor(c)
	if err != nil {
		c.Render(http.StatusNotFound, render.String{Format: ""})
		return
	}
	rss, err := h.authorFeed(c.Request.Context(), author)
	if err != nil {
		log.Printf("Could not build feed for %s: %v", author.URL, err)
		c.Render(http.StatusInternalServerError, render.String{Format: ""})
		return
	}
	c.Render(http.StatusOK, render.String{Format: "%s", Data: []any{rss}})
}

// authorFeed renders the public entries of a local author as RSS
func (h *handlers) authorFeed(ctx context.Context, author *domain.Author) (string, error) {
	entries, err := h.fed.DB.ReadEntriesByAuthor(ctx, author.URL, 1, feedSize)
	if err != nil {
		return "", fmt.Errorf("read entries of %s: %w", author.URL, err)
	}

	name := author.DisplayName
	if name == "" {
		name = util.TrailingID(author.URL)
	}
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s - %s", h.fed.Config.NodeName, name),
		Link:        &feeds.Link{Href: author.URL},
		Description: fmt.Sprintf("Public entries of %s", name),
		Author:      &feeds.Author{Name: name},
		Created:     time.Now(),
	}

	for _, entry := range entries {
		if entry.Visibility != domain.VisibilityPublic {
			continue
		}
		content := entry.Content
		if entry.ContentType == "text/markdown" {
			content = util.MarkdownLinksToHTML(content)
		}
		title := entry.Title
		if title == "" {
			title = entry.PublishedAt.Format(time.RFC1123)
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Id:          entry.URL,
			Title:       title,
			Link:        &feeds.Link{Href: entry.URL},
			Description: entry.Description,
			Content:     content,
			Author:      &feeds.Author{Name: name},
			Created:     entry.PublishedAt,
			Updated:     entry.UpdatedAt,
		})
	}
	return feed.ToRss()
}
