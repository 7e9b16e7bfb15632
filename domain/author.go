package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Author is a user identity. Authors with a NodeId are cached copies of
// remote users and never authoritative.
type Author struct {
	Id            uuid.UUID
	URL           string // federation identity, immutable
	Host          string
	DisplayName   string
	Github        string
	ProfileImage  string
	Web           string
	NodeId        *uuid.UUID // nil for local authors
	IsApproved    bool
	LastFetchedAt *time.Time
	CreatedAt     time.Time
}

// IsLocal reports whether this node owns the author.
func (a *Author) IsLocal() bool {
	return a.NodeId == nil
}

func (a *Author) ToString() string {
	origin := "local"
	if a.NodeId != nil {
		origin = a.NodeId.String()
	}
	return fmt.Sprintf("\n\tId: %s \n\tURL: %s \n\tDisplayName: %s \n\tNode: %s \n\tCREATED_AT: %s", a.Id, a.URL, a.DisplayName, origin, a.CreatedAt)
}
