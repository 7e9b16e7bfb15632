package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Node is a peer server we federate with
type Node struct {
	Id        uuid.UUID
	Name      string
	Host      string // normalised base URL, unique among nodes
	Username  string // basic auth, used in both directions
	Password  string
	IsActive  bool
	CreatedAt time.Time
}

func (n *Node) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tName: %s \n\tHost: %s \n\tActive: %t \n\tCREATED_AT: %s", n.Id, n.Name, n.Host, n.IsActive, n.CreatedAt)
}
