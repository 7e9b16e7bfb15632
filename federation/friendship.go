package federation

import (
	"context"
	"errors"
	"log"

	"github.com/deemkeen/federa/db"
	"github.com/deemkeen/federa/domain"
)

// recomputeFriendship makes the friendship between a and b match the two
// follow edges: it exists exactly while both directions are accepted.
// Called after every follow status change.
func recomputeFriendship(ctx context.Context, database *db.DB, a, b string) (bool, error) {
	ab, err := acceptedFollow(ctx, database, a, b)
	if err != nil {
		return false, err
	}
	ba, err := acceptedFollow(ctx, database, b, a)
	if err != nil {
		return false, err
	}

	if ab && ba {
		if err := database.CreateFriendship(ctx, a, b); err != nil {
			return false, err
		}
		log.Printf("Friendship: %s and %s are friends", a, b)
		return true, nil
	}
	if err := database.DeleteFriendship(ctx, a, b); err != nil {
		return false, err
	}
	return false, nil
}

func acceptedFollow(ctx context.Context, database *db.DB, follower, followed string) (bool, error) {
	follow, err := database.ReadFollow(ctx, follower, followed)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return follow.Status == domain.FollowAccepted, nil
}
