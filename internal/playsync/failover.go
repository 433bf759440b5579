package playsync

import (
	"sort"

	"github.com/couchsync/backend/internal/models"
)

// pickSuccessor selects the next host among the remaining active
// participants: controllers first, earliest join wins. The input slice must
// be in join order; the stable sort preserves that order for participants
// that compare equal, which is the only tie-break for identical join times.
// Returns nil when no active participant remains.
func pickSuccessor(active []*models.Participant) *models.Participant {
	if len(active) == 0 {
		return nil
	}
	candidates := make([]*models.Participant, len(active))
	copy(candidates, active)
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.IsController != b.IsController {
			return a.IsController
		}
		return a.JoinedAt.Before(b.JoinedAt)
	})
	return candidates[0]
}
