package playsync

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/couchsync/backend/internal/models"
)

func participantAt(joined time.Time, controller bool) *models.Participant {
	return &models.Participant{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		IsController: controller,
		JoinedAt:     joined,
		IsActive:     true,
	}
}

func TestPickSuccessorPrefersController(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	early := participantAt(base, false)
	controller := participantAt(base.Add(time.Minute), true)

	got := pickSuccessor([]*models.Participant{early, controller})
	require.Equal(t, controller.ID, got.ID)
}

func TestPickSuccessorFallsBackToEarliestJoined(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	second := participantAt(base.Add(time.Minute), false)
	first := participantAt(base, false)

	got := pickSuccessor([]*models.Participant{second, first})
	require.Equal(t, first.ID, got.ID)
}

func TestPickSuccessorBreaksControllerTieByJoinOrder(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	laterController := participantAt(base.Add(time.Minute), true)
	earlierController := participantAt(base, true)

	got := pickSuccessor([]*models.Participant{laterController, earlierController})
	require.Equal(t, earlierController.ID, got.ID)
}

func TestPickSuccessorEmpty(t *testing.T) {
	require.Nil(t, pickSuccessor(nil))
	require.Nil(t, pickSuccessor([]*models.Participant{}))
}

func TestPickSuccessorDoesNotMutateInput(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := participantAt(base.Add(time.Minute), false)
	b := participantAt(base, true)
	in := []*models.Participant{a, b}

	pickSuccessor(in)
	require.Equal(t, a.ID, in[0].ID)
	require.Equal(t, b.ID, in[1].ID)
}
