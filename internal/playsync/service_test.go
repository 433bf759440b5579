package playsync

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/couchsync/backend/internal/models"
)

type emitted struct {
	sessionID     uuid.UUID
	participantID uuid.UUID
	event         string
	payload       interface{}
}

type fakeEmitter struct {
	mu       sync.Mutex
	room     []emitted
	targeted []emitted
}

func (f *fakeEmitter) ToParticipant(sessionID, participantID uuid.UUID, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targeted = append(f.targeted, emitted{sessionID: sessionID, participantID: participantID, event: event, payload: payload})
}

func (f *fakeEmitter) ToSession(sessionID uuid.UUID, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.room = append(f.room, emitted{sessionID: sessionID, event: event, payload: payload})
}

func (f *fakeEmitter) roomEvents(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.room {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeEmitter) targetedEvents(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.targeted {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakePersister struct {
	mu           sync.Mutex
	sessions     []models.Session
	participants []models.Participant
	events       []models.SessionEvent
}

func (f *fakePersister) PersistSession(s models.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, s)
}

func (f *fakePersister) PersistParticipant(p models.Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants = append(f.participants, p)
}

func (f *fakePersister) PersistEvent(ev models.SessionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakePersister) eventKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fakeVideos struct {
	duration float64
}

func (f fakeVideos) Duration(_ context.Context, _ uuid.UUID) (float64, error) {
	return f.duration, nil
}

type engineFixture struct {
	svc     *Service
	emitter *fakeEmitter
	store   *fakePersister
	clock   *fakeClock
	hostID  uuid.UUID
}

func newEngine(t *testing.T) *engineFixture {
	t.Helper()
	fx := &engineFixture{
		emitter: &fakeEmitter{},
		store:   &fakePersister{},
		clock:   newFakeClock(),
		hostID:  uuid.New(),
	}
	fx.svc = NewService(context.Background(), Config{}, fx.emitter, fx.store, fakeVideos{duration: 7200}, zap.NewNop())
	fx.svc.now = fx.clock.Now
	t.Cleanup(fx.svc.Close)
	return fx
}

func (fx *engineFixture) createSession(t *testing.T, settings models.SessionSettings) models.Session {
	t.Helper()
	s, err := fx.svc.CreateSession(context.Background(), uuid.New(), "movie night", fx.hostID, settings)
	require.NoError(t, err)
	return s
}

func defaultSettings() models.SessionSettings {
	return models.SessionSettings{
		MaxParticipants: 10,
		AllowSeek:       true,
		AllowPause:      true,
		AllowRateChange: true,
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	fx := newEngine(t)
	s := fx.createSession(t, models.SessionSettings{AllowSeek: true, AllowPause: true})

	require.True(t, s.IsActive)
	require.Equal(t, 1.0, s.PlaybackRate)
	require.False(t, s.IsPlaying)
	require.Zero(t, s.CurrentTimestamp)
	require.Equal(t, DefaultMaxParticipants, s.Settings.MaxParticipants)
	require.Len(t, s.AccessCode, 6)
	require.Equal(t, strings.ToUpper(s.AccessCode), s.AccessCode)
}

func TestFindByAccessCodeCaseInsensitive(t *testing.T) {
	fx := newEngine(t)
	s := fx.createSession(t, defaultSettings())

	got, err := fx.svc.FindByAccessCode(" " + strings.ToLower(s.AccessCode) + " ")
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)

	_, err = fx.svc.FindByAccessCode("NOSUCH")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJoinRequiresDeviceID(t *testing.T) {
	fx := newEngine(t)
	s := fx.createSession(t, defaultSettings())

	_, err := fx.svc.Join(s.ID, uuid.New(), "", "tv")
	require.ErrorIs(t, err, ErrValidation)
}

func TestJoinAssignsHostRole(t *testing.T) {
	fx := newEngine(t)
	s := fx.createSession(t, defaultSettings())

	host, err := fx.svc.Join(s.ID, fx.hostID, "device-host", "tv")
	require.NoError(t, err)
	require.True(t, host.Participant.IsHost)
	require.True(t, host.Participant.IsController)
	require.Empty(t, host.Participants)

	guest, err := fx.svc.Join(s.ID, uuid.New(), "device-guest", "phone")
	require.NoError(t, err)
	require.False(t, guest.Participant.IsHost)
	require.Len(t, guest.Participants, 1)
	require.Equal(t, host.Participant.ID, guest.Participants[0].ID)
	require.Equal(t, 2, guest.Session.ParticipantCount)
}

func TestJoinCapacity(t *testing.T) {
	fx := newEngine(t)
	settings := defaultSettings()
	settings.MaxParticipants = 2
	s := fx.createSession(t, settings)

	_, err := fx.svc.Join(s.ID, uuid.New(), "d1", "")
	require.NoError(t, err)
	_, err = fx.svc.Join(s.ID, uuid.New(), "d2", "")
	require.NoError(t, err)

	_, err = fx.svc.Join(s.ID, uuid.New(), "d3", "")
	require.ErrorIs(t, err, ErrCapacity)

	list, err := fx.svc.Participants(s.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestRejoinSameDeviceIsIdempotent(t *testing.T) {
	fx := newEngine(t)
	s := fx.createSession(t, defaultSettings())
	userID := uuid.New()

	first, err := fx.svc.Join(s.ID, userID, "shared-device", "tv")
	require.NoError(t, err)

	fx.clock.Advance(time.Minute)
	again, err := fx.svc.Join(s.ID, userID, "shared-device", "tv")
	require.NoError(t, err)
	require.True(t, again.Rejoined)
	require.Equal(t, first.Participant.ID, again.Participant.ID)
	require.Equal(t, 1, again.Session.ParticipantCount)

	// The rejoin refreshed liveness.
	require.True(t, again.Participant.LastHeartbeat.After(first.Participant.LastHeartbeat))
}

func TestHeartbeatUpdatesLagAndQuality(t *testing.T) {
	fx := newEngine(t)
	s := fx.createSession(t, defaultSettings())
	r, err := fx.svc.Join(s.ID, fx.hostID, "d1", "")
	require.NoError(t, err)

	ack, err := fx.svc.Heartbeat(s.ID, r.Participant.ID, HeartbeatInput{
		ClientTime: fx.clock.Now().Add(-150 * time.Millisecond),
		Position:   12.5,
		IsPlaying:  true,
	})
	require.NoError(t, err)
	require.InDelta(t, 150, ack.NetworkLagMs, 1)
	require.Equal(t, models.SyncGood, ack.SyncQuality)

	_, err = fx.svc.Heartbeat(s.ID, uuid.New(), HeartbeatInput{ClientTime: fx.clock.Now()})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRejectsNegativeTimestamp(t *testing.T) {
	fx := newEngine(t)
	s := fx.createSession(t, defaultSettings())
	_, err := fx.svc.Join(s.ID, fx.hostID, "d1", "")
	require.NoError(t, err)

	require.ErrorIs(t, fx.svc.Seek(s.ID, fx.hostID, -1), ErrValidation)

	got, err := fx.svc.GetSession(s.ID)
	require.NoError(t, err)
	require.Zero(t, got.CurrentTimestamp)
}

func TestUpdateRejectsOutOfRangeRate(t *testing.T) {
	fx := newEngine(t)
	s := fx.createSession(t, defaultSettings())
	_, err := fx.svc.Join(s.ID, fx.hostID, "d1", "")
	require.NoError(t, err)

	err = fx.svc.UpdatePlaybackState(s.ID, fx.hostID, models.PlaybackState{Timestamp: 1, PlaybackRate: 0})
	require.ErrorIs(t, err, ErrValidation)

	err = fx.svc.UpdatePlaybackState(s.ID, fx.hostID, models.PlaybackState{Timestamp: 1, PlaybackRate: 4.5})
	require.ErrorIs(t, err, ErrValidation)
}

func TestUpdatePermissionDenied(t *testing.T) {
	fx := newEngine(t)
	settings := defaultSettings()
	settings.AllowParticipantControl = false
	s := fx.createSession(t, settings)

	_, err := fx.svc.Join(s.ID, fx.hostID, "d-host", "")
	require.NoError(t, err)
	guestID := uuid.New()
	_, err = fx.svc.Join(s.ID, guestID, "d-guest", "")
	require.NoError(t, err)

	require.ErrorIs(t, fx.svc.Play(s.ID, guestID, 30), ErrPermissionDenied)

	// Denied commands leave the canonical state untouched.
	got, err := fx.svc.GetSession(s.ID)
	require.NoError(t, err)
	require.False(t, got.IsPlaying)
	require.Zero(t, got.CurrentTimestamp)
	require.Empty(t, fx.emitter.targetedEvents(EventStateUpdate))
}

func TestParticipantControlSetting(t *testing.T) {
	fx := newEngine(t)
	settings := defaultSettings()
	settings.AllowParticipantControl = true
	s := fx.createSession(t, settings)

	guestID := uuid.New()
	_, err := fx.svc.Join(s.ID, guestID, "d-guest", "")
	require.NoError(t, err)

	require.NoError(t, fx.svc.Play(s.ID, guestID, 30))
	got, err := fx.svc.GetSession(s.ID)
	require.NoError(t, err)
	require.True(t, got.IsPlaying)
	require.Equal(t, 30.0, got.CurrentTimestamp)
}

func TestControlActorIsResolvedByUserID(t *testing.T) {
	fx := newEngine(t)
	settings := defaultSettings()
	settings.AllowParticipantControl = false
	s := fx.createSession(t, settings)

	// The host user is present on two devices: the first record carries the
	// host role, the second is a plain participant. Commands authenticate by
	// user, so the privileged record must win regardless of device.
	_, err := fx.svc.Join(s.ID, fx.hostID, "d-tv", "tv")
	require.NoError(t, err)
	second, err := fx.svc.Join(s.ID, fx.hostID, "d-phone", "phone")
	require.NoError(t, err)
	require.False(t, second.Participant.IsHost)

	require.NoError(t, fx.svc.Play(s.ID, fx.hostID, 15))
	got, err := fx.svc.GetSession(s.ID)
	require.NoError(t, err)
	require.True(t, got.IsPlaying)

	// A user with no participant record cannot act.
	require.ErrorIs(t, fx.svc.Seek(s.ID, uuid.New(), 20), ErrNotFound)
}

func TestStateUpdateCarriesLagCompensation(t *testing.T) {
	fx := newEngine(t)
	s := fx.createSession(t, defaultSettings())
	host, err := fx.svc.Join(s.ID, fx.hostID, "d-host", "")
	require.NoError(t, err)

	_, err = fx.svc.Heartbeat(s.ID, host.Participant.ID, HeartbeatInput{
		ClientTime: fx.clock.Now().Add(-200 * time.Millisecond),
		IsPlaying:  true,
	})
	require.NoError(t, err)

	require.NoError(t, fx.svc.Play(s.ID, fx.hostID, 60))

	updates := fx.emitter.targetedEvents(EventStateUpdate)
	require.Len(t, updates, 1)
	require.Equal(t, host.Participant.ID, updates[0].participantID)

	payload, ok := updates[0].payload.(StateUpdatePayload)
	require.True(t, ok)
	require.Equal(t, 60.0, payload.BaseTimestamp)
	require.InDelta(t, 0.2, payload.LagCompensation, 1e-9)
	require.InDelta(t, payload.BaseTimestamp+payload.LagCompensation, payload.Timestamp, 1e-9)
	require.True(t, payload.IsPlaying)
	require.InDelta(t, 1.04, payload.SuggestedRate, 1e-9)
}

func TestPauseZeroesCompensation(t *testing.T) {
	fx := newEngine(t)
	s := fx.createSession(t, defaultSettings())
	host, err := fx.svc.Join(s.ID, fx.hostID, "d-host", "")
	require.NoError(t, err)

	_, err = fx.svc.Heartbeat(s.ID, host.Participant.ID, HeartbeatInput{
		ClientTime: fx.clock.Now().Add(-500 * time.Millisecond),
	})
	require.NoError(t, err)

	require.NoError(t, fx.svc.Pause(s.ID, fx.hostID, 90))

	updates := fx.emitter.targetedEvents(EventStateUpdate)
	require.Len(t, updates, 1)
	payload := updates[0].payload.(StateUpdatePayload)
	require.Zero(t, payload.LagCompensation)
	require.Equal(t, 90.0, payload.Timestamp)
	require.False(t, payload.IsPlaying)
}

func TestLeaveTriggersHostFailover(t *testing.T) {
	fx := newEngine(t)
	s := fx.createSession(t, defaultSettings())

	_, err := fx.svc.Join(s.ID, fx.hostID, "d-host", "")
	require.NoError(t, err)
	fx.clock.Advance(time.Second)
	guestID := uuid.New()
	guest, err := fx.svc.Join(s.ID, guestID, "d-guest", "")
	require.NoError(t, err)

	left, err := fx.svc.Leave(s.ID, fx.hostID, "d-host")
	require.NoError(t, err)
	require.True(t, left)

	changed := fx.emitter.roomEvents(EventHostChanged)
	require.Len(t, changed, 1)
	payload := changed[0].payload.(HostChangedPayload)
	require.Equal(t, guest.Participant.ID, payload.HostParticipantID)
	require.Equal(t, guestID, payload.HostUserID)

	got, err := fx.svc.GetSession(s.ID)
	require.NoError(t, err)
	require.Equal(t, guestID, got.HostID)

	list, err := fx.svc.Participants(s.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].IsHost)
}

func TestLastLeaveEndsSession(t *testing.T) {
	fx := newEngine(t)
	s := fx.createSession(t, defaultSettings())
	_, err := fx.svc.Join(s.ID, fx.hostID, "d-host", "")
	require.NoError(t, err)

	_, err = fx.svc.Leave(s.ID, fx.hostID, "d-host")
	require.NoError(t, err)

	require.Len(t, fx.emitter.roomEvents(EventSessionEnded), 1)

	// The worker is gone; the session no longer resolves.
	_, err = fx.svc.GetSession(s.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = fx.svc.FindByAccessCode(s.AccessCode)
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, fx.svc.ActiveSessions())
}

func TestEndSessionRequiresHostOrController(t *testing.T) {
	fx := newEngine(t)
	s := fx.createSession(t, defaultSettings())
	_, err := fx.svc.Join(s.ID, fx.hostID, "d-host", "")
	require.NoError(t, err)
	guestID := uuid.New()
	_, err = fx.svc.Join(s.ID, guestID, "d-guest", "")
	require.NoError(t, err)

	require.ErrorIs(t, fx.svc.EndSession(s.ID, guestID), ErrPermissionDenied)

	require.NoError(t, fx.svc.EndSession(s.ID, fx.hostID))
	require.Len(t, fx.emitter.roomEvents(EventSessionEnded), 1)
	require.Contains(t, fx.store.eventKinds(), models.EventKindEnded)
}

func TestCleanupSweepEndsExpiredSessions(t *testing.T) {
	emitter := &fakeEmitter{}
	store := &fakePersister{}
	clk := newFakeClock()
	hostID := uuid.New()
	svc := NewService(context.Background(), Config{
		CleanupInterval: 10 * time.Millisecond,
		SessionTTL:      time.Minute,
	}, emitter, store, fakeVideos{duration: 7200}, zap.NewNop())
	svc.now = clk.Now
	t.Cleanup(svc.Close)

	s, err := svc.CreateSession(context.Background(), uuid.New(), "stale", hostID, defaultSettings())
	require.NoError(t, err)
	_, err = svc.Join(s.ID, hostID, "d-host", "")
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)

	require.Eventually(t, func() bool { return svc.ActiveSessions() == 0 }, 2*time.Second, 10*time.Millisecond)
	ended := emitter.roomEvents(EventSessionEnded)
	require.Len(t, ended, 1)
	require.Equal(t, "session expired", ended[0].payload.(SessionEndedPayload).Reason)

	_, err = svc.GetSession(s.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOperationsAfterEndReturnNotFound(t *testing.T) {
	fx := newEngine(t)
	s := fx.createSession(t, defaultSettings())
	_, err := fx.svc.Join(s.ID, fx.hostID, "d-host", "")
	require.NoError(t, err)
	require.NoError(t, fx.svc.EndSession(s.ID, fx.hostID))

	_, err = fx.svc.Join(s.ID, uuid.New(), "d2", "")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, fx.svc.Seek(s.ID, fx.hostID, 10), ErrNotFound)
}
