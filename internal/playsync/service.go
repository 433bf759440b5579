package playsync

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/couchsync/backend/internal/models"
)

// Defaults for the engine's timing knobs. Overridable via Config (wired from
// env in the config package).
const (
	DefaultHeartbeatSweepInterval = 30 * time.Second
	DefaultEvictionThreshold      = 2 * time.Minute
	DefaultCleanupInterval        = 5 * time.Minute
	DefaultSessionTTL             = 24 * time.Hour
	DefaultMaxParticipants        = 25
)

// Access codes are short, human-shareable and unambiguous (no 0/O, 1/I/L).
const (
	accessCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	accessCodeLength   = 6
	accessCodeAttempts = 10
)

// Config holds the engine's tunables.
type Config struct {
	SampleWindow           time.Duration
	HeartbeatSweepInterval time.Duration
	EvictionThreshold      time.Duration
	CleanupInterval        time.Duration
	SessionTTL             time.Duration
	DefaultMaxParticipants int
}

func (c Config) withDefaults() Config {
	if c.SampleWindow <= 0 {
		c.SampleWindow = SampleWindow
	}
	if c.HeartbeatSweepInterval <= 0 {
		c.HeartbeatSweepInterval = DefaultHeartbeatSweepInterval
	}
	if c.EvictionThreshold <= 0 {
		c.EvictionThreshold = DefaultEvictionThreshold
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.DefaultMaxParticipants <= 0 {
		c.DefaultMaxParticipants = DefaultMaxParticipants
	}
	return c
}

// VideoProvider supplies video durations. Duration is advisory: the engine
// logs out-of-range seeks, it does not reject them.
type VideoProvider interface {
	Duration(ctx context.Context, videoID uuid.UUID) (float64, error)
}

// JoinResult is returned to a joining client.
type JoinResult struct {
	Participant  models.Participant   `json:"participant"`
	Participants []models.Participant `json:"participants"`
	Session      models.Session       `json:"session"`
	Rejoined     bool                 `json:"rejoined"`
}

// HeartbeatInput is one client heartbeat.
type HeartbeatInput struct {
	ClientTime   time.Time
	Position     float64
	IsPlaying    bool
	PlaybackRate float64
}

// Service is the synchronization coordination engine: session and
// participant lifecycle, playback-state broadcast, lag estimation, liveness
// sweeps and host failover. It is an explicit, constructible instance; its
// collaborators (persistence, emitter, video metadata) are injected so
// multiple isolated instances can coexist.
type Service struct {
	cfg       Config
	emitter   Emitter
	persister Persister
	videos    VideoProvider
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	workers map[uuid.UUID]*sessionWorker
	byCode  map[string]*sessionWorker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the engine and starts its background sweeps. The
// heartbeat staleness sweep and session cleanup stop when parent is
// cancelled or Close is called.
func NewService(parent context.Context, cfg Config, emitter Emitter, persister Persister, videos VideoProvider, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:       cfg.withDefaults(),
		emitter:   emitter,
		persister: persister,
		videos:    videos,
		logger:    logger,
		now:       time.Now,
		workers:   make(map[uuid.UUID]*sessionWorker),
		byCode:    make(map[string]*sessionWorker),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.wg.Add(2)
	go s.heartbeatSweep()
	go s.cleanupSweep()
	return s
}

// Close stops the sweeps and the per-session workers.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// CreateSession creates a session with a fresh id and access code. The host
// becomes a participant on join, not on creation.
func (s *Service) CreateSession(ctx context.Context, videoID uuid.UUID, name string, hostID uuid.UUID, settings models.SessionSettings) (models.Session, error) {
	if settings.MaxParticipants <= 0 {
		settings.MaxParticipants = s.cfg.DefaultMaxParticipants
	}

	var duration float64
	if s.videos != nil {
		d, err := s.videos.Duration(ctx, videoID)
		if err != nil {
			// Metadata is a soft collaborator; a miss only disables the
			// advisory timestamp bound.
			s.logger.Warn("video duration lookup failed", zap.String("video_id", videoID.String()), zap.Error(err))
		} else {
			duration = d
		}
	}

	now := s.now()
	session := models.Session{
		ID:           uuid.New(),
		VideoID:      videoID,
		Name:         name,
		HostID:       hostID,
		PlaybackRate: 1.0,
		Settings:     settings,
		LastActivity: now,
		IsActive:     true,
		CreatedAt:    now,
	}

	s.mu.Lock()
	code, err := s.uniqueAccessCodeLocked()
	if err != nil {
		s.mu.Unlock()
		return models.Session{}, err
	}
	session.AccessCode = code
	w := newSessionWorker(s.ctx, session, workerConfig{
		sampleWindow:  s.cfg.SampleWindow,
		evictAfter:    s.cfg.EvictionThreshold,
		videoDuration: duration,
	}, s.emitter, s.persister, s.logger.With(zap.String("session_id", session.ID.String())), s.now, s.removeWorker)
	s.workers[session.ID] = w
	s.byCode[code] = w
	s.mu.Unlock()

	s.persister.PersistSession(session)
	s.logger.Info("session created",
		zap.String("session_id", session.ID.String()),
		zap.String("access_code", code),
		zap.Int("max_participants", settings.MaxParticipants),
	)
	return session, nil
}

// EndSession terminates a session. Fails with ErrPermissionDenied unless the
// actor is the host or a controller. All per-session timers and the lag
// windows are discarded immediately.
func (s *Service) EndSession(sessionID, actorID uuid.UUID) error {
	w, err := s.worker(sessionID)
	if err != nil {
		return err
	}
	return w.end(actorID, false, "ended by host")
}

// GetSession returns a point-in-time copy of the session.
func (s *Service) GetSession(sessionID uuid.UUID) (models.Session, error) {
	w, err := s.worker(sessionID)
	if err != nil {
		return models.Session{}, err
	}
	snap, err := w.snapshot()
	if err != nil {
		return models.Session{}, err
	}
	return snap.session, nil
}

// FindByAccessCode resolves a session by its access code, case-insensitively.
func (s *Service) FindByAccessCode(code string) (models.Session, error) {
	s.mu.RLock()
	w, ok := s.byCode[strings.ToUpper(strings.TrimSpace(code))]
	s.mu.RUnlock()
	if !ok {
		return models.Session{}, ErrNotFound
	}
	snap, err := w.snapshot()
	if err != nil {
		return models.Session{}, err
	}
	return snap.session, nil
}

// Participants returns the active participants of a session in join order.
func (s *Service) Participants(sessionID uuid.UUID) ([]models.Participant, error) {
	w, err := s.worker(sessionID)
	if err != nil {
		return nil, err
	}
	snap, err := w.snapshot()
	if err != nil {
		return nil, err
	}
	active := make([]models.Participant, 0, len(snap.participants))
	for _, p := range snap.participants {
		if p.IsActive {
			active = append(active, p)
		}
	}
	return active, nil
}

// Join adds a participant (or refreshes an existing one for the same
// device) and returns the current session state with the other members.
func (s *Service) Join(sessionID, userID uuid.UUID, deviceID, deviceName string) (JoinResult, error) {
	if deviceID == "" {
		return JoinResult{}, fmt.Errorf("%w: device_id required", ErrValidation)
	}
	w, err := s.worker(sessionID)
	if err != nil {
		return JoinResult{}, err
	}
	r, err := w.join(userID, deviceID, deviceName)
	if err != nil {
		return JoinResult{}, err
	}
	return JoinResult{
		Participant:  r.participant,
		Participants: r.others,
		Session:      r.session,
		Rejoined:     r.rejoined,
	}, nil
}

// Leave marks the participant inactive and triggers host failover when the
// departing participant was the host.
func (s *Service) Leave(sessionID, userID uuid.UUID, deviceID string) (bool, error) {
	w, err := s.worker(sessionID)
	if err != nil {
		return false, err
	}
	return w.leave(userID, deviceID)
}

// Heartbeat ingests one liveness/lag sample and returns the sender's
// current lag estimate and sync quality.
func (s *Service) Heartbeat(sessionID, participantID uuid.UUID, hb HeartbeatInput) (HeartbeatAck, error) {
	w, err := s.worker(sessionID)
	if err != nil {
		return HeartbeatAck{}, err
	}
	return w.heartbeat(heartbeatMsg{
		participantID: participantID,
		clientTime:    hb.ClientTime,
		position:      hb.Position,
		isPlaying:     hb.IsPlaying,
		playbackRate:  hb.PlaybackRate,
	})
}

// UpdatePlaybackState applies a validated full state change on behalf of the
// given user and fans out per-participant compensated payloads. Control
// commands are keyed by user id, matching the authenticated identity on both
// the REST and WebSocket paths.
func (s *Service) UpdatePlaybackState(sessionID, userID uuid.UUID, state models.PlaybackState) error {
	return s.change(sessionID, userID, changeState, state)
}

// Seek moves the canonical timestamp, keeping play state and rate.
func (s *Service) Seek(sessionID, userID uuid.UUID, timestamp float64) error {
	return s.change(sessionID, userID, changeSeek, models.PlaybackState{Timestamp: timestamp})
}

// Play resumes playback at the given timestamp.
func (s *Service) Play(sessionID, userID uuid.UUID, timestamp float64) error {
	return s.change(sessionID, userID, changePlay, models.PlaybackState{Timestamp: timestamp})
}

// Pause halts playback at the given timestamp.
func (s *Service) Pause(sessionID, userID uuid.UUID, timestamp float64) error {
	return s.change(sessionID, userID, changePause, models.PlaybackState{Timestamp: timestamp})
}

// ActiveSessions returns the number of live sessions (health/metrics).
func (s *Service) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

func (s *Service) change(sessionID, userID uuid.UUID, kind changeKind, state models.PlaybackState) error {
	w, err := s.worker(sessionID)
	if err != nil {
		return err
	}
	return w.update(userID, kind, state)
}

// worker resolves the owning worker without holding the lock across the
// message exchange.
func (s *Service) worker(sessionID uuid.UUID) (*sessionWorker, error) {
	s.mu.RLock()
	w, ok := s.workers[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return w, nil
}

func (s *Service) removeWorker(sessionID uuid.UUID, accessCode string) {
	s.mu.Lock()
	delete(s.workers, sessionID)
	delete(s.byCode, accessCode)
	s.mu.Unlock()
}

func (s *Service) allWorkers() []*sessionWorker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*sessionWorker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out
}

// heartbeatSweep periodically asks every session worker to evict
// participants whose heartbeat age exceeds the threshold. Posting is
// non-blocking so a busy session never stalls the monitor.
func (s *Service) heartbeatSweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, w := range s.allWorkers() {
				w.trySweep()
			}
		}
	}
}

// cleanupSweep terminates sessions idle beyond the TTL.
func (s *Service) cleanupSweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			cutoff := s.now().Add(-s.cfg.SessionTTL)
			for _, w := range s.allWorkers() {
				snap, err := w.snapshot()
				if err != nil {
					continue
				}
				if snap.session.LastActivity.Before(cutoff) {
					_ = w.end(uuid.Nil, true, "session expired")
				}
			}
		}
	}
}

func (s *Service) uniqueAccessCodeLocked() (string, error) {
	for i := 0; i < accessCodeAttempts; i++ {
		code, err := generateAccessCode()
		if err != nil {
			return "", err
		}
		if _, taken := s.byCode[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("access code space exhausted")
}

func generateAccessCode() (string, error) {
	buf := make([]byte, accessCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate access code: %w", err)
	}
	for i, b := range buf {
		buf[i] = accessCodeAlphabet[int(b)%len(accessCodeAlphabet)]
	}
	return string(buf), nil
}
