package playsync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/couchsync/backend/internal/models"
)

// All mutations of one session's state flow through a single owning worker
// goroutine, so operations on the same session never interleave while
// different sessions run fully in parallel. Messages carry buffered reply
// channels; handlers always reply before returning.

type sessionMsg interface{ isSessionMsg() }

type joinMsg struct {
	userID     uuid.UUID
	deviceID   string
	deviceName string
	reply      chan joinReply
}

func (joinMsg) isSessionMsg() {}

type joinReply struct {
	participant models.Participant
	others      []models.Participant
	session     models.Session
	rejoined    bool
	err         error
}

type leaveMsg struct {
	userID   uuid.UUID
	deviceID string
	reply    chan leaveReply
}

func (leaveMsg) isSessionMsg() {}

type leaveReply struct {
	left bool
	err  error
}

type heartbeatMsg struct {
	participantID uuid.UUID
	clientTime    time.Time
	position      float64
	isPlaying     bool
	playbackRate  float64
	reply         chan heartbeatReply
}

func (heartbeatMsg) isSessionMsg() {}

type heartbeatReply struct {
	ack HeartbeatAck
	err error
}

type changeKind int

const (
	changeState changeKind = iota
	changeSeek
	changePlay
	changePause
)

type updateMsg struct {
	actorUserID uuid.UUID
	kind        changeKind
	state       models.PlaybackState
	reply       chan error
}

func (updateMsg) isSessionMsg() {}

type sweepMsg struct{}

func (sweepMsg) isSessionMsg() {}

type snapshotMsg struct {
	reply chan workerSnapshot
}

func (snapshotMsg) isSessionMsg() {}

type workerSnapshot struct {
	session      models.Session
	participants []models.Participant
}

type endMsg struct {
	actorUserID uuid.UUID
	force       bool
	reason      string
	reply       chan error
}

func (endMsg) isSessionMsg() {}

type workerConfig struct {
	sampleWindow  time.Duration
	evictAfter    time.Duration
	videoDuration float64 // seconds; 0 = unknown, check is advisory only
}

type sessionWorker struct {
	inbox     chan sessionMsg
	session   models.Session
	byID      map[uuid.UUID]*models.Participant
	byDevice  map[string]uuid.UUID
	order     []uuid.UUID // join order, inactive entries skipped
	estimator *LagEstimator
	emitter   Emitter
	persister Persister
	cfg       workerConfig
	logger    *zap.Logger
	now       func() time.Time
	onEnded   func(sessionID uuid.UUID, accessCode string)
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func newSessionWorker(parent context.Context, session models.Session, cfg workerConfig, emitter Emitter, persister Persister, logger *zap.Logger, now func() time.Time, onEnded func(uuid.UUID, string)) *sessionWorker {
	ctx, cancel := context.WithCancel(parent)
	if now == nil {
		now = time.Now
	}
	w := &sessionWorker{
		inbox:     make(chan sessionMsg, 64),
		session:   session,
		byID:      make(map[uuid.UUID]*models.Participant),
		byDevice:  make(map[string]uuid.UUID),
		estimator: NewLagEstimator(cfg.sampleWindow, now),
		emitter:   emitter,
		persister: persister,
		cfg:       cfg,
		logger:    logger,
		now:       now,
		onEnded:   onEnded,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *sessionWorker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			w.drainPending()
			return
		case m := <-w.inbox:
			switch msg := m.(type) {
			case joinMsg:
				msg.reply <- w.handleJoin(msg)
			case leaveMsg:
				msg.reply <- w.handleLeave(msg)
			case heartbeatMsg:
				msg.reply <- w.handleHeartbeat(msg)
			case updateMsg:
				msg.reply <- w.handleUpdate(msg)
			case sweepMsg:
				w.handleSweep()
			case snapshotMsg:
				msg.reply <- w.makeSnapshot()
			case endMsg:
				msg.reply <- w.handleEnd(msg)
			}
		}
	}
}

// drainPending answers messages that were buffered when the worker stopped,
// so no caller is left blocked on a reply.
func (w *sessionWorker) drainPending() {
	for {
		select {
		case m := <-w.inbox:
			switch msg := m.(type) {
			case joinMsg:
				msg.reply <- joinReply{err: ErrSessionEnded}
			case leaveMsg:
				msg.reply <- leaveReply{err: ErrSessionEnded}
			case heartbeatMsg:
				msg.reply <- heartbeatReply{err: ErrSessionEnded}
			case updateMsg:
				msg.reply <- ErrSessionEnded
			case snapshotMsg:
				msg.reply <- workerSnapshot{session: w.session}
			case endMsg:
				msg.reply <- ErrSessionEnded
			}
		default:
			return
		}
	}
}

func (w *sessionWorker) post(m sessionMsg) error {
	select {
	case w.inbox <- m:
		return nil
	case <-w.done:
		return ErrSessionEnded
	}
}

// trySweep posts a staleness sweep without blocking the monitor goroutine.
func (w *sessionWorker) trySweep() {
	select {
	case w.inbox <- sweepMsg{}:
	default:
	}
}

func (w *sessionWorker) join(userID uuid.UUID, deviceID, deviceName string) (joinReply, error) {
	reply := make(chan joinReply, 1)
	if err := w.post(joinMsg{userID: userID, deviceID: deviceID, deviceName: deviceName, reply: reply}); err != nil {
		return joinReply{}, err
	}
	select {
	case r := <-reply:
		return r, r.err
	case <-w.done:
		return joinReply{}, ErrSessionEnded
	}
}

func (w *sessionWorker) leave(userID uuid.UUID, deviceID string) (bool, error) {
	reply := make(chan leaveReply, 1)
	if err := w.post(leaveMsg{userID: userID, deviceID: deviceID, reply: reply}); err != nil {
		return false, err
	}
	select {
	case r := <-reply:
		return r.left, r.err
	case <-w.done:
		return false, ErrSessionEnded
	}
}

func (w *sessionWorker) heartbeat(m heartbeatMsg) (HeartbeatAck, error) {
	m.reply = make(chan heartbeatReply, 1)
	if err := w.post(m); err != nil {
		return HeartbeatAck{}, err
	}
	select {
	case r := <-m.reply:
		return r.ack, r.err
	case <-w.done:
		return HeartbeatAck{}, ErrSessionEnded
	}
}

func (w *sessionWorker) update(actorUserID uuid.UUID, kind changeKind, state models.PlaybackState) error {
	reply := make(chan error, 1)
	if err := w.post(updateMsg{actorUserID: actorUserID, kind: kind, state: state, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-w.done:
		return ErrSessionEnded
	}
}

func (w *sessionWorker) snapshot() (workerSnapshot, error) {
	reply := make(chan workerSnapshot, 1)
	if err := w.post(snapshotMsg{reply: reply}); err != nil {
		return workerSnapshot{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-w.done:
		return workerSnapshot{}, ErrSessionEnded
	}
}

func (w *sessionWorker) end(actorUserID uuid.UUID, force bool, reason string) error {
	reply := make(chan error, 1)
	if err := w.post(endMsg{actorUserID: actorUserID, force: force, reason: reason, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-w.done:
		return nil
	}
}

func (w *sessionWorker) handleJoin(m joinMsg) joinReply {
	if !w.session.IsActive {
		return joinReply{err: ErrSessionEnded}
	}
	now := w.now()
	if id, ok := w.byDevice[m.deviceID]; ok {
		if p := w.byID[id]; p != nil && p.IsActive {
			// Idempotent rejoin for the same device: refresh the heartbeat
			// and hand back the existing record, never a duplicate.
			p.LastHeartbeat = now
			w.session.LastActivity = now
			return joinReply{
				participant: *p,
				others:      w.activeCopies(p.ID),
				session:     w.session,
				rejoined:    true,
			}
		}
	}
	if w.session.ParticipantCount >= w.session.Settings.MaxParticipants {
		return joinReply{err: ErrCapacity}
	}

	p := &models.Participant{
		ID:            uuid.New(),
		SessionID:     w.session.ID,
		UserID:        m.userID,
		DeviceID:      m.deviceID,
		DeviceName:    m.deviceName,
		CanSeek:       w.session.Settings.AllowSeek,
		CanPause:      w.session.Settings.AllowPause,
		CanChangeRate: w.session.Settings.AllowRateChange,
		SyncQuality:   models.SyncGood,
		LastHeartbeat: now,
		JoinedAt:      now,
		IsActive:      true,
	}
	if m.userID == w.session.HostID && w.activeHost() == nil {
		p.IsHost = true
		p.IsController = true
		p.CanSeek, p.CanPause, p.CanChangeRate = true, true, true
	}
	w.byID[p.ID] = p
	w.byDevice[p.DeviceID] = p.ID
	w.order = append(w.order, p.ID)
	w.session.ParticipantCount++
	w.session.LastActivity = now

	w.persister.PersistParticipant(*p)
	w.persister.PersistSession(w.session)
	w.audit(models.EventKindJoined, p)
	w.emitter.ToSession(w.session.ID, EventParticipantJoined, ParticipantJoinedPayload{Participant: *p})
	w.logger.Info("participant joined",
		zap.String("participant_id", p.ID.String()),
		zap.String("device_id", p.DeviceID),
		zap.Bool("is_host", p.IsHost),
		zap.Int("participant_count", w.session.ParticipantCount),
	)

	if err := w.checkHostInvariant(); err != nil {
		return joinReply{err: err}
	}
	return joinReply{participant: *p, others: w.activeCopies(p.ID), session: w.session}
}

func (w *sessionWorker) handleLeave(m leaveMsg) leaveReply {
	if !w.session.IsActive {
		return leaveReply{err: ErrSessionEnded}
	}
	id, ok := w.byDevice[m.deviceID]
	if !ok {
		return leaveReply{err: ErrNotFound}
	}
	p := w.byID[id]
	if p == nil || !p.IsActive || p.UserID != m.userID {
		return leaveReply{err: ErrNotFound}
	}
	wasHost := p.IsHost
	w.deactivate(p, models.LeaveReasonLeft)
	w.emitter.ToSession(w.session.ID, EventParticipantLeft, ParticipantLeftPayload{
		ParticipantID: p.ID,
		UserID:        p.UserID,
		Reason:        models.LeaveReasonLeft,
	})
	if wasHost {
		w.failoverHost()
	}
	return leaveReply{left: true}
}

func (w *sessionWorker) handleHeartbeat(m heartbeatMsg) heartbeatReply {
	if !w.session.IsActive {
		return heartbeatReply{err: ErrSessionEnded}
	}
	p := w.byID[m.participantID]
	if p == nil || !p.IsActive {
		return heartbeatReply{err: ErrNotFound}
	}
	lag := w.estimator.Observe(p.ID, m.clientTime, m.position, m.isPlaying, m.playbackRate)
	avg, _ := w.estimator.AverageLag(p.ID)
	quality := w.estimator.Quality(p.ID)

	p.LastHeartbeat = w.now()
	p.LastKnownPosition = m.position
	p.AverageLag = float64(avg.Milliseconds())
	if quality != p.SyncQuality {
		p.SyncQuality = quality
		w.persister.PersistParticipant(*p)
	}

	return heartbeatReply{ack: HeartbeatAck{
		NetworkLagMs: float64(lag.Milliseconds()),
		AverageLagMs: float64(avg.Milliseconds()),
		SyncQuality:  quality,
	}}
}

func (w *sessionWorker) handleUpdate(m updateMsg) error {
	if !w.session.IsActive {
		return ErrSessionEnded
	}
	if m.state.Timestamp < 0 {
		return ErrValidation
	}
	if m.kind == changeState && (m.state.PlaybackRate <= 0 || m.state.PlaybackRate > models.MaxPlaybackRate) {
		return ErrValidation
	}
	actor := w.activeByUser(m.actorUserID)
	if actor == nil {
		return ErrNotFound
	}
	if !actor.CanControl(&w.session) {
		return ErrPermissionDenied
	}

	next := models.PlaybackState{
		Timestamp:    w.session.CurrentTimestamp,
		IsPlaying:    w.session.IsPlaying,
		PlaybackRate: w.session.PlaybackRate,
	}
	switch m.kind {
	case changeState:
		if m.state.PlaybackRate != w.session.PlaybackRate && !actor.CanChangeRate && !actor.IsHost {
			return ErrPermissionDenied
		}
		next = m.state
	case changeSeek:
		if !actor.CanSeek && !actor.IsHost {
			return ErrPermissionDenied
		}
		next.Timestamp = m.state.Timestamp
	case changePlay:
		if !actor.CanPause && !actor.IsHost {
			return ErrPermissionDenied
		}
		next.Timestamp = m.state.Timestamp
		next.IsPlaying = true
	case changePause:
		if !actor.CanPause && !actor.IsHost {
			return ErrPermissionDenied
		}
		next.Timestamp = m.state.Timestamp
		next.IsPlaying = false
	}

	if w.cfg.videoDuration > 0 && next.Timestamp > w.cfg.videoDuration {
		// Advisory only: the metadata provider bounds sane timestamps but
		// the core does not enforce them strictly.
		w.logger.Warn("timestamp beyond video duration",
			zap.Float64("timestamp", next.Timestamp),
			zap.Float64("duration", w.cfg.videoDuration),
		)
	}

	now := w.now()
	w.session.CurrentTimestamp = next.Timestamp
	w.session.IsPlaying = next.IsPlaying
	w.session.PlaybackRate = next.PlaybackRate
	w.session.LastActivity = now
	w.persister.PersistSession(w.session)

	for _, id := range w.order {
		p := w.byID[id]
		if !p.IsActive {
			continue
		}
		comp := w.estimator.Compensation(p.ID, next.PlaybackRate, next.IsPlaying)
		avg, _ := w.estimator.AverageLag(p.ID)
		w.emitter.ToParticipant(w.session.ID, p.ID, EventStateUpdate, StateUpdatePayload{
			Timestamp:       next.Timestamp + comp,
			BaseTimestamp:   next.Timestamp,
			LagCompensation: comp,
			IsPlaying:       next.IsPlaying,
			PlaybackRate:    next.PlaybackRate,
			SuggestedRate:   OptimalPlaybackRate(avg, next.PlaybackRate),
			ServerTimestamp: now,
			UpdatedBy:       actor.ID,
		})
	}
	return nil
}

func (w *sessionWorker) handleSweep() {
	if !w.session.IsActive {
		return
	}
	now := w.now()
	for _, id := range w.order {
		p := w.byID[id]
		if !p.IsActive || now.Sub(p.LastHeartbeat) <= w.cfg.evictAfter {
			continue
		}
		wasHost := p.IsHost
		w.deactivate(p, models.LeaveReasonEvicted)
		w.emitter.ToSession(w.session.ID, EventParticipantTimeout, ParticipantLeftPayload{
			ParticipantID: p.ID,
			UserID:        p.UserID,
			Reason:        models.LeaveReasonEvicted,
		})
		w.logger.Info("participant evicted",
			zap.String("participant_id", p.ID.String()),
			zap.Duration("heartbeat_age", now.Sub(p.LastHeartbeat)),
		)
		if wasHost {
			w.failoverHost()
		}
		if !w.session.IsActive {
			return
		}
	}
}

func (w *sessionWorker) handleEnd(m endMsg) error {
	if !w.session.IsActive {
		return ErrSessionEnded
	}
	if !m.force && !w.mayEnd(m.actorUserID) {
		return ErrPermissionDenied
	}
	w.endSession(m.reason)
	return nil
}

// mayEnd reports whether the user may terminate the session: the designated
// host, or any active participant holding a controller role.
func (w *sessionWorker) mayEnd(userID uuid.UUID) bool {
	if userID == w.session.HostID {
		return true
	}
	for _, id := range w.order {
		p := w.byID[id]
		if p.IsActive && p.UserID == userID && (p.IsHost || p.IsController) {
			return true
		}
	}
	return false
}

// deactivate soft-deletes a participant and releases its lag window
// synchronously. ParticipantCount decrements exactly once per transition.
func (w *sessionWorker) deactivate(p *models.Participant, reason string) {
	now := w.now()
	p.IsActive = false
	p.LeftAt = &now
	p.LeaveReason = reason
	w.session.ParticipantCount--
	w.session.LastActivity = now
	w.estimator.Drop(p.ID)
	if w.byDevice[p.DeviceID] == p.ID {
		delete(w.byDevice, p.DeviceID)
	}
	w.persister.PersistParticipant(*p)
	w.persister.PersistSession(w.session)
	kind := models.EventKindLeft
	if reason == models.LeaveReasonEvicted {
		kind = models.EventKindEvicted
	}
	w.audit(kind, p)
}

func (w *sessionWorker) failoverHost() {
	successor := pickSuccessor(w.activePointers())
	if successor == nil {
		w.endSession("host left with no remaining participants")
		return
	}
	successor.IsHost = true
	successor.IsController = true
	successor.CanSeek, successor.CanPause, successor.CanChangeRate = true, true, true
	w.session.HostID = successor.UserID
	w.persister.PersistParticipant(*successor)
	w.persister.PersistSession(w.session)
	w.audit(models.EventKindHostChanged, successor)
	w.emitter.ToSession(w.session.ID, EventHostChanged, HostChangedPayload{
		HostParticipantID: successor.ID,
		HostUserID:        successor.UserID,
	})
	w.logger.Info("host failover",
		zap.String("new_host", successor.ID.String()),
		zap.Bool("was_controller", successor.IsController),
	)
	if err := w.checkHostInvariant(); err != nil {
		w.logger.Error("host invariant violated after failover", zap.Error(err))
	}
}

func (w *sessionWorker) endSession(reason string) {
	if !w.session.IsActive {
		return
	}
	now := w.now()
	for _, id := range w.order {
		if p := w.byID[id]; p.IsActive {
			w.deactivate(p, models.LeaveReasonEnded)
		}
	}
	w.session.IsActive = false
	w.session.EndedAt = &now
	w.session.LastActivity = now
	w.persister.PersistSession(w.session)
	w.audit(models.EventKindEnded, nil)
	w.emitter.ToSession(w.session.ID, EventSessionEnded, SessionEndedPayload{
		SessionID: w.session.ID,
		Reason:    reason,
	})
	w.logger.Info("session ended", zap.String("reason", reason))
	if w.onEnded != nil {
		w.onEnded(w.session.ID, w.session.AccessCode)
	}
	w.cancel()
}

// checkHostInvariant enforces at most one active host. A violation is state
// corruption: the session is terminated and everyone notified.
func (w *sessionWorker) checkHostInvariant() error {
	hosts := 0
	for _, id := range w.order {
		if p := w.byID[id]; p.IsActive && p.IsHost {
			hosts++
		}
	}
	if hosts > 1 {
		w.logger.Error("multiple active hosts detected", zap.Int("hosts", hosts))
		w.endSession("state corruption: multiple hosts")
		return ErrFatal
	}
	return nil
}

// activeByUser resolves the acting participant from a user id. Control
// commands are attributed to the authenticated user, the same key mayEnd
// matches on; a user present on several devices acts with its most
// privileged record.
func (w *sessionWorker) activeByUser(userID uuid.UUID) *models.Participant {
	var found *models.Participant
	for _, id := range w.order {
		p := w.byID[id]
		if !p.IsActive || p.UserID != userID {
			continue
		}
		if p.IsHost || p.IsController {
			return p
		}
		if found == nil {
			found = p
		}
	}
	return found
}

func (w *sessionWorker) activeHost() *models.Participant {
	for _, id := range w.order {
		if p := w.byID[id]; p.IsActive && p.IsHost {
			return p
		}
	}
	return nil
}

func (w *sessionWorker) activePointers() []*models.Participant {
	out := make([]*models.Participant, 0, len(w.order))
	for _, id := range w.order {
		if p := w.byID[id]; p.IsActive {
			out = append(out, p)
		}
	}
	return out
}

func (w *sessionWorker) activeCopies(exclude uuid.UUID) []models.Participant {
	out := make([]models.Participant, 0, len(w.order))
	for _, id := range w.order {
		if p := w.byID[id]; p.IsActive && p.ID != exclude {
			out = append(out, *p)
		}
	}
	return out
}

func (w *sessionWorker) makeSnapshot() workerSnapshot {
	snap := workerSnapshot{session: w.session}
	snap.participants = make([]models.Participant, 0, len(w.order))
	for _, id := range w.order {
		snap.participants = append(snap.participants, *w.byID[id])
	}
	return snap
}

func (w *sessionWorker) audit(kind string, p *models.Participant) {
	ev := models.SessionEvent{
		ID:        uuid.New(),
		SessionID: w.session.ID,
		Kind:      kind,
		At:        w.now(),
	}
	if p != nil {
		pid, uid := p.ID, p.UserID
		ev.ParticipantID = &pid
		ev.UserID = &uid
	}
	w.persister.PersistEvent(ev)
}
