package session

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/V-prajit/Terminator/decision"
	"github.com/V-prajit/Terminator/metrics"
	"github.com/V-prajit/Terminator/pattern"
	"github.com/V-prajit/Terminator/protocol"
)

// Config holds the session manager settings.
type Config struct {
	Capacity         int
	IdleTimeout      time.Duration
	DisconnectGrace  time.Duration // 0 keeps disconnected slots until leave or expiry
	DecisionHistory  int
	DebateHistory    int
	MoveHistory      int
	ReplayDecisions  int
	ReplayDebate     int
	DecisionInterval time.Duration
}

// DefaultConfig returns the settings for the two-player game.
func DefaultConfig() Config {
	return Config{
		Capacity:         2,
		IdleTimeout:      30 * time.Minute,
		DecisionHistory:  50,
		DebateHistory:    30,
		MoveHistory:      10,
		ReplayDecisions:  5,
		ReplayDebate:     3,
		DecisionInterval: 2 * time.Second,
	}
}

// Manager creates, finds and deletes sessions and maps participants and
// spectator connections to them.
//
// Lock order is Manager.mu then Session.mu.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu           sync.RWMutex
	sessions     map[string]*Session
	participants map[string]string // participantID -> sessionID
	spectators   map[string]string // connectionID -> sessionID
	connections  map[string]string // connectionID -> participantID
}

// NewManager creates a session manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		sessions:     make(map[string]*Session),
		participants: make(map[string]string),
		spectators:   make(map[string]string),
		connections:  make(map[string]string),
	}
}

// JoinResult describes the outcome of a participant join.
type JoinResult struct {
	SessionID   string
	Created     bool
	Reconnected bool
	Slot        SlotView
	Deliveries  []Delivery
}

// SpectateResult describes the outcome of a spectator join.
type SpectateResult struct {
	SessionID  string
	Snapshot   Snapshot
	Deliveries []Delivery
}

// Expired describes a session removed by the sweep or by explicit deletion.
type Expired struct {
	SessionID     string
	ConnectionIDs []string
}

func normalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// CreateSession creates a session. An empty id generates a fresh one.
func (m *Manager) CreateSession(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(normalizeID(id))
}

func (m *Manager) createLocked(id string) (*Session, error) {
	if id == "" {
		id = m.generateIDLocked()
	} else if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionAlreadyExists, id)
	}
	s := newSession(id, m.cfg, m.now())
	m.sessions[id] = s
	metrics.ActiveSessions.Inc()
	m.logger.Info("session created", "session_id", id)
	return s, nil
}

// GetSession returns a live session.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[normalizeID(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// SessionOf returns the session a participant is mapped to.
func (m *Manager) SessionOf(participantID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.participants[participantID]
	return id, ok
}

// JoinAsParticipant places participantID in a slot.
//
// With a sessionID the session is created if it does not exist yet
// (create-or-join). Without one the participant returns to the session it
// already holds a slot in, then to the oldest waiting session with a free
// slot, and otherwise gets a new session. A participant mapped to a different
// session is detached from it first.
func (m *Manager) JoinAsParticipant(participantID, connectionID, sessionID string, md protocol.Metadata) (JoinResult, error) {
	if participantID == "" {
		return JoinResult{}, ErrMissingParticipantID
	}
	sessionID = normalizeID(sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var res JoinResult

	target, err := m.resolveTargetLocked(participantID, sessionID)
	if err != nil {
		return JoinResult{}, err
	}
	if target == nil {
		target, err = m.createLocked(sessionID)
		if err != nil {
			return JoinResult{}, err
		}
		res.Created = true
	}

	target.mu.Lock()
	slot, rejoin := target.slots[participantID]
	if !rejoin && len(target.slots) >= target.Capacity {
		target.mu.Unlock()
		return JoinResult{}, fmt.Errorf("%w: %s", ErrSessionFull, target.ID)
	}
	target.mu.Unlock()

	// Detach from a previous session only once the new slot is guaranteed.
	if prevPID, ok := m.connections[connectionID]; ok && prevPID != participantID {
		res.Deliveries = append(res.Deliveries, m.leaveLocked(prevPID, now)...)
	}
	if prev, ok := m.participants[participantID]; ok && prev != target.ID {
		res.Deliveries = append(res.Deliveries, m.leaveLocked(participantID, now)...)
	}
	if prev, ok := m.spectators[connectionID]; ok {
		m.unwatchLocked(connectionID, prev)
	}

	target.mu.Lock()
	if rejoin {
		if slot.ConnectionID != "" && slot.ConnectionID != connectionID {
			delete(m.connections, slot.ConnectionID)
		}
		slot.ConnectionID = connectionID
		slot.Connected = true
		slot.DisconnectedAt = time.Time{}
		for k, v := range md {
			if slot.Metadata == nil {
				slot.Metadata = protocol.Metadata{}
			}
			slot.Metadata[k] = v
		}
		res.Reconnected = true
	} else {
		slot = target.addSlot(participantID, connectionID, md, now)
		metrics.ParticipantsJoined.Inc()
	}
	target.touch(now)

	count, status := len(target.slots), target.status()
	res.Deliveries = append(res.Deliveries, broadcast(target.ID, protocol.NewMessage(protocol.TypeParticipantJoined, map[string]any{
		"participantId":    participantID,
		"participantCount": count,
		"status":           status,
		"metadata":         slot.Metadata,
		"reconnected":      rejoin,
	})))
	if target.startIfFull(now) {
		res.Deliveries = append(res.Deliveries, broadcast(target.ID, protocol.NewMessage(protocol.TypeGameStarted, map[string]any{
			"sessionId":    target.ID,
			"participants": append([]string(nil), target.order...),
		})))
		m.logger.Info("game started", "session_id", target.ID)
	}
	res.SessionID = target.ID
	res.Slot = slot.view()
	target.mu.Unlock()

	m.participants[participantID] = target.ID
	m.connections[connectionID] = participantID

	m.logger.Info("participant joined",
		"session_id", target.ID,
		"participant_id", participantID,
		"connection_id", connectionID,
		"reconnected", rejoin,
		"participant_count", count)
	return res, nil
}

// resolveTargetLocked picks the session for a join. A nil session with a nil
// error means a new one must be created.
func (m *Manager) resolveTargetLocked(participantID, sessionID string) (*Session, error) {
	if sessionID != "" {
		return m.sessions[sessionID], nil
	}
	if current, ok := m.participants[participantID]; ok {
		if s := m.sessions[current]; s != nil {
			return s, nil
		}
	}
	var candidates []*Session
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.status() == StatusWaiting {
			candidates = append(candidates, s)
		}
		s.mu.Unlock()
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0], nil
}

// JoinAsSpectator subscribes connectionID to a session and returns the replay
// that brings it to the current view: a session_ready snapshot, then the most
// recent decisions and debate lines, oldest first.
func (m *Manager) JoinAsSpectator(connectionID, sessionID string) (SpectateResult, error) {
	sessionID = normalizeID(sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return SpectateResult{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if prev, ok := m.spectators[connectionID]; ok && prev != sessionID {
		m.unwatchLocked(connectionID, prev)
	}
	m.spectators[connectionID] = sessionID

	now := m.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spectators[connectionID] = now
	s.touch(now)

	snap := s.snapshot(now)
	res := SpectateResult{SessionID: s.ID, Snapshot: snap}
	res.Deliveries = append(res.Deliveries, unicast(s.ID, connectionID, protocol.NewMessage(protocol.TypeSessionReady, map[string]any{
		"sessionId": s.ID,
		"snapshot":  snap,
	})))
	for _, d := range s.decisions.Last(m.cfg.ReplayDecisions) {
		res.Deliveries = append(res.Deliveries, unicast(s.ID, connectionID, protocol.Message{
			Type: protocol.TypeDecision, Data: d, Timestamp: d.Timestamp,
		}))
	}
	for _, d := range s.debate.Last(m.cfg.ReplayDebate) {
		res.Deliveries = append(res.Deliveries, unicast(s.ID, connectionID, protocol.Message{
			Type: protocol.TypeDebate, Data: d, Timestamp: d.Timestamp,
		}))
	}

	m.logger.Info("spectator joined", "session_id", s.ID, "connection_id", connectionID)
	return res, nil
}

func (m *Manager) unwatchLocked(connectionID, sessionID string) {
	delete(m.spectators, connectionID)
	if s, ok := m.sessions[sessionID]; ok {
		s.mu.Lock()
		delete(s.spectators, connectionID)
		s.mu.Unlock()
	}
}

// withParticipant runs fn on the participant's session and slot under the
// session lock.
func (m *Manager) withParticipant(participantID string, fn func(s *Session, slot *Slot, now time.Time) []Delivery) ([]Delivery, error) {
	if participantID == "" {
		return nil, ErrMissingParticipantID
	}
	m.mu.RLock()
	sessionID, ok := m.participants[participantID]
	s := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok || s == nil {
		return nil, fmt.Errorf("%w: %s", ErrParticipantNotFound, participantID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[participantID]
	if !ok || s.deleted {
		return nil, fmt.Errorf("%w: %s", ErrParticipantNotFound, participantID)
	}
	now := m.now()
	s.touch(now)
	return fn(s, slot, now), nil
}

// RecordMove updates the participant's stats, refreshes the pattern cache and
// relays the move to every other subscriber of the session.
func (m *Manager) RecordMove(participantID string, move protocol.Move) ([]Delivery, error) {
	return m.withParticipant(participantID, func(s *Session, slot *Slot, now time.Time) []Delivery {
		slot.Stats.CurrentLane = move.Lane
		if move.Position != nil {
			position := *move.Position
			slot.Stats.Position = &position
		}
		slot.Stats.RecentMoves.Push(move)
		slot.Stats.RecentLanes.Push(move.Lane)
		s.analyze()

		data, err := protocol.Flatten(move, map[string]any{"participantId": participantID})
		if err != nil {
			m.logger.Error("failed to encode move", "participant_id", participantID, "error", err)
			return nil
		}
		return []Delivery{broadcastExcept(s.ID, slot.ConnectionID, protocol.NewMessage(protocol.TypePlayerMove, data))}
	})
}

// UpdateStats applies a player_update and relays it to the other subscribers.
func (m *Manager) UpdateStats(participantID string, update protocol.StatUpdate) ([]Delivery, error) {
	return m.withParticipant(participantID, func(s *Session, slot *Slot, now time.Time) []Delivery {
		st := &slot.Stats
		if update.Lane != nil {
			st.CurrentLane = *update.Lane
		}
		if update.SurvivalTime != nil {
			st.SurvivalTime = *update.SurvivalTime
			if st.SurvivalTime > st.BestTime {
				st.BestTime = st.SurvivalTime
			}
		}
		if update.BestTime != nil && *update.BestTime > st.BestTime {
			st.BestTime = *update.BestTime
		}
		if len(update.Extra) > 0 {
			if st.Extra == nil {
				st.Extra = protocol.Extra{}
			}
			for k, v := range update.Extra {
				st.Extra[k] = v
			}
		}
		return []Delivery{broadcastExcept(s.ID, slot.ConnectionID, protocol.NewMessage(protocol.TypePlayerUpdate, map[string]any{
			"participantId": participantID,
			"stats":         slot.view().Stats,
		}))}
	})
}

// RelayGameState forwards a participant's game state to the other subscribers
// without interpreting it.
func (m *Manager) RelayGameState(participantID string, state []byte) ([]Delivery, error) {
	return m.withParticipant(participantID, func(s *Session, slot *Slot, now time.Time) []Delivery {
		msg := protocol.NewMessage(protocol.TypeGameStateUpdate, nil)
		msg.Data = map[string]any{
			"participantId": participantID,
			"gameState":     rawJSON(state),
			"timestamp":     msg.Timestamp,
		}
		return []Delivery{broadcastExcept(s.ID, slot.ConnectionID, msg)}
	})
}

// RecordDecision appends a decision with the next tick and broadcasts it to
// every subscriber. Debate lines carried by the decision are recorded too.
func (m *Manager) RecordDecision(sessionID, participantID string, in protocol.DecisionRelay) (Decision, []Delivery, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return Decision{}, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return Decision{}, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	now := m.now()
	s.touch(now)
	s.tick++
	d := Decision{
		Decision:      in.Decision,
		Params:        in.Params,
		Explain:       in.Explain,
		ParticipantID: participantID,
		Tick:          s.tick,
		Timestamp:     now.UnixMilli(),
		Extra:         in.Extra,
	}
	s.decisions.Push(d)
	deliveries := []Delivery{broadcast(s.ID, protocol.Message{Type: protocol.TypeDecision, Data: d, Timestamp: d.Timestamp})}
	for _, entry := range in.Debate {
		deliveries = append(deliveries, s.recordDebate(entry, now))
	}
	return d, deliveries, nil
}

// RecordDebate appends a commentary line and broadcasts it.
func (m *Manager) RecordDebate(sessionID string, entry protocol.DebateEntry) ([]Delivery, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := m.now()
	s.touch(now)
	return []Delivery{s.recordDebate(entry, now)}, nil
}

func (s *Session) recordDebate(entry protocol.DebateEntry, now time.Time) Delivery {
	rec := DebateRecord{DebateEntry: entry, Timestamp: now.UnixMilli()}
	s.debate.Push(rec)
	return broadcast(s.ID, protocol.Message{Type: protocol.TypeDebate, Data: rec, Timestamp: rec.Timestamp})
}

// DecisionRequest assembles a decision request when one is due: both slots
// are occupied and at least DecisionInterval has passed since the last
// request for the session.
func (m *Manager) DecisionRequest(sessionID string) (decision.Request, bool) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return decision.Request{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	if len(s.slots) < s.Capacity || now.Sub(s.lastRequest) < m.cfg.DecisionInterval {
		return decision.Request{}, false
	}
	s.lastRequest = now

	req := decision.Request{
		SessionID:           s.ID,
		CrossPatternMetrics: map[string]pattern.Metric{},
		ElapsedTime:         s.elapsed(now),
		Tick:                s.tick,
	}
	for _, pid := range s.order {
		slot := s.slots[pid]
		req.Participants = append(req.Participants, decision.Participant{
			ID:              pid,
			CurrentPosition: slot.Stats.CurrentLane,
			RecentPositions: slot.Stats.RecentLanes.Items(),
			RecentMoves:     slot.Stats.RecentMoves.Items(),
		})
	}
	if s.patterns != nil {
		req.CrossPatternMetrics = s.patterns.ByName()
	}
	return req, true
}

// Leave removes the participant's slot. The session itself is kept even when
// it becomes empty; only deletion or the idle sweep removes it.
func (m *Manager) Leave(participantID string) (string, []Delivery, error) {
	if participantID == "" {
		return "", nil, ErrMissingParticipantID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sessionID, ok := m.participants[participantID]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrParticipantNotFound, participantID)
	}
	return sessionID, m.leaveLocked(participantID, m.now()), nil
}

func (m *Manager) leaveLocked(participantID string, now time.Time) []Delivery {
	sessionID := m.participants[participantID]
	delete(m.participants, participantID)

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.removeSlot(participantID)
	if slot == nil {
		return nil
	}
	if slot.ConnectionID != "" && m.connections[slot.ConnectionID] == participantID {
		delete(m.connections, slot.ConnectionID)
	}
	s.touch(now)

	m.logger.Info("participant left",
		"session_id", s.ID,
		"participant_id", participantID,
		"participant_count", len(s.slots))
	return []Delivery{broadcast(s.ID, protocol.NewMessage(protocol.TypeParticipantLeft, map[string]any{
		"participantId":    participantID,
		"participantCount": len(s.slots),
		"status":           s.status(),
	}))}
}

// LeaveConnection is an explicit leave issued by a connection: a participant
// gives up its slot, a spectator stops watching.
func (m *Manager) LeaveConnection(connectionID string) (string, []Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pid, ok := m.connections[connectionID]; ok {
		sessionID := m.participants[pid]
		return sessionID, m.leaveLocked(pid, m.now()), nil
	}
	if sessionID, ok := m.spectators[connectionID]; ok {
		m.unwatchLocked(connectionID, sessionID)
		return sessionID, nil, nil
	}
	return "", nil, fmt.Errorf("%w: connection %s", ErrParticipantNotFound, connectionID)
}

// Disconnect handles a transport drop. A participant keeps its slot, flagged
// as disconnected, so the session status does not change; a spectator is
// unsubscribed.
func (m *Manager) Disconnect(connectionID string) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID, ok := m.spectators[connectionID]; ok {
		m.unwatchLocked(connectionID, sessionID)
	}

	pid, ok := m.connections[connectionID]
	if !ok {
		return nil
	}
	delete(m.connections, connectionID)

	s, ok := m.sessions[m.participants[pid]]
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[pid]
	if !ok || slot.ConnectionID != connectionID {
		return nil
	}
	slot.Connected = false
	slot.DisconnectedAt = m.now()

	m.logger.Info("participant disconnected", "session_id", s.ID, "participant_id", pid)
	return []Delivery{broadcast(s.ID, protocol.NewMessage(protocol.TypeParticipantDisconnected, map[string]any{
		"participantId":    pid,
		"participantCount": len(s.slots),
		"status":           s.status(),
	}))}
}

// Info returns the session_info payload for a session.
func (m *Manager) Info(sessionID string) (Info, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(m.now()), nil
}

// DeleteSession removes a session and all of its mappings.
func (m *Manager) DeleteSession(sessionID string) (Expired, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := normalizeID(sessionID)
	if _, ok := m.sessions[id]; !ok {
		return Expired{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return m.deleteLocked(id), nil
}

func (m *Manager) deleteLocked(id string) Expired {
	s := m.sessions[id]
	s.mu.Lock()
	defer s.mu.Unlock()

	exp := Expired{SessionID: id, ConnectionIDs: s.connectionIDs()}
	for pid, slot := range s.slots {
		if m.participants[pid] == id {
			delete(m.participants, pid)
		}
		if slot.ConnectionID != "" && m.connections[slot.ConnectionID] == pid {
			delete(m.connections, slot.ConnectionID)
		}
	}
	for cid := range s.spectators {
		if m.spectators[cid] == id {
			delete(m.spectators, cid)
		}
	}
	s.deleted = true
	delete(m.sessions, id)
	metrics.ActiveSessions.Dec()
	m.logger.Info("session deleted", "session_id", id)
	return exp
}

// Sweep deletes sessions idle for longer than IdleTimeout. When a disconnect
// grace is configured it also frees slots whose participant has been gone
// longer than the grace.
func (m *Manager) Sweep() ([]Expired, []Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []Expired
	var deliveries []Delivery

	for id, s := range m.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActivity) > m.cfg.IdleTimeout
		var stale []string
		if !idle && m.cfg.DisconnectGrace > 0 {
			for pid, slot := range s.slots {
				if !slot.Connected && now.Sub(slot.DisconnectedAt) > m.cfg.DisconnectGrace {
					stale = append(stale, pid)
				}
			}
		}
		s.mu.Unlock()

		if idle {
			expired = append(expired, m.deleteLocked(id))
			metrics.SessionsExpired.Inc()
			continue
		}
		for _, pid := range stale {
			deliveries = append(deliveries, m.leaveLocked(pid, now)...)
		}
	}
	return expired, deliveries
}

// Stats reports manager-wide counts.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byStatus := make(map[Status]int)
	for _, s := range m.sessions {
		s.mu.Lock()
		byStatus[s.status()]++
		s.mu.Unlock()
	}
	return map[string]any{
		"total_sessions":     len(m.sessions),
		"total_participants": len(m.participants),
		"total_spectators":   len(m.spectators),
		"by_status":          byStatus,
	}
}

const idAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// generateIDLocked returns an unused six character session code.
func (m *Manager) generateIDLocked() string {
	for {
		b := make([]byte, 6)
		if _, err := rand.Read(b); err != nil {
			return fmt.Sprintf("S%d", time.Now().UnixNano())
		}
		for i := range b {
			b[i] = idAlphabet[int(b[i])%len(idAlphabet)]
		}
		if _, taken := m.sessions[string(b)]; !taken {
			return string(b)
		}
	}
}
