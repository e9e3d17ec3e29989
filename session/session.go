// Package session owns the state of live game sessions: participant slots,
// spectators, bounded event history and the derived session status.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/V-prajit/Terminator/pattern"
	"github.com/V-prajit/Terminator/protocol"
)

// Status is derived from the number of occupied slots.
//
//	empty → waiting → full → waiting → empty
type Status string

const (
	StatusEmpty   Status = "empty"
	StatusWaiting Status = "waiting"
	StatusFull    Status = "full"
	StatusDeleted Status = "deleted"
)

// DeriveStatus maps an occupied-slot count to a Status.
func DeriveStatus(count, capacity int) Status {
	switch {
	case count <= 0:
		return StatusEmpty
	case count < capacity:
		return StatusWaiting
	default:
		return StatusFull
	}
}

// Stats is the per-participant game state.
type Stats struct {
	CurrentLane  int
	Position     *float64 // nil until reported
	RecentMoves  *Ring[protocol.Move]
	RecentLanes  *Ring[int]
	SurvivalTime float64
	BestTime     float64
	Extra        protocol.Extra
}

// Slot is an occupied participant position in a session.
type Slot struct {
	ParticipantID  string
	ConnectionID   string
	Metadata       protocol.Metadata
	Stats          Stats
	Connected      bool
	JoinedAt       time.Time
	DisconnectedAt time.Time
}

// Decision is a recorded decision. It is broadcast flattened with its extra
// fields.
type Decision struct {
	Decision      string          `json:"decision"`
	Params        json.RawMessage `json:"params,omitempty"`
	Explain       string          `json:"explain,omitempty"`
	ParticipantID string          `json:"participantId,omitempty"`
	Tick          uint64          `json:"tick"`
	Timestamp     int64           `json:"timestamp"`
	Extra         protocol.Extra  `json:"-"`
}

func (d Decision) MarshalJSON() ([]byte, error) {
	type alias Decision
	return protocol.MarshalWithExtra(alias(d), d.Extra)
}

// DebateRecord is a recorded commentary line.
type DebateRecord struct {
	protocol.DebateEntry
	Timestamp int64 `json:"timestamp"`
}

func (d DebateRecord) MarshalJSON() ([]byte, error) {
	fields, err := protocol.Flatten(d.DebateEntry, map[string]any{"timestamp": d.Timestamp})
	if err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}

// Session is one live game instance. All mutation goes through Manager, which
// holds mu while calling the unexported methods below.
type Session struct {
	ID        string
	Capacity  int
	CreatedAt time.Time

	mu           sync.Mutex
	slots        map[string]*Slot
	order        []string // participant ids in join order
	spectators   map[string]time.Time
	gameStarted  bool
	startedAt    time.Time
	tick         uint64
	decisions    *Ring[Decision]
	debate       *Ring[DebateRecord]
	patterns     *pattern.Metrics
	moveHistory  int
	lastActivity time.Time
	lastRequest  time.Time
	deleted      bool
}

func newSession(id string, cfg Config, now time.Time) *Session {
	return &Session{
		ID:           id,
		Capacity:     cfg.Capacity,
		CreatedAt:    now,
		slots:        make(map[string]*Slot),
		spectators:   make(map[string]time.Time),
		decisions:    NewRing[Decision](cfg.DecisionHistory),
		debate:       NewRing[DebateRecord](cfg.DebateHistory),
		moveHistory:  cfg.MoveHistory,
		lastActivity: now,
	}
}

// Status returns the current derived status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status()
}

// ParticipantCount returns the number of occupied slots.
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(time.Now())
}

// Decisions returns the recorded decision tail, oldest first.
func (s *Session) Decisions() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decisions.Items()
}

// Debate returns the recorded debate tail, oldest first.
func (s *Session) Debate() []DebateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debate.Items()
}

func (s *Session) status() Status {
	if s.deleted {
		return StatusDeleted
	}
	return DeriveStatus(len(s.slots), s.Capacity)
}

func (s *Session) touch(now time.Time) {
	s.lastActivity = now
}

func (s *Session) addSlot(participantID, connectionID string, md protocol.Metadata, now time.Time) *Slot {
	slot := &Slot{
		ParticipantID: participantID,
		ConnectionID:  connectionID,
		Metadata:      md,
		Connected:     true,
		JoinedAt:      now,
		Stats: Stats{
			RecentMoves: NewRing[protocol.Move](s.moveHistory),
			RecentLanes: NewRing[int](s.moveHistory),
		},
	}
	s.slots[participantID] = slot
	s.order = append(s.order, participantID)
	return slot
}

func (s *Session) removeSlot(participantID string) *Slot {
	slot, ok := s.slots[participantID]
	if !ok {
		return nil
	}
	delete(s.slots, participantID)
	for i, id := range s.order {
		if id == participantID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	// A pair that is no longer complete has no cross-participant signal.
	s.patterns = nil
	return slot
}

// startIfFull flips the game-started flag the first time the session fills.
func (s *Session) startIfFull(now time.Time) bool {
	if s.gameStarted || len(s.slots) < s.Capacity {
		return false
	}
	s.gameStarted = true
	s.startedAt = now
	return true
}

func (s *Session) elapsed(now time.Time) float64 {
	if !s.gameStarted {
		return 0
	}
	return now.Sub(s.startedAt).Seconds()
}

// analyze recomputes the pattern cache when the first two slots both hold
// enough lane samples.
func (s *Session) analyze() {
	if len(s.order) < 2 {
		return
	}
	a, b := s.slots[s.order[0]], s.slots[s.order[1]]
	m, ok := pattern.Analyze(a.Stats.RecentLanes.Items(), b.Stats.RecentLanes.Items())
	if !ok {
		return
	}
	s.patterns = &m
}

func (s *Session) connectionIDs() []string {
	ids := make([]string, 0, len(s.slots)+len(s.spectators))
	for _, pid := range s.order {
		if slot := s.slots[pid]; slot.Connected && slot.ConnectionID != "" {
			ids = append(ids, slot.ConnectionID)
		}
	}
	for id := range s.spectators {
		ids = append(ids, id)
	}
	return ids
}

// SlotView is the serialisable form of a Slot.
type SlotView struct {
	ParticipantID string            `json:"participantId"`
	Connected     bool              `json:"connected"`
	JoinedAt      time.Time         `json:"joinedAt"`
	Metadata      protocol.Metadata `json:"metadata,omitempty"`
	Stats         StatsView         `json:"stats"`
}

// StatsView is the serialisable form of Stats.
type StatsView struct {
	CurrentLane  int             `json:"currentLane"`
	Position     *float64        `json:"position,omitempty"`
	RecentMoves  []protocol.Move `json:"recentMoves"`
	RecentLanes  []int           `json:"recentLanes"`
	SurvivalTime float64         `json:"survivalTime"`
	BestTime     float64         `json:"bestTime"`
	Extra        protocol.Extra  `json:"extra,omitempty"`
}

func (slot *Slot) view() SlotView {
	return SlotView{
		ParticipantID: slot.ParticipantID,
		Connected:     slot.Connected,
		JoinedAt:      slot.JoinedAt,
		Metadata:      slot.Metadata,
		Stats: StatsView{
			CurrentLane:  slot.Stats.CurrentLane,
			Position:     slot.Stats.Position,
			RecentMoves:  slot.Stats.RecentMoves.Items(),
			RecentLanes:  slot.Stats.RecentLanes.Items(),
			SurvivalTime: slot.Stats.SurvivalTime,
			BestTime:     slot.Stats.BestTime,
			Extra:        slot.Stats.Extra,
		},
	}
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	SessionID        string           `json:"sessionId"`
	Status           Status           `json:"status"`
	Capacity         int              `json:"capacity"`
	ParticipantCount int              `json:"participantCount"`
	SpectatorCount   int              `json:"spectatorCount"`
	GameStarted      bool             `json:"gameStarted"`
	Participants     []SlotView       `json:"participants"`
	Tick             uint64           `json:"tick"`
	ElapsedTime      float64          `json:"elapsedTime"`
	Patterns         *pattern.Metrics `json:"patterns,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	LastActivity     time.Time        `json:"lastActivity"`
}

func (s *Session) snapshot(now time.Time) Snapshot {
	views := make([]SlotView, 0, len(s.order))
	for _, pid := range s.order {
		views = append(views, s.slots[pid].view())
	}
	var patterns *pattern.Metrics
	if s.patterns != nil {
		p := *s.patterns
		patterns = &p
	}
	return Snapshot{
		SessionID:        s.ID,
		Status:           s.status(),
		Capacity:         s.Capacity,
		ParticipantCount: len(s.slots),
		SpectatorCount:   len(s.spectators),
		GameStarted:      s.gameStarted,
		Participants:     views,
		Tick:             s.tick,
		ElapsedTime:      s.elapsed(now),
		Patterns:         patterns,
		CreatedAt:        s.CreatedAt,
		LastActivity:     s.lastActivity,
	}
}

// DerivedState summarises what a client would otherwise have to compute from
// the snapshot and the history tails.
type DerivedState struct {
	Status           Status                    `json:"status"`
	ParticipantCount int                       `json:"participantCount"`
	Capacity         int                       `json:"capacity"`
	GameStarted      bool                      `json:"gameStarted"`
	Patterns         map[string]pattern.Metric `json:"patterns,omitempty"`
	DecisionCount    int                       `json:"decisionCount"`
	DebateCount      int                       `json:"debateCount"`
	IdleSeconds      float64                   `json:"idleSeconds"`
}

// Info is the payload of a session_info reply.
type Info struct {
	SessionInfo  Snapshot     `json:"sessionInfo"`
	DerivedState DerivedState `json:"derivedState"`
}

func (s *Session) info(now time.Time) Info {
	snap := s.snapshot(now)
	derived := DerivedState{
		Status:           snap.Status,
		ParticipantCount: snap.ParticipantCount,
		Capacity:         snap.Capacity,
		GameStarted:      snap.GameStarted,
		DecisionCount:    s.decisions.Len(),
		DebateCount:      s.debate.Len(),
		IdleSeconds:      now.Sub(s.lastActivity).Seconds(),
	}
	if snap.Patterns != nil {
		derived.Patterns = snap.Patterns.ByName()
	}
	return Info{SessionInfo: snap, DerivedState: derived}
}
