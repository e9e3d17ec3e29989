package protocol

import (
	"encoding/json"
	"fmt"
)

// Metadata is caller-supplied connection information (user agent, platform,
// display name). It is stored and forwarded verbatim.
type Metadata map[string]any

// Extra holds payload fields the relay does not interpret. They survive a
// decode/encode round trip unchanged.
type Extra map[string]json.RawMessage

// JoinAsPlayer is the payload of join_as_player.
type JoinAsPlayer struct {
	ParticipantID string   `json:"participantId"`
	SessionID     string   `json:"sessionId,omitempty"`
	Metadata      Metadata `json:"metadata,omitempty"`
}

// JoinAsDashboard is the payload of join_as_dashboard.
type JoinAsDashboard struct {
	SessionID string   `json:"sessionId,omitempty"`
	Metadata  Metadata `json:"metadata,omitempty"`
}

// CreateSession is the payload of create_session.
type CreateSession struct {
	SessionID string `json:"sessionId,omitempty"`
}

// JoinSession is the payload of join_session.
type JoinSession struct {
	SessionID     string   `json:"sessionId"`
	ParticipantID string   `json:"participantId,omitempty"`
	AsSpectator   bool     `json:"asSpectator,omitempty"`
	Metadata      Metadata `json:"metadata,omitempty"`
}

// GetSessionInfo is the payload of get_session_info.
type GetSessionInfo struct {
	SessionID string `json:"sessionId,omitempty"`
}

// Move is a single discrete movement reported by a participant. Position is
// nil when the participant did not report one.
type Move struct {
	Direction string   `json:"direction,omitempty"`
	Lane      int      `json:"lane"`
	Position  *float64 `json:"position,omitempty"`
	Extra     Extra    `json:"-"`
}

// DecodeMove decodes a player_move payload. The lane is required since every
// move feeds the lane history.
func DecodeMove(env Envelope) (Move, error) {
	var required struct {
		Lane *int `json:"lane"`
	}
	if err := DecodePayload(env, &required); err != nil {
		return Move{}, err
	}
	if required.Lane == nil {
		return Move{}, NewError(MalformedEnvelope, "%s requires a lane", env.Type)
	}
	var move Move
	if err := DecodePayload(env, &move); err != nil {
		return Move{}, err
	}
	return move, nil
}

func (m *Move) UnmarshalJSON(data []byte) error {
	type alias Move
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := collectExtra(data, "direction", "lane", "position")
	if err != nil {
		return err
	}
	*m = Move(a)
	m.Extra = extra
	return nil
}

func (m Move) MarshalJSON() ([]byte, error) {
	type alias Move
	return MarshalWithExtra(alias(m), m.Extra)
}

// StatUpdate is the payload of player_update. Nil fields are left untouched.
type StatUpdate struct {
	Lane         *int     `json:"lane,omitempty"`
	SurvivalTime *float64 `json:"survivalTime,omitempty"`
	BestTime     *float64 `json:"bestTime,omitempty"`
	Extra        Extra    `json:"-"`
}

func (u *StatUpdate) UnmarshalJSON(data []byte) error {
	type alias StatUpdate
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := collectExtra(data, "lane", "survivalTime", "bestTime")
	if err != nil {
		return err
	}
	*u = StatUpdate(a)
	u.Extra = extra
	return nil
}

func (u StatUpdate) MarshalJSON() ([]byte, error) {
	type alias StatUpdate
	return MarshalWithExtra(alias(u), u.Extra)
}

// DebateEntry is one line of commentary attached to a decision.
type DebateEntry struct {
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text"`
	Extra   Extra  `json:"-"`
}

func (d *DebateEntry) UnmarshalJSON(data []byte) error {
	type alias DebateEntry
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := collectExtra(data, "speaker", "text")
	if err != nil {
		return err
	}
	*d = DebateEntry(a)
	d.Extra = extra
	return nil
}

func (d DebateEntry) MarshalJSON() ([]byte, error) {
	type alias DebateEntry
	return MarshalWithExtra(alias(d), d.Extra)
}

// DecisionRelay is a decision computed outside the relay and forwarded by a
// participant.
type DecisionRelay struct {
	Decision string          `json:"decision"`
	Params   json.RawMessage `json:"params,omitempty"`
	Explain  string          `json:"explain,omitempty"`
	Debate   []DebateEntry   `json:"debate,omitempty"`
	Extra    Extra           `json:"-"`
}

func (r *DecisionRelay) UnmarshalJSON(data []byte) error {
	type alias DecisionRelay
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := collectExtra(data, "decision", "params", "explain", "debate")
	if err != nil {
		return err
	}
	*r = DecisionRelay(a)
	r.Extra = extra
	return nil
}

// Flatten merges fields into the JSON object form of v. Keys in fields win.
// It is used to build outbound payloads such as {participantId, ...move}.
func Flatten(v any, fields map[string]any) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("flatten %T: %w", v, err)
	}
	for k, fv := range fields {
		b, err := json.Marshal(fv)
		if err != nil {
			return nil, fmt.Errorf("flatten field %s: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}

func collectExtra(data []byte, known ...string) (Extra, error) {
	all := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return Extra(all), nil
}

// MarshalWithExtra encodes v as a JSON object and adds the extra fields that do
// not collide with its own keys.
func MarshalWithExtra(v any, extra Extra) ([]byte, error) {
	if len(extra) == 0 {
		return json.Marshal(v)
	}
	out, err := Flatten(v, nil)
	if err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, known := out[k]; !known {
			out[k] = raw
		}
	}
	return json.Marshal(out)
}
