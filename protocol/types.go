package protocol

// Client -> server message types
const (
	TypeJoinAsPlayer    = "join_as_player"
	TypeJoinAsDashboard = "join_as_dashboard"
	TypePlayerMove      = "player_move"
	TypePlayerUpdate    = "player_update"
	TypeGameState       = "game_state"
	TypeDecisionRelay   = "decision_relay"
	TypeCreateSession   = "create_session"
	TypeJoinSession     = "join_session"
	TypeLeaveSession    = "leave_session"
	TypeGetSessionInfo  = "get_session_info"
	TypePing            = "ping"
)

// Server -> client message types
const (
	TypeWelcome                 = "welcome"
	TypeSessionCreated          = "session_created"
	TypeSessionReady            = "session_ready"
	TypeSessionExpired          = "session_expired"
	TypeParticipantJoined       = "participant_joined"
	TypeParticipantLeft         = "participant_left"
	TypeParticipantDisconnected = "participant_disconnected"
	TypeGameStarted             = "game_started"
	TypeDecision                = "decision"
	TypeDebate                  = "debate"
	TypeGameStateUpdate         = "game_state_update"
	TypeSessionInfo             = "session_info"
	TypeError                   = "error"
	TypePong                    = "pong"
)
