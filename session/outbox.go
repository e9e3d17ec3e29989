package session

import "github.com/V-prajit/Terminator/protocol"

// Delivery is an outbound message produced by a session operation. Manager
// operations never write to connections; they return deliveries for the
// connection registry to fan out.
type Delivery struct {
	SessionID string
	// Target restricts delivery to one connection.
	Target string
	// Exclude skips one connection, usually the originator.
	Exclude string
	Message protocol.Message
}

func broadcast(sessionID string, msg protocol.Message) Delivery {
	return Delivery{SessionID: sessionID, Message: msg}
}

func broadcastExcept(sessionID, exclude string, msg protocol.Message) Delivery {
	return Delivery{SessionID: sessionID, Exclude: exclude, Message: msg}
}

func unicast(sessionID, target string, msg protocol.Message) Delivery {
	return Delivery{SessionID: sessionID, Target: target, Message: msg}
}
