package bridge

import "nhooyr.io/websocket"

const (
	TypeConnected = "connected"
	TypeOutput    = "output"
	TypeExit      = "exit"
	TypeError     = "error"

	TypeCommand = "command"
	TypeResize  = "resize"
)

const (
	// StatusSessionNotFound closes a connection that named an unknown session.
	StatusSessionNotFound websocket.StatusCode = 4404

	ReasonSessionNotFound = "session not found"
	ReasonSessionExited   = "session exited"
)

// ClientMessage is a client->server message.
type ClientMessage struct {
	Type string `json:"type"`

	// Command is a line of input, set for "command". The line terminator is added by the server.
	Command string `json:"command,omitempty"`

	// Cols and Rows are set for "resize".
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// ServerMessage is any server->client message, for decoding on the client side.
// Only the fields for its Type are meaningful.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}

type connectedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type outputMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type exitMessage struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
