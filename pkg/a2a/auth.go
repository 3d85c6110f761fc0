package a2a

import "time"

/*
AuthGrant is the credential exchange result: the opaque session handle a
client presents on its socket, plus what the server resolved the
credential to.  ExpiresIn counts seconds from issue, so clients can
schedule a refresh without clock agreement.
*/
type AuthGrant struct {
	SessionID   string   `json:"sessionId"`
	ExpiresIn   int      `json:"expiresIn"`
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions"`
}

// AuthAck answers a successful authenticate call on a socket.
type AuthAck struct {
	UserID      string    `json:"userId"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expiresAt"`
}
