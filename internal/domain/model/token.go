package model

import "time"

// ConnectionTokenTTL is how long a completed transport handshake stays valid
// while waiting for job binding.
const ConnectionTokenTTL = 30 * time.Second

// ConnectionToken is proof that a transport handshake completed. It is not a
// security credential; it only bounds the window in which the connection must
// bind to a job before being discarded.
type ConnectionToken struct {
	JobID     string
	CreatedAt time.Time
}

func NewConnectionToken(jobID string) ConnectionToken {
	return ConnectionToken{JobID: jobID, CreatedAt: time.Now()}
}

// Expired reports whether job binding failed to occur within the validity
// window.
func (t ConnectionToken) Expired(now time.Time) bool {
	return now.Sub(t.CreatedAt) > ConnectionTokenTTL
}
