package domain

import "time"

// Session binds an opaque session ID to an authenticated identity and its
// authorization-relevant attributes for a bounded lifetime.
type Session struct {
	ID             string
	UserID         string
	Username       string
	Roles          []string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	Metadata       map[string]string
}

// Expired reports whether the session is past its expiry at the given time.
// Expired sessions are indistinguishable from absent ones to store callers.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Clone returns a deep copy so callers cannot mutate store-held state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Roles = append([]string(nil), s.Roles...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
