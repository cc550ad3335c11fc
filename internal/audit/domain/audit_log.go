package domain

import "time"

// Actions recorded by the authorization subsystem.
const (
	ActionSessionCreate      = "session.create"
	ActionSessionEvict       = "session.evict"
	ActionSessionDelete      = "session.delete"
	ActionAuthzCheck         = "authz.check"
	ActionAuthzFailOpen      = "authz.fail_open"
	ActionImpersonationGrant = "impersonation.grant"
	ActionImpersonationDeny  = "impersonation.deny"
	ActionAPIKeyCreate       = "apikey.create"
	ActionAPIKeyRevoke       = "apikey.revoke"
)

// Event is one audit record. Subject is the acting principal, Target the
// object acted on (session ID, relation triple, impersonated user). Allowed
// records the outcome for decision-shaped actions.
type Event struct {
	ID        string            `json:"id"`
	Subject   string            `json:"subject"`
	Action    string            `json:"action"`
	Target    string            `json:"target"`
	Allowed   bool              `json:"allowed"`
	IP        string            `json:"ip"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
