package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authorization events
	EventTypePermissionCheck  EventType = "authz.permission_check"
	EventTypeAccessDenied     EventType = "authz.access_denied"
	EventTypeCacheInvalidated EventType = "authz.cache_invalidated"

	// Administrative events
	EventTypeRoleChange       EventType = "admin.role_change"
	EventTypePermissionChange EventType = "admin.permission_change"
	EventTypeMatrixChange     EventType = "admin.matrix_change"
	EventTypeRoleAssign       EventType = "admin.role_assign"
	EventTypeRoleRevoke       EventType = "admin.role_revoke"
	EventTypePermissionGrant  EventType = "admin.permission_grant"
	EventTypePermissionRevoke EventType = "admin.permission_revoke"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType names what an event acted upon
type ResourceType string

const (
	ResourceTypePrincipal  ResourceType = "principal"
	ResourceTypeRole       ResourceType = "role"
	ResourceTypePermission ResourceType = "permission"
	ResourceTypeCache      ResourceType = "cache"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor is the authenticated caller; PrincipalID the subject of the check
	ActorID     string   `json:"actor_id,omitempty"`
	PrincipalID string   `json:"principal_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`

	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	// Request context
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*AuditEvent, error) {
	var event AuditEvent
	err := json.Unmarshal(data, &event)
	return &event, err
}
