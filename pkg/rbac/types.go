package rbac

import (
	"encoding/json"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
)

// PrincipalID identifies the user whose permissions are resolved. It is
// supplied by the identity store and never interpreted.
type PrincipalID = uuid.UUID

// RoleID is the surrogate key of a role
type RoleID int64

// PermissionID is the surrogate key of a permission
type PermissionID int64

// Role is a full role record as stored in the roles table
type Role struct {
	ID          RoleID     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	IsSystem    bool       `json:"is_system" yaml:"is_system"`
	IsDefault   bool       `json:"is_default" yaml:"is_default"`
	IsActive    bool       `json:"is_active" yaml:"is_active"`
	SortOrder   int        `json:"sort_order" yaml:"sort_order"`
	ParentID    *RoleID    `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
	CreatedAt   time.Time  `json:"created" yaml:"-"`
	ModifiedAt  time.Time  `json:"modified" yaml:"-"`
}

// Ref returns the resolution view of the role
func (r Role) Ref() RoleRef {
	return RoleRef{
		ID:        r.ID,
		Name:      r.Name,
		IsActive:  r.IsActive,
		IsSystem:  r.IsSystem,
		ParentID:  r.ParentID,
		DeletedAt: r.DeletedAt,
	}
}

// Permission is a full permission record as stored in the permissions table
type Permission struct {
	ID          PermissionID `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	IsActive    bool         `json:"is_active" yaml:"is_active"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
	CreatedAt   time.Time    `json:"created" yaml:"-"`
	ModifiedAt  time.Time    `json:"modified" yaml:"-"`
}

// Ref returns the resolution view of the permission
func (p Permission) Ref() PermissionRef {
	return PermissionRef{
		ID:        p.ID,
		Name:      p.Name,
		IsActive:  p.IsActive,
		DeletedAt: p.DeletedAt,
	}
}

// RoleRef carries the role fields that matter to resolution
type RoleRef struct {
	ID        RoleID
	Name      string
	IsActive  bool
	IsSystem  bool
	ParentID  *RoleID
	DeletedAt *time.Time
}

// Usable reports whether the role may take part in resolution: it must be
// active and not soft-deleted.
func (r RoleRef) Usable() bool {
	return r.IsActive && r.DeletedAt == nil
}

// PermissionRef carries the permission fields that matter to resolution
type PermissionRef struct {
	ID        PermissionID
	Name      string
	IsActive  bool
	DeletedAt *time.Time
}

// Usable reports whether the permission is active and not soft-deleted
func (p PermissionRef) Usable() bool {
	return p.IsActive && p.DeletedAt == nil
}

// RoleSet is a closed set of usable roles keyed by ID
type RoleSet map[RoleID]RoleRef

// IDs returns the role IDs in ascending order
func (s RoleSet) IDs() []RoleID {
	ids := make([]RoleID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Names returns the role names in ascending order
func (s RoleSet) Names() []string {
	names := make([]string, 0, len(s))
	for _, r := range s {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}

// PermissionSet is a deduplicated set of permission names
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from the given names
func NewPermissionSet(names ...string) PermissionSet {
	s := make(PermissionSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Add inserts a name into the set
func (s PermissionSet) Add(name string) {
	s[name] = struct{}{}
}

// Has reports whether the set holds name. Comparison is exact.
func (s PermissionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the names in ascending order
func (s PermissionSet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// addUsable unions the usable permissions of refs into the set
func (s PermissionSet) addUsable(refs []PermissionRef) {
	for _, p := range refs {
		if p.Usable() {
			s[p.Name] = struct{}{}
		}
	}
}

// MarshalJSON encodes the set as a sorted array
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

// UnmarshalJSON decodes the set from an array of names
func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = NewPermissionSet(names...)
	return nil
}

// Effective is the resolved permission state of one principal. When All is
// set the principal holds a bypass role and Permissions is empty.
type Effective struct {
	All         bool          `json:"all"`
	Permissions PermissionSet `json:"permissions"`
	Roles       []string      `json:"roles,omitempty"`
	ResolvedAt  time.Time     `json:"resolved_at"`
}

// AllPermissions is the sentinel result for bypassed principals
func AllPermissions(roles []string, at time.Time) Effective {
	return Effective{All: true, Permissions: PermissionSet{}, Roles: roles, ResolvedAt: at}
}

// Clone returns a copy that shares no mutable state with e
func (e Effective) Clone() Effective {
	e.Permissions = maps.Clone(e.Permissions)
	if e.Roles != nil {
		e.Roles = slices.Clone(e.Roles)
	}
	return e
}

// Allows reports whether the result grants name
func (e Effective) Allows(name string) bool {
	return e.All || e.Permissions.Has(name)
}
