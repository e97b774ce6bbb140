package rbac

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// stubRepo is a hand-wired Repository for unit tests
type stubRepo struct {
	mu         sync.Mutex
	roles      map[RoleID]RoleRef
	assigned   map[PrincipalID][]RoleID
	direct     map[PrincipalID][]PermissionRef
	rolePerms  map[RoleID][]PermissionRef
	err        error
	roleErr    map[RoleID]error
	roleCalls  int
	permsCalls int
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		roles:     make(map[RoleID]RoleRef),
		assigned:  make(map[PrincipalID][]RoleID),
		direct:    make(map[PrincipalID][]PermissionRef),
		rolePerms: make(map[RoleID][]PermissionRef),
		roleErr:   make(map[RoleID]error),
	}
}

func (s *stubRepo) addRole(id RoleID, parent *RoleID, mods ...func(*RoleRef)) {
	ref := RoleRef{ID: id, Name: "role" + uuid.NewString()[:4], IsActive: true, ParentID: parent}
	for _, m := range mods {
		m(&ref)
	}
	s.roles[id] = ref
}

func parentOf(id RoleID) *RoleID { return &id }

func (s *stubRepo) GetAssignedRoles(ctx context.Context, p PrincipalID) ([]RoleRef, error) {
	if s.err != nil {
		return nil, s.err
	}
	var refs []RoleRef
	for _, id := range s.assigned[p] {
		refs = append(refs, s.roles[id])
	}
	return refs, nil
}

func (s *stubRepo) GetRoleByID(ctx context.Context, id RoleID) (RoleRef, error) {
	s.mu.Lock()
	s.roleCalls++
	s.mu.Unlock()
	if err := s.roleErr[id]; err != nil {
		return RoleRef{}, err
	}
	ref, ok := s.roles[id]
	if !ok {
		return RoleRef{}, ErrNotFound
	}
	return ref, nil
}

func (s *stubRepo) GetDirectPermissions(ctx context.Context, p PrincipalID) ([]PermissionRef, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.direct[p], nil
}

func (s *stubRepo) GetRolePermissions(ctx context.Context, id RoleID) ([]PermissionRef, error) {
	s.mu.Lock()
	s.permsCalls++
	s.mu.Unlock()
	if err := s.roleErr[id]; err != nil {
		return nil, err
	}
	return s.rolePerms[id], nil
}
