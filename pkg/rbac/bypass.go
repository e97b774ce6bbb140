package rbac

// IsBypassed reports whether any role in the closed set is a system role.
// The flag decides, not the role name.
func IsBypassed(roles RoleSet) bool {
	for _, r := range roles {
		if r.IsSystem && r.Usable() {
			return true
		}
	}
	return false
}
