package rbac

import "regexp"

// MaxNameLength matches the width of the name columns
const MaxNameLength = 255

var permissionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9]+(\.[a-zA-Z0-9]+)*$`)

// ValidatePermissionName checks that name is a dotted path such as
// "rbac.roles.view"
func ValidatePermissionName(name string) error {
	switch {
	case name == "":
		return &NameError{Name: name, Reason: "name is required"}
	case len(name) > MaxNameLength:
		return &NameError{Name: name, Reason: "name exceeds 255 characters"}
	case !permissionNamePattern.MatchString(name):
		return &NameError{Name: name, Reason: "must be dot-separated segments of letters and digits"}
	}
	return nil
}
