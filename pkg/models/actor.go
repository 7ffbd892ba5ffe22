package models

// Actor is the acting user for a transition or condition check.
type Actor struct {
	ID          string   `json:"id"`                    // Identity reference (external user id)
	Roles       []string `json:"roles,omitempty"`       // Role names
	Groups      []string `json:"groups,omitempty"`      // Group names
	Permissions []string `json:"permissions,omitempty"` // Flat permission set
}

func (a *Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (a *Actor) InGroup(group string) bool {
	for _, g := range a.Groups {
		if g == group {
			return true
		}
	}
	return false
}

func (a *Actor) HasPermission(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}
