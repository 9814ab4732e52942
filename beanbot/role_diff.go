package beanbot

// RoleDiff is the set of role changes needed to bring a member's roles
// in line with their selection from a menu.
type RoleDiff struct {
	Grant  []string `json:"grant"`
	Revoke []string `json:"revoke"`
}

// Empty reports whether the diff has no changes
func (d RoleDiff) Empty() bool {
	return len(d.Grant) == 0 && len(d.Revoke) == 0
}

// ComputeRoleDiff returns the roles to grant and revoke so that, of the
// roles in menuRoles, the member holds exactly those in selected.
//
// current is the member's full role list and selected is what they
// picked; roles outside menuRoles are ignored in both. Results follow
// the order of menuRoles.
func ComputeRoleDiff(menuRoles, current, selected []string) RoleDiff {
	held := make(map[string]bool, len(current))
	for _, r := range current {
		held[r] = true
	}
	want := make(map[string]bool, len(selected))
	for _, r := range selected {
		want[r] = true
	}

	diff := RoleDiff{Grant: []string{}, Revoke: []string{}}
	for _, r := range dedupe(menuRoles) {
		switch {
		case want[r] && !held[r]:
			diff.Grant = append(diff.Grant, r)
		case held[r] && !want[r]:
			diff.Revoke = append(diff.Revoke, r)
		}
	}
	return diff
}

// heldMenuRoles returns the roles in menuRoles that appear in memberRoles,
// in menu order.
func heldMenuRoles(menuRoles, memberRoles []string) []string {
	held := make(map[string]bool, len(memberRoles))
	for _, r := range memberRoles {
		held[r] = true
	}
	rv := []string{}
	for _, r := range menuRoles {
		if held[r] {
			rv = append(rv, r)
		}
	}
	return rv
}
