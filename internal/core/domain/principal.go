package domain

// RoleAdmin grants access to every owner's jobs.
const RoleAdmin = "admin"

// Principal is the authenticated caller of a query or admission operation.
type Principal struct {
	UserID string
	Roles  []string
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanAccess reports whether p may read or act on a job owned by ownerID.
func (p Principal) CanAccess(ownerID string) bool {
	return p.UserID == ownerID || p.HasRole(RoleAdmin)
}
