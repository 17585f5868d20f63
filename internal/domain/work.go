package domain

import "time"

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

func (r Role) Valid() bool { return r == RoleAdmin || r == RoleSuperAdmin }

type Actor struct {
	ID   string
	Role Role
}

func (a Actor) Valid() bool { return a.ID != "" && a.Role.Valid() }

// CanMutate: an admin only touches its own works, a superadmin any work.
func (a Actor) CanMutate(ownerID string) bool {
	switch a.Role {
	case RoleSuperAdmin:
		return true
	case RoleAdmin:
		return a.ID != "" && a.ID == ownerID
	}
	return false
}

// Scope is the owner filter applied to durable writes; empty means unscoped.
func (a Actor) Scope() string {
	if a.Role == RoleSuperAdmin {
		return ""
	}
	return a.ID
}

type Work struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"adminId"`
	CategoryID string    `json:"categoryId"`
	Prompt     string    `json:"prompt"`
	ImageURL   string    `json:"imageUrl"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Apply copies the set fields of p onto w.
func (w *Work) Apply(p WorkPatch) {
	if p.Prompt != nil {
		w.Prompt = *p.Prompt
	}
	if p.ImageURL != nil {
		w.ImageURL = *p.ImageURL
	}
	if p.CategoryID != nil {
		w.CategoryID = *p.CategoryID
	}
}
