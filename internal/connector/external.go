package connector

import "strconv"

// ExternalUser is a user as the external directory lists it.
type ExternalUser struct {
	ID        int                  `json:"id,omitempty"`
	Username  string               `json:"username"`
	FirstName string               `json:"first_name"`
	LastName  string               `json:"last_name"`
	Email     string               `json:"email"`
	IsActive  *bool                `json:"is_active,omitempty"`
	Customers []CustomerMembership `json:"customers,omitempty"`
}

// ExternalID is the id stored in the internal directory's externalId attribute.
func (u ExternalUser) ExternalID() string {
	return strconv.Itoa(u.ID)
}

// CustomerMembership is one tenant a user belongs to together with the role
// names granted there.
type CustomerMembership struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	AccessID int      `json:"sw_access_id"`
	Roles    []string `json:"roles"`
}

// Customer is an external tenant.
type Customer struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Access is a tenant access record binding a user to a customer.
type Access struct {
	ID   int `json:"id"`
	User struct {
		ID       int    `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	Customer Customer `json:"customer"`
}
