// Package domain holds the relay's wire and storage types.
package domain

// User is a chat participant. ID is the identity provider's subject
// identifier.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// WithKey returns a copy of u whose ID is key.
func (u User) WithKey(key string) User {
	u.ID = key
	return u
}

// AuthResult is returned to a caller that created an account.
type AuthResult struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}
