package model

// AuthUser is the in-memory representation of an authenticated principal,
// populated at token validation time. Prompt trees, threads, traces and
// credentials are all scoped to UserID.
type AuthUser struct {
	UserID      string
	Email       string
	DisplayName string
}

func NewAuthUser(userID, email, displayName string) *AuthUser {
	return &AuthUser{UserID: userID, Email: email, DisplayName: displayName}
}
