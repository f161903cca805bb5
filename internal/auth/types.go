package auth

import "time"

// Identity is a user account, optionally affiliated with one tenant.
type Identity struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	FullName      string    `json:"full_name,omitempty"`
	ContactNo     string    `json:"contact_no,omitempty"`
	PasswordHash  string    `json:"-"`
	Verified      bool      `json:"is_verified"`
	IsAdmin       bool      `json:"is_admin"`
	IsTenantAdmin bool      `json:"is_hospital_admin"`
	TenantID      string    `json:"hospital_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (i *Identity) Role() Role {
	return RoleOf(i.IsAdmin, i.IsTenantAdmin)
}

// AccessClaims returns the claims carried by this identity's access tokens.
func (i *Identity) AccessClaims() Claims {
	return Claims{
		Subject:       i.ID,
		IsAdmin:       i.IsAdmin,
		IsTenantAdmin: i.IsTenantAdmin,
		TenantID:      i.TenantID,
	}
}

// ProfileUpdate holds self-service profile changes. Nil fields are left as is.
type ProfileUpdate struct {
	FullName  *string
	ContactNo *string
}

// OneTimeRecord backs the single-use guarantee of email-verify and
// password-reset tokens. Only the token hash is stored.
type OneTimeRecord struct {
	ID        string
	Kind      TokenKind
	Email     string
	TokenHash string
	Used      bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}
