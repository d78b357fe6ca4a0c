package domain

import "time"

// Credentials carries the login material for one platform account. Which
// fields are meaningful depends on the platform adapter.
type Credentials struct {
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	Token    string            `json:"token,omitempty"`
	Cookie   string            `json:"cookie,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Empty reports whether no login material is present.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == "" && c.Token == "" && c.Cookie == "" && len(c.Extra) == 0
}

// PlatformCredential binds credentials to a user and platform. It is unique
// per (UserID, Platform).
type PlatformCredential struct {
	UserID      string      `json:"userId"`
	Platform    string      `json:"platform"`
	Credentials Credentials `json:"credentials"`
	IsActive    bool        `json:"isActive"`
	LastUsed    *time.Time  `json:"lastUsed,omitempty"`
}
