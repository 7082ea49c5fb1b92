package signup

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Role is the account type chosen before the identity redirect.
type Role string

const (
	// RoleTraveler books services.
	RoleTraveler Role = "traveler"
	// RoleProvider lists services; it travels on the wire as "service_provider".
	RoleProvider Role = "service_provider"
	// RoleAdmin only appears on sessions restored by the login callback.
	RoleAdmin Role = "admin"
)

// ParseRole normalizes form and wire spellings of a role.
func ParseRole(value string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "traveler", "traveller":
		return RoleTraveler, true
	case "provider", "service_provider", "service-provider":
		return RoleProvider, true
	case "admin":
		return RoleAdmin, true
	default:
		return "", false
	}
}

// IsRegistrable reports whether the role can be chosen on the sign-up form.
func (r Role) IsRegistrable() bool {
	return r == RoleTraveler || r == RoleProvider
}

// FormValue returns the value used by the sign-up form radio buttons.
func (r Role) FormValue() string {
	if r == RoleProvider {
		return "provider"
	}
	return string(r)
}

// IdentityPayload is the identity record handed back by the identity provider.
type IdentityPayload struct {
	ExternalID string `json:"externalId"`
	Email      string `json:"email"`
	FirstName  string `json:"firstName,omitempty"`
	LastName   string `json:"lastName,omitempty"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
}

// Valid reports whether the payload carries the fields required to register.
func (p *IdentityPayload) Valid() bool {
	return p != nil && p.ExternalID != "" && p.Email != ""
}

// ServiceLocation is where a provider operates.
type ServiceLocation struct {
	Region   string `json:"region,omitempty"`
	District string `json:"district,omitempty"`
	Ward     string `json:"ward,omitempty"`
	Street   string `json:"street,omitempty"`
}

// IsZero reports whether no location part was provided.
func (l *ServiceLocation) IsZero() bool {
	return l == nil || (l.Region == "" && l.District == "" && l.Ward == "" && l.Street == "")
}

// String flattens the location into the display form sent to the backend.
func (l *ServiceLocation) String() string {
	if l.IsZero() {
		return ""
	}
	parts := make([]string, 0, 5)
	for _, part := range []string{l.Street, l.Ward, l.District, l.Region} {
		if p := strings.TrimSpace(part); p != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, "Tanzania")
	return strings.Join(parts, ", ")
}

// PendingRegistration holds what the user entered before leaving for the
// identity provider.
type PendingRegistration struct {
	Role              Role             `json:"role"`
	Phone             string           `json:"phone"`
	FirstName         string           `json:"firstName,omitempty"`
	LastName          string           `json:"lastName,omitempty"`
	CompanyName       string           `json:"companyName,omitempty"`
	ServiceLocation   *ServiceLocation `json:"serviceLocation,omitempty"`
	ServiceCategories []string         `json:"serviceCategories,omitempty"`
	Description       string           `json:"description,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
}

// Expired reports whether the record is older than ttl at now.
func (p *PendingRegistration) Expired(now time.Time, ttl time.Duration) bool {
	if p == nil {
		return true
	}
	return now.Sub(p.CreatedAt) >= ttl
}

// Complete reports whether the record carries every field required to
// finish registration without further input.
func (p *PendingRegistration) Complete() bool {
	if p == nil || !p.Role.IsRegistrable() {
		return false
	}
	if strings.TrimSpace(p.Phone) == "" {
		return false
	}
	if p.Role == RoleProvider && strings.TrimSpace(p.CompanyName) == "" {
		return false
	}
	return true
}

// Clone returns a deep copy.
func (p *PendingRegistration) Clone() *PendingRegistration {
	if p == nil {
		return nil
	}
	out := *p
	if p.ServiceLocation != nil {
		loc := *p.ServiceLocation
		out.ServiceLocation = &loc
	}
	if p.ServiceCategories != nil {
		out.ServiceCategories = append([]string(nil), p.ServiceCategories...)
	}
	return &out
}

// SessionUser is the user record returned by the backend. Fields the
// backend sends that are not modelled here are kept in Extra and written
// back at the top level, so a stored session mirrors the backend's user.
type SessionUser struct {
	ID        string         `json:"id"`
	Email     string         `json:"email,omitempty"`
	FirstName string         `json:"firstName,omitempty"`
	LastName  string         `json:"lastName,omitempty"`
	Role      Role           `json:"userType,omitempty"`
	Phone     string         `json:"phone,omitempty"`
	AvatarURL string         `json:"avatarUrl,omitempty"`
	Extra     map[string]any `json:"-"`
}

var sessionUserKeys = []string{"id", "email", "firstName", "lastName", "userType", "phone", "avatarUrl"}

// UnmarshalJSON accepts the id as a JSON string or number.
func (u *SessionUser) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var wire struct {
		ID        json.RawMessage `json:"id"`
		Email     string          `json:"email"`
		FirstName string          `json:"firstName"`
		LastName  string          `json:"lastName"`
		Role      Role            `json:"userType"`
		Phone     string          `json:"phone"`
		AvatarURL string          `json:"avatarUrl"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	id, err := userID(wire.ID)
	if err != nil {
		return err
	}

	var extra map[string]any
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	for _, key := range sessionUserKeys {
		delete(extra, key)
	}
	if len(extra) == 0 {
		extra = nil
	}

	*u = SessionUser{
		ID:        id,
		Email:     wire.Email,
		FirstName: wire.FirstName,
		LastName:  wire.LastName,
		Role:      wire.Role,
		Phone:     wire.Phone,
		AvatarURL: wire.AvatarURL,
		Extra:     extra,
	}
	return nil
}

// MarshalJSON writes Extra next to the modelled fields.
func (u SessionUser) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(u.Extra)+len(sessionUserKeys))
	for k, v := range u.Extra {
		out[k] = v
	}
	out["id"] = u.ID
	setNonEmpty := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}
	setNonEmpty("email", u.Email)
	setNonEmpty("firstName", u.FirstName)
	setNonEmpty("lastName", u.LastName)
	setNonEmpty("userType", string(u.Role))
	setNonEmpty("phone", u.Phone)
	setNonEmpty("avatarUrl", u.AvatarURL)
	return json.Marshal(out)
}

func userID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("user id: unsupported value %s", raw)
}

// AuthenticatedSession is the committed result of a registration or login.
type AuthenticatedSession struct {
	User  SessionUser `json:"user"`
	Token string      `json:"token"`
}

// Clone returns a copy; Extra is copied one level deep.
func (s *AuthenticatedSession) Clone() *AuthenticatedSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.User.Extra != nil {
		out.User.Extra = make(map[string]any, len(s.User.Extra))
		for k, v := range s.User.Extra {
			out.User.Extra[k] = v
		}
	}
	return &out
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] SIGNUP "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] SIGNUP "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] SIGNUP "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] SIGNUP "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}
