package models

import "fmt"

// Role is one of the seven fixed participant identities. It doubles as
// the vehicle primary key and the connection identity.
type Role string

const (
	RoleConvoy1  Role = "CONVOY_1"
	RoleConvoy2  Role = "CONVOY_2"
	RoleConvoy3  Role = "CONVOY_3"
	RoleConvoy4  Role = "CONVOY_4"
	RoleReco     Role = "RECO"
	RoleAircraft Role = "AIRCRAFT"
	RoleCommand  Role = "PC"
)

// AllRoles lists every role in display order.
var AllRoles = []Role{
	RoleConvoy1, RoleConvoy2, RoleConvoy3, RoleConvoy4,
	RoleReco, RoleAircraft, RoleCommand,
}

// ParseRole converts a raw string into a Role, rejecting unknown values.
func ParseRole(s string) (Role, error) {
	for _, r := range AllRoles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Valid reports whether r is one of the seven fixed roles.
func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// Omniscient reports whether r sees the whole map without fog of war.
func (r Role) Omniscient() bool {
	return r == RoleCommand || r == RoleAircraft
}

// IsCommand reports whether r is the command post.
func (r Role) IsCommand() bool { return r == RoleCommand }

// HasMapPresence is false for the command post, which never shows as a
// connected unit on the map.
func (r Role) HasMapPresence() bool { return r != RoleCommand }

// RolePtr returns a pointer to a copy of r, for nullable role columns.
func RolePtr(r Role) *Role { return &r }
