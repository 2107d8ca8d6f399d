package security

import (
	"sort"
	"strings"
)

// Permission is a declared capability token gating which host resources a
// plugin's sandbox may reach.
type Permission string

// The fixed permission vocabulary. Anything outside this set is rejected.
const (
	PermFileSystem Permission = "file_system"
	PermNetwork    Permission = "network"
	PermEnv        Permission = "env"
	PermProcess    Permission = "process"
	PermDatabase   Permission = "database"
	PermConfig     Permission = "config"
	PermHooks      Permission = "hooks"
	PermCommands   Permission = "commands"
)

// validPermissions is the closed vocabulary of known permissions.
var validPermissions = map[Permission]bool{
	PermFileSystem: true,
	PermNetwork:    true,
	PermEnv:        true,
	PermProcess:    true,
	PermDatabase:   true,
	PermConfig:     true,
	PermHooks:      true,
	PermCommands:   true,
}

// IsValid returns true if the permission belongs to the fixed vocabulary.
func (p Permission) IsValid() bool {
	return validPermissions[p]
}

// AllPermissions returns the vocabulary sorted by name.
func AllPermissions() []Permission {
	perms := make([]Permission, 0, len(validPermissions))
	for p := range validPermissions {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms
}

// PermissionSet is a granted set of permissions for one plugin.
type PermissionSet struct {
	granted map[Permission]bool
}

// NewPermissionSet creates a set containing the given permissions.
func NewPermissionSet(perms ...Permission) *PermissionSet {
	set := &PermissionSet{granted: make(map[Permission]bool, len(perms))}
	for _, p := range perms {
		set.granted[p] = true
	}
	return set
}

// Has returns true if the permission is granted.
func (s *PermissionSet) Has(p Permission) bool {
	return s.granted[p]
}

// HasAny returns true if any of the given permissions is granted.
func (s *PermissionSet) HasAny(perms ...Permission) bool {
	for _, p := range perms {
		if s.granted[p] {
			return true
		}
	}
	return false
}

// List returns the granted permissions sorted by name.
func (s *PermissionSet) List() []Permission {
	perms := make([]Permission, 0, len(s.granted))
	for p := range s.granted {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms
}

// String returns the granted permissions as a comma-separated list.
func (s *PermissionSet) String() string {
	perms := s.List()
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}
