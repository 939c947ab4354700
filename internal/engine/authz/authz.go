package authz

import (
	"context"

	"veriflow/internal/repo"
)

// Service answers permission questions against the role catalog. When no
// roles are configured the workspace runs permissive, for local
// single-operator use.
type Service struct {
	Repo repo.Repo
}

// Allowed reports whether the user may perform the action in the cycle.
func (s Service) Allowed(ctx context.Context, cycleID int64, userID, permission string) (bool, error) {
	configured, err := s.Repo.RolesConfigured(ctx)
	if err != nil {
		return false, err
	}
	if !configured {
		return true, nil
	}
	return s.Repo.UserHasPermission(ctx, cycleID, userID, permission)
}

// Roles returns the user's role ids in the cycle.
func (s Service) Roles(ctx context.Context, cycleID int64, userID string) ([]string, error) {
	return s.Repo.UserRoles(ctx, cycleID, userID)
}

// Permissions returns the user's effective permission ids in the cycle.
func (s Service) Permissions(ctx context.Context, cycleID int64, userID string) ([]string, error) {
	return s.Repo.UserPermissions(ctx, cycleID, userID)
}
