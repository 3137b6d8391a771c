package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/hqtran/collabhub/internal/jobs"
)

// Role is a user's standing within a project. Hierarchy: owner >
// collaborator > viewer.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleCollaborator Role = "collaborator"
	RoleViewer       Role = "viewer"
)

// CanWrite reports whether the role may mutate project content.
func (r Role) CanWrite() bool {
	return r == RoleOwner || r == RoleCollaborator
}

// RoleStore resolves project membership from the project_members table.
type RoleStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewRoleStore(db *sqlx.DB, logger *slog.Logger) *RoleStore {
	return &RoleStore{db: db, logger: logger}
}

// ProjectRole returns the user's role in the project, or ErrForbidden
// when the user is not a member.
func (s *RoleStore) ProjectRole(ctx context.Context, projectID, userID string) (Role, error) {
	var role Role
	err := s.db.GetContext(ctx, &role,
		`SELECT role FROM project_members WHERE project_id = $1 AND user_id = $2`,
		projectID, userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no access to project %s", jobs.ErrForbidden, projectID)
	}
	if err != nil {
		return "", fmt.Errorf("query project role: %w", err)
	}
	return role, nil
}
