package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"veriflow/internal/config"
	"veriflow/internal/domain"
)

// SyncRoles replaces the role and permission catalog with the config's
// authz section. User-role grants are preserved.
func (r Repo) SyncRoles(ctx context.Context, tx *sql.Tx, authz config.AuthzConfig) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM roles`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM permissions`); err != nil {
		return err
	}
	for roleID, role := range authz.Roles {
		if _, err := tx.ExecContext(ctx, `INSERT INTO roles(id,description) VALUES (?,?)`, roleID, nullable(role.Description)); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id) VALUES (?)`, perm); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO role_permissions(role_id,permission_id) VALUES (?,?)`, roleID, perm); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r Repo) GrantRole(ctx context.Context, tx *sql.Tx, cycleID int64, userID, roleID string) error {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM roles WHERE id=?`, roleID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO user_roles(cycle_id,user_id,role_id) VALUES (?,?,?)`, cycleID, userID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, cycleID int64, userID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE cycle_id=? AND user_id=? AND role_id=?`, cycleID, userID, roleID)
	return err
}

func (r Repo) UserRoles(ctx context.Context, cycleID int64, userID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM user_roles WHERE cycle_id=? AND user_id=? ORDER BY role_id`, cycleID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		res = append(res, role)
	}
	return res, rows.Err()
}

func (r Repo) UserPermissions(ctx context.Context, cycleID int64, userID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT rp.permission_id
FROM user_roles ur JOIN role_permissions rp ON rp.role_id = ur.role_id
WHERE ur.cycle_id=? AND ur.user_id=? ORDER BY rp.permission_id`, cycleID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var perm string
		if err := rows.Scan(&perm); err != nil {
			return nil, err
		}
		res = append(res, perm)
	}
	return res, rows.Err()
}

func (r Repo) UserHasPermission(ctx context.Context, cycleID int64, userID, permission string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1)
FROM user_roles ur JOIN role_permissions rp ON rp.role_id = ur.role_id
WHERE ur.cycle_id=? AND ur.user_id=? AND rp.permission_id=?`, cycleID, userID, permission).Scan(&n)
	return n > 0, err
}

// RolesConfigured reports whether any roles exist. With none configured the
// engine runs permissive for local single-operator use.
func (r Repo) RolesConfigured(ctx context.Context) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM roles`).Scan(&n)
	return n > 0, err
}

// HashAPIKey returns the hex sha256 of a raw API key. Only hashes are
// stored.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, k domain.APIKey) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO api_keys(id,user_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		k.ID, k.UserID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	return err
}

func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	var k domain.APIKey
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,name,key_hash,created_at FROM api_keys WHERE key_hash=?`, hash).
		Scan(&k.ID, &k.UserID, &name, &k.KeyHash, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if name.Valid {
		k.Name = name.String
	}
	return k, err
}

func (r Repo) DeleteAPIKey(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,COALESCE(name,''),key_hash,created_at FROM api_keys WHERE user_id=? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}
