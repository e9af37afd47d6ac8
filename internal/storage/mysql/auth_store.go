package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"AgentProof-Chain/internal/auth"
)

// 主体装载使用的查询：基础信息、角色、以及角色授予与直接授予权限的并集。
const (
	selectUserByName = `SELECT id, username, password_hash, disabled FROM auth_users WHERE username = ?`
	selectSubject    = `SELECT id, username, disabled FROM auth_users WHERE id = ?`
	selectRoles      = `SELECT r.name FROM auth_roles r
JOIN auth_user_roles ur ON ur.role_id = r.id
WHERE ur.user_id = ?`
	selectPermissions = `SELECT DISTINCT p.name FROM auth_permissions p
JOIN auth_role_permissions rp ON rp.permission_id = p.id
JOIN auth_user_roles ur ON ur.role_id = rp.role_id
WHERE ur.user_id = ?
UNION
SELECT DISTINCT p.name FROM auth_permissions p
JOIN auth_user_permissions up ON up.permission_id = p.id
WHERE up.user_id = ?`
)

// SQLAuthStore 把账号、角色与权限保存在 MySQL 中，实现 auth.Store。
type SQLAuthStore struct {
	db *sql.DB
}

// NewSQLAuthStore 建立连接池并套用迁移后返回存储实例。
func NewSQLAuthStore(ctx context.Context, cfg Config) (*SQLAuthStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLAuthStore{db: db}, nil
}

// Close 归还底层连接池。
func (s *SQLAuthStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FindUserByUsername 按用户名取出账号记录，未命中时透传 sql.ErrNoRows。
func (s *SQLAuthStore) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	var (
		user     auth.User
		disabled int
	)
	row := s.db.QueryRowContext(ctx, selectUserByName, strings.TrimSpace(username))
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("按用户名查询账号: %w", err)
	}
	user.Disabled = disabled == 1
	return &user, nil
}

// LoadSubject 装载主体及其角色与权限，权限合并角色授予与直接授予两条路径。
func (s *SQLAuthStore) LoadSubject(ctx context.Context, userID int64) (*auth.Subject, error) {
	var (
		subject  auth.Subject
		disabled int
	)
	row := s.db.QueryRowContext(ctx, selectSubject, userID)
	if err := row.Scan(&subject.ID, &subject.Username, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("查询主体: %w", err)
	}
	subject.Disabled = disabled == 1

	var err error
	if subject.Roles, err = s.loweredList(ctx, selectRoles, subject.ID); err != nil {
		return nil, err
	}
	if subject.Permissions, err = s.loweredList(ctx, selectPermissions, subject.ID, subject.ID); err != nil {
		return nil, err
	}
	subject.Normalise()
	return &subject, nil
}

// loweredList 执行单列查询，结果统一小写去空白并排序。
func (s *SQLAuthStore) loweredList(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("执行列表查询: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("读取列表行: %w", err)
		}
		values = append(values, strings.ToLower(strings.TrimSpace(value)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历列表行: %w", err)
	}
	sort.Strings(values)
	return values, nil
}

// ApplySeed 以幂等方式写入种子账号：用户、角色、权限全部走 upsert，
// 关联关系用 INSERT IGNORE，整个过程在同一个事务内完成。
func (s *SQLAuthStore) ApplySeed(ctx context.Context, seed auth.Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("种子账号缺少用户名")
	}
	passwordHash, err := auth.HashPassword(seed.Password)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := applySeedTx(ctx, tx, username, passwordHash, seed); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交种子事务: %w", err)
	}
	return nil
}

func applySeedTx(ctx context.Context, tx *sql.Tx, username, passwordHash string, seed auth.Seed) error {
	now := time.Now().Unix()
	const upsertUser = `INSERT INTO auth_users (username, password_hash, disabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE password_hash = VALUES(password_hash), disabled = VALUES(disabled), updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
	disabled := 0
	if seed.Disabled {
		disabled = 1
	}
	res, err := tx.ExecContext(ctx, upsertUser, username, passwordHash, disabled, now, now)
	if err != nil {
		return fmt.Errorf("写入账号: %w", err)
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("取回账号 ID: %w", err)
	}

	const upsertRole = `INSERT INTO auth_roles (name, description, created_at, updated_at)
VALUES (?, '', ?, ?)
ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
	const grantRole = `INSERT IGNORE INTO auth_user_roles (user_id, role_id, assigned_at) VALUES (?, ?, ?)`
	for _, role := range normalizedSet(seed.Roles) {
		roleID, err := upsertNamed(ctx, tx, upsertRole, role, now)
		if err != nil {
			return fmt.Errorf("写入角色 %s: %w", role, err)
		}
		if _, err := tx.ExecContext(ctx, grantRole, userID, roleID, now); err != nil {
			return fmt.Errorf("绑定角色 %s: %w", role, err)
		}
	}

	const upsertPerm = `INSERT INTO auth_permissions (name, description, created_at, updated_at)
VALUES (?, '', ?, ?)
ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
	const grantPerm = `INSERT IGNORE INTO auth_user_permissions (user_id, permission_id, assigned_at) VALUES (?, ?, ?)`
	for _, perm := range normalizedSet(seed.Permissions) {
		permID, err := upsertNamed(ctx, tx, upsertPerm, perm, now)
		if err != nil {
			return fmt.Errorf("写入权限 %s: %w", perm, err)
		}
		if _, err := tx.ExecContext(ctx, grantPerm, userID, permID, now); err != nil {
			return fmt.Errorf("绑定权限 %s: %w", perm, err)
		}
	}
	return nil
}

// upsertNamed 插入或刷新一条命名记录并返回其主键。
func upsertNamed(ctx context.Context, tx *sql.Tx, query, name string, now int64) (int64, error) {
	res, err := tx.ExecContext(ctx, query, name, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// normalizedSet 去重并统一小写，返回排序后的副本。
func normalizedSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		seen[value] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for value := range seen {
		result = append(result, value)
	}
	sort.Strings(result)
	return result
}
