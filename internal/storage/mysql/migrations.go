package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"AgentProof-Chain/deploy/migrations"
)

var embeddedMigrations = migrations.Files

// 迁移登记表相关语句。版本一旦写入便不再重复执行对应脚本。
const (
	createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`
	selectAppliedVersions = `SELECT version FROM schema_migrations`
	recordMigration       = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
)

// migrationScript 是一份内嵌迁移脚本拆分出的可执行语句序列。
type migrationScript struct {
	version    string
	name       string
	statements []string
}

// runMigrations 按版本号顺序执行内嵌迁移，验证仓库与鉴权存储共用同一套表结构。
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("创建迁移登记表: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	scripts, err := readMigrationScripts()
	if err != nil {
		return err
	}

	for _, script := range scripts {
		if _, done := applied[script.version]; done {
			continue
		}
		if err := applyScript(ctx, db, script); err != nil {
			return err
		}
	}
	return nil
}

// appliedVersions 读出已经执行过的迁移版本集合。
func appliedVersions(ctx context.Context, db *sql.DB) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, selectAppliedVersions)
	if err != nil {
		return nil, fmt.Errorf("查询迁移登记表: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("读取迁移版本: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历迁移版本: %w", err)
	}
	return applied, nil
}

// applyScript 在单个事务里执行脚本语句并登记版本。
func applyScript(ctx context.Context, db *sql.DB, script migrationScript) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务: %w", err)
	}

	for _, stmt := range script.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("执行迁移 %s: %w", script.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, recordMigration, script.version, time.Now().Unix()); err != nil {
		tx.Rollback()
		return fmt.Errorf("登记迁移版本 %s: %w", script.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务: %w", err)
	}
	return nil
}

// readMigrationScripts 枚举内嵌目录下的脚本并按版本号、文件名排序。
func readMigrationScripts() ([]migrationScript, error) {
	entries, err := fs.ReadDir(embeddedMigrations, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录: %w", err)
	}

	var scripts []migrationScript
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		raw, err := embeddedMigrations.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s: %w", name, err)
		}
		statements := splitSQLStatements(string(raw))
		if len(statements) == 0 {
			continue
		}
		scripts = append(scripts, migrationScript{
			version:    scriptVersion(name),
			name:       name,
			statements: statements,
		})
	}

	slices.SortFunc(scripts, func(a, b migrationScript) int {
		if c := strings.Compare(a.version, b.version); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	return scripts, nil
}

// splitSQLStatements 按分号拆分脚本，空白片段直接丢弃。
func splitSQLStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

// scriptVersion 取文件名里第一个下划线之前的部分作为版本号。
func scriptVersion(name string) string {
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	if dot := strings.IndexRune(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}
