package registry

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentProof-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 保存智能体档案。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 建立连接池并确保注册表结构存在。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "注册库 DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开注册库连接失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "注册库探活失败")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS agent_records (
        agent_id VARCHAR(128) PRIMARY KEY,
        owner VARCHAR(128) NOT NULL,
        stake_amount BIGINT UNSIGNED NOT NULL,
        performance_score INT UNSIGNED NOT NULL DEFAULT 0,
        accuracy_rate INT UNSIGNED NOT NULL DEFAULT 0,
        success_rate INT UNSIGNED NOT NULL DEFAULT 0,
        avg_latency_ms INT UNSIGNED NOT NULL DEFAULT 0,
        total_executions BIGINT UNSIGNED NOT NULL DEFAULT 0,
        registration_height BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
        version BIGINT UNSIGNED NOT NULL DEFAULT 1,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY uk_agent_height (registration_height),
        INDEX idx_agent_owner (owner),
        INDEX idx_agent_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 agent_records 表失败")
	}
	return nil
}

// Create 登记新档案，registration_height 由自增列分配。
func (s *MySQLStore) Create(ctx context.Context, record *AgentRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidInput, "record 不能为空")
	}
	if strings.TrimSpace(record.AgentID) == "" {
		return xerrors.New(xerrors.CodeInvalidInput, "智能体标识不能为空")
	}

	now := time.Now().Unix()
	record.Version = 1
	record.CreatedAt = now
	record.UpdatedAt = now

	const stmt = `INSERT INTO agent_records
        (agent_id, owner, stake_amount, performance_score, accuracy_rate, success_rate, avg_latency_ms, total_executions, version, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		record.AgentID,
		record.Owner,
		record.StakeAmount,
		record.PerformanceScore,
		record.Metrics.AccuracyRate,
		record.Metrics.SuccessRate,
		record.Metrics.AvgLatencyMS,
		record.Metrics.TotalExecutions,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAgentConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记智能体失败")
	}

	height, err := res.LastInsertId()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取登记高度失败")
	}
	record.RegistrationHeight = uint64(height)
	return nil
}

// Get 查询指定档案。
func (s *MySQLStore) Get(ctx context.Context, agentID string) (*AgentRecord, error) {
	const stmt = `SELECT agent_id, owner, stake_amount, performance_score, accuracy_rate, success_rate,
        avg_latency_ms, total_executions, registration_height, version, created_at, updated_at
        FROM agent_records WHERE agent_id = ?`

	row := s.db.QueryRowContext(ctx, stmt, agentID)

	var record AgentRecord
	if err := row.Scan(
		&record.AgentID,
		&record.Owner,
		&record.StakeAmount,
		&record.PerformanceScore,
		&record.Metrics.AccuracyRate,
		&record.Metrics.SuccessRate,
		&record.Metrics.AvgLatencyMS,
		&record.Metrics.TotalExecutions,
		&record.RegistrationHeight,
		&record.Version,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体失败")
	}
	return &record, nil
}

// Update 以版本号为条件做 compare-and-swap 更新。
func (s *MySQLStore) Update(ctx context.Context, record *AgentRecord, expectedVersion uint64) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidInput, "record 不能为空")
	}

	const stmt = `UPDATE agent_records SET owner = ?, stake_amount = ?, performance_score = ?,
        accuracy_rate = ?, success_rate = ?, avg_latency_ms = ?, total_executions = ?,
        version = version + 1, updated_at = ?
        WHERE agent_id = ? AND version = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		record.Owner,
		record.StakeAmount,
		record.PerformanceScore,
		record.Metrics.AccuracyRate,
		record.Metrics.SuccessRate,
		record.Metrics.AvgLatencyMS,
		record.Metrics.TotalExecutions,
		now,
		record.AgentID,
		expectedVersion,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新智能体失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, record.AgentID); getErr != nil {
			return getErr
		}
		return ErrVersionMismatch
	}

	record.Version = expectedVersion + 1
	record.UpdatedAt = now
	return nil
}

// List 按更新时间倒序返回档案。
func (s *MySQLStore) List(ctx context.Context, limit int) ([]*AgentRecord, error) {
	stmt := `SELECT agent_id, owner, stake_amount, performance_score, accuracy_rate, success_rate,
        avg_latency_ms, total_executions, registration_height, version, created_at, updated_at
        FROM agent_records ORDER BY updated_at DESC, registration_height DESC`
	args := make([]any, 0, 1)
	if limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体列表失败")
	}
	defer rows.Close()

	var records []*AgentRecord
	for rows.Next() {
		var record AgentRecord
		if err := rows.Scan(
			&record.AgentID,
			&record.Owner,
			&record.StakeAmount,
			&record.PerformanceScore,
			&record.Metrics.AccuracyRate,
			&record.Metrics.SuccessRate,
			&record.Metrics.AvgLatencyMS,
			&record.Metrics.TotalExecutions,
			&record.RegistrationHeight,
			&record.Version,
			&record.CreatedAt,
			&record.UpdatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体记录失败")
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体列表失败")
	}
	return records, nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
