package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// memoryRetention 是内存仓库保留的最大历史条数。
const memoryRetention = 512

// VerificationRecord 表示一次受验证执行的落库结构。
type VerificationRecord struct {
	ID            int64  `json:"id,omitempty"`
	TaskID        string `json:"task_id"`
	AgentID       string `json:"agent_id"`
	Fingerprint   string `json:"fingerprint"`
	ContentID     string `json:"content_id"`
	Method        string `json:"method"`
	Success       bool   `json:"success"`
	TrustScore    uint8  `json:"trust_score"`
	LatencyMS     int64  `json:"latency_ms"`
	EvidenceCount int    `json:"evidence_count"`
	SubmissionRef string `json:"submission_ref"`
	Observations  string `json:"observations"`
	CreatedAt     int64  `json:"created_at"`
}

// VerificationRepository 抽象验证历史的持久化接口。
type VerificationRepository interface {
	Save(ctx context.Context, record VerificationRecord) error
	ListLatest(ctx context.Context, limit int) ([]VerificationRecord, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]VerificationRecord, error)
}

// MemoryVerificationRepository 使用本地 JSON 文件模拟 MySQL 的效果，方便迭代开发。
type MemoryVerificationRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []VerificationRecord
}

// NewMemoryVerificationRepository 创建一个内存验证历史仓库。
func NewMemoryVerificationRepository(dataDir string) (*MemoryVerificationRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "verifications.log")
	repo := &MemoryVerificationRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录验证结果。
func (m *MemoryVerificationRepository) Save(_ context.Context, record VerificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开验证日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化验证记录失败: %w", err)
	}

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入验证日志失败: %w", err)
	}

	m.records = append([]VerificationRecord{record}, m.records...)
	if len(m.records) > memoryRetention {
		m.records = m.records[:memoryRetention]
	}
	return nil
}

// ErrUnsupportedDriver 在配置了未知存储驱动时返回。
var ErrUnsupportedDriver = errors.New("未知的存储驱动")

// ListLatest 返回最近的验证记录，按时间倒序排列。
func (m *MemoryVerificationRepository) ListLatest(_ context.Context, limit int) ([]VerificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}

	results := make([]VerificationRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// ListByAgent 返回指定智能体最近的验证记录。
func (m *MemoryVerificationRepository) ListByAgent(_ context.Context, agentID string, limit int) ([]VerificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = len(m.records)
	}

	var results []VerificationRecord
	for _, record := range m.records {
		if record.AgentID != agentID {
			continue
		}
		results = append(results, record)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (m *MemoryVerificationRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取验证日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []VerificationRecord
	for scanner.Scan() {
		var record VerificationRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]VerificationRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析验证日志失败: %w", err)
	}

	if len(restored) > memoryRetention {
		restored = restored[:memoryRetention]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// SQLVerificationRepository 使用真实的 MySQL 数据库存储验证历史。
type SQLVerificationRepository struct {
	db *sql.DB
}

// NewSQLVerificationRepository 创建连接池并应用数据库迁移。
func NewSQLVerificationRepository(ctx context.Context, cfg Config) (*SQLVerificationRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLVerificationRepository{db: db}, nil
}

const verificationColumns = `task_id, agent_id, fingerprint, content_id, method, success,
        trust_score, latency_ms, evidence_count, submission_ref, observations, created_at`

// Save 将验证记录写入 MySQL。
func (s *SQLVerificationRepository) Save(ctx context.Context, record VerificationRecord) error {
	stmt := `INSERT INTO verifications (` + verificationColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	success := 0
	if record.Success {
		success = 1
	}
	if _, err := s.db.ExecContext(ctx, stmt,
		record.TaskID,
		record.AgentID,
		record.Fingerprint,
		record.ContentID,
		record.Method,
		success,
		record.TrustScore,
		record.LatencyMS,
		record.EvidenceCount,
		record.SubmissionRef,
		record.Observations,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条验证记录。
func (s *SQLVerificationRepository) ListLatest(ctx context.Context, limit int) ([]VerificationRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, `+verificationColumns+`
        FROM verifications ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询验证记录失败: %w", err)
	}
	defer rows.Close()

	return collectVerificationRows(rows)
}

// ListByAgent 查询指定智能体最近的验证记录。
func (s *SQLVerificationRepository) ListByAgent(ctx context.Context, agentID string, limit int) ([]VerificationRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, `+verificationColumns+`
        FROM verifications WHERE agent_id = ? ORDER BY id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询验证记录失败: %w", err)
	}
	defer rows.Close()

	return collectVerificationRows(rows)
}

func collectVerificationRows(rows *sql.Rows) ([]VerificationRecord, error) {
	var records []VerificationRecord
	for rows.Next() {
		var (
			record  VerificationRecord
			success int
		)
		if err := rows.Scan(
			&record.ID,
			&record.TaskID,
			&record.AgentID,
			&record.Fingerprint,
			&record.ContentID,
			&record.Method,
			&success,
			&record.TrustScore,
			&record.LatencyMS,
			&record.EvidenceCount,
			&record.SubmissionRef,
			&record.Observations,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("解析验证记录失败: %w", err)
		}
		record.Success = success != 0
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历验证记录失败: %w", err)
	}

	return records, nil
}

// Close 释放底层连接池。
func (s *SQLVerificationRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ VerificationRepository = (*MemoryVerificationRepository)(nil)
	_ VerificationRepository = (*SQLVerificationRepository)(nil)
)
