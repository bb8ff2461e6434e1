package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SQLiteSink 把审计事件持久化到 SQLite，供事后回放执行轨迹。
type SQLiteSink struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteSink 创建数据库审计落点并初始化表结构。
func NewSQLiteSink(db *sql.DB, logger *zap.Logger) (*SQLiteSink, error) {
	if db == nil {
		return nil, errors.New("audit: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sink := &SQLiteSink{db: db, logger: logger}
	if err := sink.initSchema(); err != nil {
		return nil, err
	}
	return sink, nil
}

func (s *SQLiteSink) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			kind TEXT NOT NULL,
			venue TEXT NOT NULL,
			account TEXT,
			symbol TEXT,
			order_id TEXT,
			side TEXT,
			size REAL,
			price REAL,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_kind ON audit_events(kind);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_order ON audit_events(order_id);`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("audit: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// Record 实现 Sink。写入失败只记日志，不影响执行主路径。
func (s *SQLiteSink) Record(ctx context.Context, ev Event) {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (occurred_at, kind, venue, account, symbol, order_id, side, size, price, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339Nano),
		string(ev.Kind),
		ev.Venue,
		ev.Account,
		ev.Symbol,
		ev.OrderID,
		string(ev.Side),
		ev.Size,
		ev.Price,
		ev.Detail,
	)
	if err != nil {
		s.logger.Warn("审计事件写入失败", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
