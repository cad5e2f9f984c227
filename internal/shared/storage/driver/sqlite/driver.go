// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和轻量级部署场景。
package sqlite

import (
	"database/sql"
	"fmt"

	"proxy-market/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) CurrentTimestamp() string {
	return "datetime('now')"
}

func (d *Dialect) BooleanLiteral(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:market.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（等价于 PostgreSQL 迁移文件）
const schema = `
-- nodes
CREATE TABLE IF NOT EXISTS nodes (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200),
    address VARCHAR(200) NOT NULL,
    agent_port INTEGER DEFAULT 8745,
    agent_api_key VARCHAR(200),
    ssh_user VARCHAR(64),
    ssh_port INTEGER DEFAULT 22,
    price INTEGER DEFAULT 0,
    status VARCHAR(32) DEFAULT 'in_progress',
    is_enabled INTEGER DEFAULT 1,
    provision_status VARCHAR(32) DEFAULT 'pending',
    provision_error TEXT,
    install_method VARCHAR(32) DEFAULT 'docker',
    agent_version VARCHAR(32),
    target_agent_version VARCHAR(32),
    enroll_token VARCHAR(64),
    enroll_token_expires_at DATETIME,
    last_seen_at DATETIME,
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now')),
    deleted_at DATETIME
);

-- panels
CREATE TABLE IF NOT EXISTS panels (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200),
    url VARCHAR(500) NOT NULL,
    username VARCHAR(200),
    password_encrypted TEXT,
    token TEXT,
    cert_key TEXT,
    inbound_port INTEGER,
    xray_port INTEGER,
    api_port INTEGER,
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now'))
);

-- instances
CREATE TABLE IF NOT EXISTS instances (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    node_id VARCHAR(64) NOT NULL REFERENCES nodes(id),
    panel_id VARCHAR(64) NOT NULL REFERENCES panels(id),
    container_id VARCHAR(128),
    marzban_node_id INTEGER,
    status VARCHAR(32) DEFAULT 'pending',
    error_message TEXT,
    inbound_port INTEGER,
    xray_port INTEGER,
    api_port INTEGER,
    last_billed_usage INTEGER DEFAULT 0,
    last_billed_at DATETIME,
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now')),
    deleted_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_instances_user_status ON instances(user_id, status);

-- users
CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(200),
    chat_id INTEGER,
    balance INTEGER DEFAULT 0,
    credit INTEGER DEFAULT 0,
    low_balance_notified INTEGER,
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now'))
);

-- transactions
CREATE TABLE IF NOT EXISTS transactions (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL REFERENCES users(id),
    amount INTEGER NOT NULL,
    type VARCHAR(16) NOT NULL,
    reason VARCHAR(32) NOT NULL,
    note TEXT,
    created_at DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions(user_id, created_at);
`
