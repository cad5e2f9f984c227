// Package postgres PostgreSQL 存储组合包装
//
// 本包是 repository.Store + driver/postgres.Dialect 的组合包装，
// 供 cmd 层一行拿到生产存储。测试请直接使用 repository + driver/sqlite。
package postgres

import (
	"database/sql"

	pgdriver "proxy-market/internal/shared/storage/driver/postgres"
	"proxy-market/internal/shared/storage/repository"
)

// Store PostgreSQL 存储
// 内部委托给 repository.Store
type Store = repository.Store

// NewStore 从连接串创建 PostgreSQL 存储并执行建表迁移
func NewStore(databaseURL string) (*Store, error) {
	db, err := pgdriver.Open(databaseURL)
	if err != nil {
		return nil, err
	}
	dialect := pgdriver.NewDialect()
	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return repository.NewStore(db, dialect), nil
}

// NewStoreFromDB 从已有的 *sql.DB 创建 PostgreSQL 存储
func NewStoreFromDB(db *sql.DB) *Store {
	dialect := pgdriver.NewDialect()
	return repository.NewStore(db, dialect)
}
