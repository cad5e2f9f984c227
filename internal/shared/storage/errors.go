// Package storage 定义存储层领域错误
//
// 这些错误隔离业务层与底层存储引擎的错误类型，
// repository 实现负责把 sql.ErrNoRows / 驱动错误转换为这些领域错误。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突：带前置状态条件的 UPDATE 没有命中任何行
	// （例如用户暂停与系统停机在同一实例上竞争）
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = errors.New("duplicate: entity already exists")
)
