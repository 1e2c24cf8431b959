package kv

import (
	"context"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/lk2023060901/swap-garden-go/pkg/util/merr"
	"github.com/lk2023060901/swap-garden-go/pkg/util/retry"
)

// Store 封装一个 bbolt 数据库文件。
//
// 职责：
//   - 管理数据库文件的打开与关闭；
//   - 按表名派生 Table 实例（一张表对应一个 bucket）。
//
// Store 的所有方法都可以被多个协程并发调用。
type Store struct {
	db   *bolt.DB
	path string

	mu     sync.RWMutex
	closed bool
}

// openTimeout 为获取数据库文件锁的超时时间。
// 同一文件可能被刚退出的旧进程短暂持有。
const openTimeout = time.Second

// Open 打开（必要时创建）path 指向的数据库文件。
// 文件锁被其它进程持有时会在重试窗口内等待。
func Open(ctx context.Context, path string) (*Store, error) {
	var db *bolt.DB
	err := retry.Do(ctx, func() error {
		var err error
		db, err = bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
		if err != nil {
			return merr.WrapErrStoreIO(path, err)
		}
		return nil
	}, retry.Attempts(3))
	if err != nil {
		return nil, err
	}

	return &Store{
		db:   db,
		path: path,
	}, nil
}

// Table 返回名为 name 的表，bucket 不存在时自动创建。
//
// 表名会被净化为 [A-Za-z0-9_]+：
//   - 空串净化后使用默认表名；
//   - 非空但净化后为空（全部是非法字符）视为非法表名。
func (s *Store) Table(name string) (*Table, error) {
	sanitized, ok := SanitizeTableName(name)
	if !ok {
		return nil, merr.WrapErrTableNameInvalid(name)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, merr.ErrStoreClosed
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sanitized))
		return err
	})
	if err != nil {
		return nil, merr.WrapErrStoreIO(s.path, err)
	}

	return &Table{
		store:  s,
		bucket: []byte(sanitized),
	}, nil
}

// Path 返回数据库文件路径。
func (s *Store) Path() string {
	return s.path
}

// Close 关闭数据库文件。重复关闭返回 ErrStoreClosed。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return merr.ErrStoreClosed
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return merr.WrapErrStoreIO(s.path, err)
	}
	return nil
}

// view 在只读事务中执行 fn，并统一处理关闭状态。
func (s *Store) view(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return merr.ErrStoreClosed
	}
	return s.db.View(fn)
}

// update 在读写事务中执行 fn，并统一处理关闭状态。
func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return merr.ErrStoreClosed
	}
	return s.db.Update(fn)
}

// DefaultTableName 为未指定表名时使用的默认表名。
const DefaultTableName = "entities"

// SanitizeTableName 过滤掉表名中 [A-Za-z0-9_] 以外的字符。
// 返回净化后的表名；当 name 非空但净化后为空时 ok 为 false。
func SanitizeTableName(name string) (string, bool) {
	if name == "" {
		return DefaultTableName, true
	}

	sanitized := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' {
			sanitized = append(sanitized, c)
		}
	}
	if len(sanitized) == 0 {
		return "", false
	}
	return string(sanitized), true
}
