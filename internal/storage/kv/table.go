package kv

import (
	"context"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/lk2023060901/swap-garden-go/pkg/metrics"
	"github.com/lk2023060901/swap-garden-go/pkg/util/merr"
	"github.com/lk2023060901/swap-garden-go/pkg/util/retry"
	"github.com/lk2023060901/swap-garden-go/pkg/util/typeutil"
)

// Table 是一张 int64 → bytes 的持久化表，对应数据库中的一个 bucket。
//
// 约束：
//   - 键为 8 字节大端序编码的 int64；
//   - Get 返回的字节切片是独立副本，调用方可以长期持有；
//   - Upsert/Remove 每次调用独立提交。
type Table struct {
	store  *Store
	bucket []byte
}

// Name 返回净化后的表名。
func (t *Table) Name() string {
	return string(t.bucket)
}

// Get 返回 id 对应的值。行不存在时返回 ErrStoreKeyNotFound。
func (t *Table) Get(id typeutil.UniqueID) ([]byte, error) {
	var value []byte
	err := t.store.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(t.bucket).Get(encodeKey(id))
		if raw == nil {
			return merr.WrapErrStoreKeyNotFound(id)
		}
		// bbolt 返回的切片仅在事务内有效
		value = make([]byte, len(raw))
		copy(value, raw)
		return nil
	})
	if err != nil {
		t.countRequest(err)
		return nil, err
	}
	t.countRequest(nil)
	return value, nil
}

// GetMany 在一个只读事务中批量读取多个 id。
// 缺失的行被跳过，不视为错误。
func (t *Table) GetMany(ids []typeutil.UniqueID) (map[typeutil.UniqueID][]byte, error) {
	values := make(map[typeutil.UniqueID][]byte, len(ids))
	err := t.store.view(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(t.bucket)
		for _, id := range ids {
			raw := bucket.Get(encodeKey(id))
			if raw == nil {
				continue
			}
			value := make([]byte, len(raw))
			copy(value, raw)
			values[id] = value
		}
		return nil
	})
	t.countRequest(err)
	if err != nil {
		return nil, err
	}
	return values, nil
}

// Upsert 写入或覆盖 id 对应的行。
func (t *Table) Upsert(ctx context.Context, id typeutil.UniqueID, value []byte) error {
	err := retry.Do(ctx, func() error {
		err := t.store.update(func(tx *bolt.Tx) error {
			return tx.Bucket(t.bucket).Put(encodeKey(id), value)
		})
		return wrapStoreErr(t.store.path, err)
	}, retry.Attempts(3), retry.RetryErr(merr.IsRetryableErr))
	t.countRequest(err)
	return err
}

// Remove 删除 id 对应的行。行不存在时静默成功。
func (t *Table) Remove(ctx context.Context, id typeutil.UniqueID) error {
	err := retry.Do(ctx, func() error {
		err := t.store.update(func(tx *bolt.Tx) error {
			return tx.Bucket(t.bucket).Delete(encodeKey(id))
		})
		return wrapStoreErr(t.store.path, err)
	}, retry.Attempts(3), retry.RetryErr(merr.IsRetryableErr))
	t.countRequest(err)
	return err
}

// RemoveAll 清空整张表。
func (t *Table) RemoveAll(ctx context.Context) error {
	err := retry.Do(ctx, func() error {
		err := t.store.update(func(tx *bolt.Tx) error {
			if err := tx.DeleteBucket(t.bucket); err != nil {
				return err
			}
			_, err := tx.CreateBucket(t.bucket)
			return err
		})
		return wrapStoreErr(t.store.path, err)
	}, retry.Attempts(3), retry.RetryErr(merr.IsRetryableErr))
	t.countRequest(err)
	return err
}

// Count 返回表中的行数。
func (t *Table) Count() (int64, error) {
	var count int64
	err := t.store.view(func(tx *bolt.Tx) error {
		count = int64(tx.Bucket(t.bucket).Stats().KeyN)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Keys 返回表中所有行的 id。
func (t *Table) Keys() ([]typeutil.UniqueID, error) {
	var ids []typeutil.UniqueID
	err := t.store.view(func(tx *bolt.Tx) error {
		return tx.Bucket(t.bucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, decodeKey(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (t *Table) countRequest(err error) {
	status := metrics.StatusSuccess
	if err != nil && !errors.Is(err, merr.ErrStoreKeyNotFound) {
		status = metrics.StatusFail
	}
	metrics.StoreRequestTotal.WithLabelValues(t.Name(), status).Inc()
}

// wrapStoreErr 将底层错误归一为 merr 错误码。
// 已经是 merr 错误（如 ErrStoreClosed）的保持原样，避免误判为可重试。
func wrapStoreErr(path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, merr.ErrStoreClosed) {
		return err
	}
	return merr.WrapErrStoreIO(path, err)
}

func encodeKey(id typeutil.UniqueID) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(id))
	return key[:]
}

func decodeKey(key []byte) typeutil.UniqueID {
	return typeutil.UniqueID(binary.BigEndian.Uint64(key))
}
