package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/swap-garden-go/pkg/util/merr"
)

type StoreSuite struct {
	suite.Suite

	store *Store
}

func (s *StoreSuite) SetupTest() {
	store, err := Open(context.Background(), filepath.Join(s.T().TempDir(), "store.db"))
	s.Require().NoError(err)
	s.store = store
}

func (s *StoreSuite) TearDownTest() {
	if s.store != nil {
		s.store.Close()
	}
}

func (s *StoreSuite) TestSanitizeTableName() {
	name, ok := SanitizeTableName("")
	s.True(ok)
	s.Equal(DefaultTableName, name)

	name, ok = SanitizeTableName("players_2024")
	s.True(ok)
	s.Equal("players_2024", name)

	name, ok = SanitizeTableName("play ers;drop")
	s.True(ok)
	s.Equal("playersdrop", name)

	_, ok = SanitizeTableName("!!!")
	s.False(ok)
}

func (s *StoreSuite) TestTableInvalidName() {
	_, err := s.store.Table("@@@")
	s.ErrorIs(err, merr.ErrTableNameInvalid)
}

func (s *StoreSuite) TestUpsertGetRemove() {
	ctx := context.Background()
	table, err := s.store.Table("")
	s.Require().NoError(err)
	s.Equal(DefaultTableName, table.Name())

	_, err = table.Get(1)
	s.ErrorIs(err, merr.ErrStoreKeyNotFound)

	s.NoError(table.Upsert(ctx, 1, []byte("alpha")))
	value, err := table.Get(1)
	s.NoError(err)
	s.Equal([]byte("alpha"), value)

	s.NoError(table.Upsert(ctx, 1, []byte("beta")))
	value, err = table.Get(1)
	s.NoError(err)
	s.Equal([]byte("beta"), value)

	s.NoError(table.Remove(ctx, 1))
	_, err = table.Get(1)
	s.ErrorIs(err, merr.ErrStoreKeyNotFound)

	// 删除不存在的行不报错
	s.NoError(table.Remove(ctx, 42))
}

func (s *StoreSuite) TestGetManyAndKeys() {
	ctx := context.Background()
	table, err := s.store.Table("bulk")
	s.Require().NoError(err)

	for id := int64(1); id <= 5; id++ {
		s.NoError(table.Upsert(ctx, id, []byte{byte(id)}))
	}

	values, err := table.GetMany([]int64{1, 3, 9})
	s.NoError(err)
	s.Len(values, 2)
	s.Equal([]byte{1}, values[1])
	s.Equal([]byte{3}, values[3])

	keys, err := table.Keys()
	s.NoError(err)
	s.ElementsMatch([]int64{1, 2, 3, 4, 5}, keys)

	count, err := table.Count()
	s.NoError(err)
	s.EqualValues(5, count)
}

func (s *StoreSuite) TestRemoveAll() {
	ctx := context.Background()
	table, err := s.store.Table("wipe")
	s.Require().NoError(err)

	for id := int64(1); id <= 3; id++ {
		s.NoError(table.Upsert(ctx, id, []byte("x")))
	}
	s.NoError(table.RemoveAll(ctx))

	count, err := table.Count()
	s.NoError(err)
	s.EqualValues(0, count)

	// 清空后仍可继续写入
	s.NoError(table.Upsert(ctx, 7, []byte("y")))
	value, err := table.Get(7)
	s.NoError(err)
	s.Equal([]byte("y"), value)
}

func (s *StoreSuite) TestTablesAreIsolated() {
	ctx := context.Background()
	a, err := s.store.Table("table_a")
	s.Require().NoError(err)
	b, err := s.store.Table("table_b")
	s.Require().NoError(err)

	s.NoError(a.Upsert(ctx, 1, []byte("a")))
	s.NoError(b.Upsert(ctx, 1, []byte("b")))

	value, err := a.Get(1)
	s.NoError(err)
	s.Equal([]byte("a"), value)

	value, err = b.Get(1)
	s.NoError(err)
	s.Equal([]byte("b"), value)
}

func (s *StoreSuite) TestClosedStore() {
	ctx := context.Background()
	table, err := s.store.Table("closing")
	s.Require().NoError(err)

	s.NoError(s.store.Close())
	s.ErrorIs(s.store.Close(), merr.ErrStoreClosed)

	_, err = table.Get(1)
	s.ErrorIs(err, merr.ErrStoreClosed)
	s.ErrorIs(table.Upsert(ctx, 1, []byte("z")), merr.ErrStoreClosed)

	_, err = s.store.Table("another")
	s.ErrorIs(err, merr.ErrStoreClosed)

	s.store = nil
}

func (s *StoreSuite) TestNegativeIDRoundTrip() {
	ctx := context.Background()
	table, err := s.store.Table("signed")
	s.Require().NoError(err)

	s.NoError(table.Upsert(ctx, -12345, []byte("neg")))
	value, err := table.Get(-12345)
	s.NoError(err)
	s.Equal([]byte("neg"), value)

	keys, err := table.Keys()
	s.NoError(err)
	s.Equal([]int64{-12345}, keys)
}

func TestStore(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}
