package singleaccess

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/lk2023060901/swap-garden-go/internal/storage/kv"
	"github.com/lk2023060901/swap-garden-go/pkg/util/typeutil"
)

type player struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Level int    `json:"level"`
}

func (p *player) Marshal() ([]byte, error) {
	return sonic.Marshal(p)
}

func (p *player) Unmarshal(data []byte) error {
	return sonic.Unmarshal(data, p)
}

type RepositorySuite struct {
	suite.Suite

	store *kv.Store
	table *kv.Table
	repo  *Repository[*player]
}

func (s *RepositorySuite) SetupTest() {
	store, err := kv.Open(context.Background(), filepath.Join(s.T().TempDir(), "players.db"))
	s.Require().NoError(err)
	s.store = store

	table, err := store.Table("players")
	s.Require().NoError(err)
	s.table = table

	repo, err := NewRepository(Config[*player]{
		Name:  "players",
		Table: table,
		New: func(id typeutil.UniqueID) *player {
			return &player{ID: id}
		},
	})
	s.Require().NoError(err)
	s.repo = repo
}

func (s *RepositorySuite) TearDownTest() {
	s.repo.Close()
	s.store.Close()
}

func (s *RepositorySuite) TestNewRepositoryValidation() {
	_, err := NewRepository(Config[*player]{Table: s.table})
	s.Error(err)

	_, err = NewRepository(Config[*player]{New: func(id typeutil.UniqueID) *player { return &player{} }})
	s.Error(err)
}

func (s *RepositorySuite) TestGetAbsent() {
	g, err := s.repo.Get(context.Background(), 404)
	s.NoError(err)
	s.False(g.OK())
	s.Nil(g.Entity())
	g.Release() // 空 guard 释放无副作用
	s.Equal(0, s.repo.Count())
}

func (s *RepositorySuite) TestGetWCreatesFresh() {
	ctx := context.Background()

	g, err := s.repo.GetW(ctx, 1)
	s.NoError(err)
	s.Require().True(g.OK())
	g.Entity().Name = "alice"
	g.Entity().Level = 3
	g.Release()

	s.Equal(1, s.repo.Count())

	rg, err := s.repo.Get(ctx, 1)
	s.NoError(err)
	s.Require().True(rg.OK())
	s.Equal("alice", rg.Entity().Name)
	rg.Release()
}

func (s *RepositorySuite) TestSwapOutRoundTrip() {
	ctx := context.Background()

	g, err := s.repo.GetW(ctx, 7)
	s.Require().NoError(err)
	g.Entity().Name = "bob"
	g.Entity().Level = 9
	g.Release()

	s.True(s.repo.SwapOut(ctx, 7))
	s.Equal(0, s.repo.Count())

	// 表中有行
	_, err = s.table.Get(7)
	s.NoError(err)

	// 装回后内容一致
	rg, err := s.repo.Get(ctx, 7)
	s.NoError(err)
	s.Require().True(rg.OK())
	s.Equal("bob", rg.Entity().Name)
	s.Equal(9, rg.Entity().Level)
	rg.Release()
	s.Equal(1, s.repo.Count())
}

func (s *RepositorySuite) TestSwapOutNonResident() {
	ctx := context.Background()
	s.False(s.repo.SwapOut(ctx, 999))

	// 表未被写入
	count, err := s.table.Count()
	s.NoError(err)
	s.EqualValues(0, count)
}

func (s *RepositorySuite) TestSwapOutWaitsForGuards() {
	ctx := context.Background()

	g, err := s.repo.GetW(ctx, 11)
	s.Require().NoError(err)
	g.Entity().Name = "carol"

	done := make(chan bool, 1)
	go func() {
		done <- s.repo.SwapOut(ctx, 11)
	}()

	// guard 未释放，换出应当阻塞
	select {
	case <-done:
		s.Fail("swap-out finished while a guard was held")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release()
	select {
	case ok := <-done:
		s.True(ok)
	case <-time.After(time.Second):
		s.Fail("swap-out did not finish after guard release")
	}

	value, err := s.table.Get(11)
	s.NoError(err)
	var p player
	s.NoError(p.Unmarshal(value))
	s.Equal("carol", p.Name)
}

func (s *RepositorySuite) TestGuardExclusion() {
	ctx := context.Background()

	wg, err := s.repo.GetW(ctx, 5)
	s.Require().NoError(err)

	acquired := make(chan struct{})
	go func() {
		rg, err := s.repo.Get(ctx, 5)
		s.NoError(err)
		rg.Release()
		close(acquired)
	}()

	select {
	case <-acquired:
		s.Fail("read guard acquired while write guard held")
	case <-time.After(50 * time.Millisecond):
	}

	wg.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		s.Fail("read guard not acquired after write guard release")
	}
}

func (s *RepositorySuite) TestSwapInMany() {
	ctx := context.Background()

	for id := int64(1); id <= 5; id++ {
		g, err := s.repo.GetW(ctx, id)
		s.Require().NoError(err)
		g.Entity().Level = int(id)
		g.Release()
		s.True(s.repo.SwapOut(ctx, id))
	}
	// 3 号常驻
	s.True(s.repo.SwapIn(ctx, 3))

	brought := s.repo.SwapInMany(ctx, []int64{1, 2, 3, 4, 5, 100})
	s.Equal(4, brought)
	s.Equal(5, s.repo.Count())

	for id := int64(1); id <= 5; id++ {
		g, err := s.repo.Get(ctx, id)
		s.NoError(err)
		s.Require().True(g.OK())
		s.Equal(int(id), g.Entity().Level)
		g.Release()
	}
}

func (s *RepositorySuite) TestRemove() {
	ctx := context.Background()

	// 常驻实体
	g, err := s.repo.GetW(ctx, 1)
	s.Require().NoError(err)
	g.Release()
	s.True(s.repo.SwapOut(ctx, 1))
	s.True(s.repo.SwapIn(ctx, 1))
	s.True(s.repo.Remove(ctx, 1))
	s.Equal(0, s.repo.Count())
	_, err = s.table.Get(1)
	s.Error(err)

	// 仅存在于表中
	g, err = s.repo.GetW(ctx, 2)
	s.Require().NoError(err)
	g.Release()
	s.True(s.repo.SwapOut(ctx, 2))
	s.True(s.repo.Remove(ctx, 2))

	// 完全不存在
	s.False(s.repo.Remove(ctx, 3))
}

func (s *RepositorySuite) TestCreateFinalizer() {
	ctx := context.Background()
	finalized := atomic.NewInt64(0)

	g, err := s.repo.Create(ctx, 21,
		WithConstructor(func(id typeutil.UniqueID) *player {
			return &player{ID: id, Name: "fresh"}
		}),
		WithFinalizer(func(id typeutil.UniqueID, p *player) {
			finalized.Inc()
		}),
	)
	s.Require().NoError(err)
	s.Equal("fresh", g.Entity().Name)
	g.Release()

	s.True(s.repo.Remove(ctx, 21))
	s.Eventually(func() bool {
		return finalized.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func (s *RepositorySuite) TestClear() {
	ctx := context.Background()

	for id := int64(1); id <= 10; id++ {
		g, err := s.repo.GetW(ctx, id)
		s.Require().NoError(err)
		g.Release()
	}
	s.Equal(10, s.repo.Count())

	s.NoError(s.repo.Clear(ctx))
	s.Equal(0, s.repo.Count())

	count, err := s.table.Count()
	s.NoError(err)
	s.EqualValues(0, count)
}

func (s *RepositorySuite) TestClearAndWaitDestructionBarrier() {
	ctx := context.Background()
	const total = 1000

	destroyed := atomic.NewInt64(0)
	repo, err := NewRepository(Config[*player]{
		Name:  "barrier",
		Table: s.table,
		New: func(id typeutil.UniqueID) *player {
			return &player{ID: id}
		},
		Finalizer: func(id typeutil.UniqueID, p *player) {
			destroyed.Inc()
		},
	})
	s.Require().NoError(err)
	defer repo.Close()

	for id := int64(1); id <= total; id++ {
		g, err := repo.GetW(ctx, id)
		s.Require().NoError(err)
		g.Release()
	}

	s.NoError(repo.ClearAndWait(ctx))

	// 返回时全部析构信号必须已触发
	s.EqualValues(total, destroyed.Load())
	s.Equal(0, repo.Count())
}

func (s *RepositorySuite) TestStoreFailureKeepsEntityResident() {
	ctx := context.Background()

	g, err := s.repo.GetW(ctx, 31)
	s.Require().NoError(err)
	g.Entity().Name = "dave"
	g.Release()

	// 关闭底层存储制造落盘失败
	s.NoError(s.store.Close())

	s.True(s.repo.SwapOut(ctx, 31))
	// 默认策略：写失败的实体放回常驻集合
	s.Equal(1, s.repo.Count())

	rg, err := s.repo.Get(ctx, 31)
	s.NoError(err)
	s.Require().True(rg.OK())
	s.Equal("dave", rg.Entity().Name)
	rg.Release()
}

func (s *RepositorySuite) TestConcurrentStress() {
	ctx := context.Background()
	const (
		workers = 8
		rounds  = 200
		idSpace = 16
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < rounds; i++ {
				id := typeutil.UniqueID(rng.Intn(idSpace))
				switch rng.Intn(4) {
				case 0:
					g, err := s.repo.Get(ctx, id)
					s.NoError(err)
					g.Release()
				case 1:
					g, err := s.repo.GetW(ctx, id)
					s.NoError(err)
					if g.OK() {
						g.Entity().Level++
					}
					g.Release()
				case 2:
					s.repo.SwapOut(ctx, id)
				case 3:
					s.repo.SwapIn(ctx, id)
				}
			}
		}(int64(w))
	}
	wg.Wait()

	// 收尾后不变量保持
	s.NoError(s.repo.ClearAndWait(ctx))
	s.Equal(0, s.repo.Count())
	s.EqualValues(0, s.repo.PendingDestroy())

	count, err := s.table.Count()
	s.NoError(err)
	s.EqualValues(0, count)
}

func TestRepository(t *testing.T) {
	suite.Run(t, new(RepositorySuite))
}
