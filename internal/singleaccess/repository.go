package singleaccess

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/swap-garden-go/pkg/log"
	"github.com/lk2023060901/swap-garden-go/pkg/metrics"
	"github.com/lk2023060901/swap-garden-go/pkg/util/conc"
	"github.com/lk2023060901/swap-garden-go/pkg/util/merr"
	"github.com/lk2023060901/swap-garden-go/pkg/util/syncutil"
	"github.com/lk2023060901/swap-garden-go/pkg/util/typeutil"
)

// Repository 管理一类实体的内存常驻与换入换出。
//
// 设计目标：
//   - 同一 id 在内存中最多存在一个实体实例；
//   - 读写访问通过 Guard/WGuard 串行化，持有 guard 期间实体不会被
//     换出或销毁；
//   - 换出期间（swapping）对该 id 的访问会等待换出落盘后再从表中装回。
//
// 不变量：一个 id 不会同时出现在 resident 与 swapping 中。
// 锁序：mapLock → 实体锁，任何路径不得反向。
type Repository[E Entity] struct {
	cfg Config[E]

	// mapLock 同时保护 resident 与 swapping。
	mapLock  sync.RWMutex
	resident map[typeutil.UniqueID]*slot[E]
	swapping typeutil.UniqueSet

	// cond 在 swapping 集合缩小时广播，底层锁即 mapLock 的写锁。
	cond *syncutil.ContextCond

	// destroyPool 为单 worker 销毁队列，析构回调按入队顺序执行。
	destroyPool    *conc.Pool[any]
	pendingDestroy *atomic.Int64

	closed *atomic.Bool
}

// NewRepository 创建一个仓库。
func NewRepository[E Entity](cfg Config[E]) (*Repository[E], error) {
	if cfg.Table == nil {
		return nil, merr.WrapErrParameterMissing("table")
	}
	if cfg.New == nil {
		return nil, merr.WrapErrParameterMissing("constructor")
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	r := &Repository[E]{
		cfg:            cfg,
		resident:       make(map[typeutil.UniqueID]*slot[E]),
		swapping:       typeutil.NewUniqueSet(),
		destroyPool:    conc.NewPool[any](1, conc.WithConcealPanic(true)),
		pendingDestroy: atomic.NewInt64(0),
		closed:         atomic.NewBool(false),
	}
	r.cond = syncutil.NewContextCond(&r.mapLock)
	return r, nil
}

// Get 返回 id 对应实体的共享访问凭证。
//
// 流程：
//  1. 常驻快路径：map 读锁下取实体读锁；
//  2. id 在换出中时等待换出结束后复查；
//  3. 仍缺席则从表中装载并解码；表中无此行返回空 guard；
//  4. 写锁下发布，竞争失败者丢弃自己的副本，改用胜者。
//
// 返回的 error 仅来自 ctx 取消或超时。
func (r *Repository[E]) Get(ctx context.Context, id typeutil.UniqueID) (*Guard[E], error) {
	r.mapLock.RLock()
	if s, ok := r.resident[id]; ok {
		s.mu.RLock()
		r.mapLock.RUnlock()
		return &Guard[E]{slot: s}, nil
	}
	r.mapLock.RUnlock()

	for {
		s, retry, err := r.slowGet(ctx, id)
		if err != nil {
			return &Guard[E]{}, err
		}
		if retry {
			continue
		}
		if s == nil {
			return &Guard[E]{}, nil
		}
		return &Guard[E]{slot: s}, nil
	}
}

// GetW 返回 id 对应实体的独占访问凭证。
// 与 Get 的区别：表中无此行时构造一个全新空实体并无条件入驻。
func (r *Repository[E]) GetW(ctx context.Context, id typeutil.UniqueID) (*WGuard[E], error) {
	return r.getW(ctx, id, r.cfg.New, r.cfg.Finalizer)
}

// Create 以定制的构造与析构行为获取（必要时创建）实体。
func (r *Repository[E]) Create(ctx context.Context, id typeutil.UniqueID, opts ...CreateOption[E]) (*WGuard[E], error) {
	options := &createOptions[E]{
		constructor: r.cfg.New,
		finalizer:   r.cfg.Finalizer,
	}
	for _, opt := range opts {
		opt(options)
	}
	return r.getW(ctx, id, options.constructor, options.finalizer)
}

func (r *Repository[E]) getW(
	ctx context.Context,
	id typeutil.UniqueID,
	constructor func(typeutil.UniqueID) E,
	finalizer func(typeutil.UniqueID, E),
) (*WGuard[E], error) {
	r.mapLock.RLock()
	if s, ok := r.resident[id]; ok {
		s.mu.Lock()
		r.mapLock.RUnlock()
		return &WGuard[E]{slot: s}, nil
	}
	r.mapLock.RUnlock()

	for {
		s, retry, err := r.slowGetW(ctx, id, constructor, finalizer)
		if err != nil {
			return &WGuard[E]{}, err
		}
		if retry {
			continue
		}
		return &WGuard[E]{slot: s}, nil
	}
}

// slowGet 处理 Get 的慢路径一轮。
// 返回 retry=true 表示装载期间状态又变化了，调用方应重来。
func (r *Repository[E]) slowGet(ctx context.Context, id typeutil.UniqueID) (*slot[E], bool, error) {
	r.cond.L.Lock()
	for r.swapping.Contain(id) {
		if err := r.cond.Wait(ctx); err != nil {
			return nil, false, err
		}
	}
	if s, ok := r.resident[id]; ok {
		s.mu.RLock()
		r.cond.L.Unlock()
		return s, false, nil
	}
	r.cond.L.Unlock()

	loaded, found := r.load(ctx, id)
	if !found {
		return nil, false, nil
	}

	r.cond.L.Lock()
	if r.swapping.Contain(id) {
		// 装载窗口内有并发 Get 入驻又被换出，整体重来
		r.cond.L.Unlock()
		return nil, true, nil
	}
	if winner, ok := r.resident[id]; ok {
		winner.mu.RLock()
		r.cond.L.Unlock()
		return winner, false, nil
	}
	r.resident[id] = loaded
	r.updateResidentGauge()
	loaded.mu.RLock()
	r.cond.L.Unlock()
	return loaded, false, nil
}

// slowGetW 处理 GetW/Create 的慢路径一轮。
func (r *Repository[E]) slowGetW(
	ctx context.Context,
	id typeutil.UniqueID,
	constructor func(typeutil.UniqueID) E,
	finalizer func(typeutil.UniqueID, E),
) (*slot[E], bool, error) {
	r.cond.L.Lock()
	for r.swapping.Contain(id) {
		if err := r.cond.Wait(ctx); err != nil {
			return nil, false, err
		}
	}
	if s, ok := r.resident[id]; ok {
		s.mu.Lock()
		r.cond.L.Unlock()
		return s, false, nil
	}
	r.cond.L.Unlock()

	created, found := r.load(ctx, id)
	if !found {
		// 表中没有就造一个空实体
		created = &slot[E]{
			id:        id,
			entity:    constructor(id),
			finalizer: finalizer,
		}
	} else {
		created.finalizer = finalizer
	}

	r.cond.L.Lock()
	if r.swapping.Contain(id) {
		r.cond.L.Unlock()
		return nil, true, nil
	}
	if winner, ok := r.resident[id]; ok {
		winner.mu.Lock()
		r.cond.L.Unlock()
		return winner, false, nil
	}
	r.resident[id] = created
	r.updateResidentGauge()
	created.mu.Lock()
	r.cond.L.Unlock()
	return created, false, nil
}

// load 从持久化表装载并解码实体。表中无此行或解码失败返回 found=false。
func (r *Repository[E]) load(ctx context.Context, id typeutil.UniqueID) (*slot[E], bool) {
	start := time.Now()
	data, err := r.cfg.Table.Get(id)
	if err != nil {
		if !errors.Is(err, merr.ErrStoreKeyNotFound) {
			log.Ctx(ctx).Warn("failed to load entity from store",
				zap.String("repository", r.cfg.Name),
				zap.Int64("entityID", id),
				zap.Error(err))
			metrics.SwapTotal.WithLabelValues(r.cfg.Name, metrics.DirectionIn, metrics.StatusFail).Inc()
		}
		return nil, false
	}

	entity := r.cfg.New(id)
	if err := entity.Unmarshal(data); err != nil {
		log.Ctx(ctx).Warn("failed to decode entity, treated as absent",
			zap.String("repository", r.cfg.Name),
			zap.Int64("entityID", id),
			zap.Error(merr.WrapErrEntityDecode(id, err)))
		metrics.SwapTotal.WithLabelValues(r.cfg.Name, metrics.DirectionIn, metrics.StatusFail).Inc()
		return nil, false
	}

	metrics.SwapTotal.WithLabelValues(r.cfg.Name, metrics.DirectionIn, metrics.StatusSuccess).Inc()
	metrics.SwapLatency.WithLabelValues(r.cfg.Name, metrics.DirectionIn).
		Observe(float64(time.Since(start).Milliseconds()))
	return &slot[E]{
		id:        id,
		entity:    entity,
		finalizer: r.cfg.Finalizer,
	}, true
}

// SwapOut 把常驻实体落盘并从内存退出。
//
// 流程：写锁下把 id 从 resident 挪进 swapping；取实体写锁等待所有
// guard 退出；编码并写表；销毁入队；清除 swapping 并广播。
//
// 落盘失败时按 Config.DropOnStoreFailure 处理：默认把实体放回常驻
// 集合。仅当 id 不在常驻集合中时返回 false。
func (r *Repository[E]) SwapOut(ctx context.Context, id typeutil.UniqueID) bool {
	start := time.Now()

	r.mapLock.Lock()
	s, ok := r.resident[id]
	if !ok {
		r.mapLock.Unlock()
		return false
	}
	delete(r.resident, id)
	r.swapping.Insert(id)
	r.updateResidentGauge()
	r.mapLock.Unlock()

	s.mu.Lock()
	data, err := s.entity.Marshal()
	if err != nil {
		err = merr.WrapErrEntityEncode(id, err)
	} else {
		err = r.cfg.Table.Upsert(ctx, id, data)
	}
	s.mu.Unlock()

	if err != nil {
		log.Ctx(ctx).Warn("failed to persist entity on swap-out",
			zap.String("repository", r.cfg.Name),
			zap.Int64("entityID", id),
			zap.Bool("dropped", r.cfg.DropOnStoreFailure),
			zap.Error(err))
		metrics.SwapTotal.WithLabelValues(r.cfg.Name, metrics.DirectionOut, metrics.StatusFail).Inc()

		if !r.cfg.DropOnStoreFailure {
			// 放回常驻集合，等待下一次换出
			r.cond.LockAndBroadcast()
			r.swapping.Remove(id)
			r.resident[id] = s
			r.updateResidentGauge()
			r.cond.L.Unlock()
			return true
		}
	} else {
		metrics.SwapTotal.WithLabelValues(r.cfg.Name, metrics.DirectionOut, metrics.StatusSuccess).Inc()
		metrics.SwapLatency.WithLabelValues(r.cfg.Name, metrics.DirectionOut).
			Observe(float64(time.Since(start).Milliseconds()))
	}

	r.scheduleDestroy(s)

	r.cond.LockAndBroadcast()
	r.swapping.Remove(id)
	r.cond.L.Unlock()
	return true
}

// SwapIn 确保实体常驻内存。返回调用结束时 id 是否常驻。
func (r *Repository[E]) SwapIn(ctx context.Context, id typeutil.UniqueID) bool {
	g, err := r.Get(ctx, id)
	if err != nil {
		return false
	}
	ok := g.OK()
	g.Release()
	return ok
}

// SwapInMany 批量换入，返回本次新带入内存的实体数。
// 装载在一个只读事务内完成。
func (r *Repository[E]) SwapInMany(ctx context.Context, ids []typeutil.UniqueID) int {
	pending := typeutil.NewUniqueSet(ids...)

	r.cond.L.Lock()
	for _, id := range pending.Collect() {
		if _, ok := r.resident[id]; ok {
			pending.Remove(id)
		}
	}
	for r.anySwapping(pending) {
		if err := r.cond.Wait(ctx); err != nil {
			return 0
		}
	}
	for _, id := range pending.Collect() {
		if _, ok := r.resident[id]; ok {
			pending.Remove(id)
		}
	}
	missing := pending.Collect()
	r.cond.L.Unlock()

	if len(missing) == 0 {
		return 0
	}

	values, err := r.cfg.Table.GetMany(missing)
	if err != nil {
		log.Ctx(ctx).Warn("failed to bulk load entities",
			zap.String("repository", r.cfg.Name),
			zap.Int("count", len(missing)),
			zap.Error(err))
		return 0
	}

	loaded := make([]*slot[E], 0, len(values))
	for id, data := range values {
		entity := r.cfg.New(id)
		if err := entity.Unmarshal(data); err != nil {
			log.Ctx(ctx).Warn("failed to decode entity in bulk load, skipped",
				zap.String("repository", r.cfg.Name),
				zap.Int64("entityID", id),
				zap.Error(merr.WrapErrEntityDecode(id, err)))
			continue
		}
		loaded = append(loaded, &slot[E]{
			id:        id,
			entity:    entity,
			finalizer: r.cfg.Finalizer,
		})
	}

	brought := 0
	r.mapLock.Lock()
	for _, s := range loaded {
		if _, ok := r.resident[s.id]; ok || r.swapping.Contain(s.id) {
			continue
		}
		r.resident[s.id] = s
		brought++
	}
	r.updateResidentGauge()
	r.mapLock.Unlock()

	metrics.SwapTotal.WithLabelValues(r.cfg.Name, metrics.DirectionIn, metrics.StatusSuccess).
		Add(float64(brought))
	return brought
}

// Remove 销毁实体并删除其持久化行。
//
//   - 常驻：出驻、等待 guard 退出、销毁入队、删行，返回 true；
//   - 换出中：等待换出结束后按缺席处理；
//   - 缺席：仅当表中存在该行时删行并返回 true。
func (r *Repository[E]) Remove(ctx context.Context, id typeutil.UniqueID) bool {
	r.cond.L.Lock()
	for {
		if s, ok := r.resident[id]; ok {
			delete(r.resident, id)
			r.updateResidentGauge()
			r.cond.L.Unlock()

			// 锁脉冲：等待在途 guard 全部退出
			s.mu.Lock()
			s.mu.Unlock()
			r.scheduleDestroy(s)

			if err := r.cfg.Table.Remove(ctx, id); err != nil {
				log.Ctx(ctx).Warn("failed to remove entity row",
					zap.String("repository", r.cfg.Name),
					zap.Int64("entityID", id),
					zap.Error(err))
			}
			return true
		}
		if !r.swapping.Contain(id) {
			break
		}
		if err := r.cond.Wait(ctx); err != nil {
			return false
		}
	}
	r.cond.L.Unlock()

	if _, err := r.cfg.Table.Get(id); err != nil {
		if !errors.Is(err, merr.ErrStoreKeyNotFound) {
			log.Ctx(ctx).Warn("failed to probe entity row",
				zap.String("repository", r.cfg.Name),
				zap.Int64("entityID", id),
				zap.Error(err))
		}
		return false
	}
	if err := r.cfg.Table.Remove(ctx, id); err != nil {
		log.Ctx(ctx).Warn("failed to remove entity row",
			zap.String("repository", r.cfg.Name),
			zap.Int64("entityID", id),
			zap.Error(err))
		return false
	}
	return true
}

// Clear 销毁所有常驻实体并清空持久化表。
// 销毁回调异步执行，不等待其完成。
func (r *Repository[E]) Clear(ctx context.Context) error {
	_, err := r.clear(ctx, false)
	return err
}

// ClearAndWait 与 Clear 相同，但会阻塞到每个实体的销毁回调
// 都已执行完毕，之后才清空持久化表。
func (r *Repository[E]) ClearAndWait(ctx context.Context) error {
	_, err := r.clear(ctx, true)
	return err
}

func (r *Repository[E]) clear(ctx context.Context, wait bool) (int, error) {
	r.mapLock.Lock()
	snapshot := lo.Values(r.resident)
	r.resident = make(map[typeutil.UniqueID]*slot[E])
	r.updateResidentGauge()
	r.mapLock.Unlock()

	futures := make([]*conc.Future[any], 0, len(snapshot))
	for _, s := range snapshot {
		// 锁脉冲：等待在途 guard 全部退出
		s.mu.Lock()
		s.mu.Unlock()
		futures = append(futures, r.scheduleDestroy(s))
	}

	// 等待在途换出全部落盘
	r.cond.L.Lock()
	for r.swapping.Len() > 0 {
		if err := r.cond.Wait(ctx); err != nil {
			return 0, err
		}
	}
	r.cond.L.Unlock()

	if wait {
		if err := conc.AwaitAll(futures...); err != nil {
			log.Ctx(ctx).Warn("entity finalizer failed during clear",
				zap.String("repository", r.cfg.Name),
				zap.Error(err))
		}
	}

	if err := r.cfg.Table.RemoveAll(ctx); err != nil {
		log.Ctx(ctx).Warn("failed to purge table",
			zap.String("repository", r.cfg.Name),
			zap.Error(err))
		return len(snapshot), err
	}
	return len(snapshot), nil
}

// Count 返回常驻与换出中的实体总数。
func (r *Repository[E]) Count() int {
	r.mapLock.RLock()
	defer r.mapLock.RUnlock()
	return len(r.resident) + r.swapping.Len()
}

// PendingDestroy 返回已入队但尚未执行完的销毁任务数。
func (r *Repository[E]) PendingDestroy() int64 {
	return r.pendingDestroy.Load()
}

// Close 关闭仓库的销毁队列。已入队的销毁任务会执行完毕。
func (r *Repository[E]) Close() {
	if r.closed.CompareAndSwap(false, true) {
		r.destroyPool.Release()
	}
}

func (r *Repository[E]) scheduleDestroy(s *slot[E]) *conc.Future[any] {
	r.pendingDestroy.Inc()
	return r.destroyPool.Submit(func() (any, error) {
		defer r.pendingDestroy.Dec()
		if s.finalizer != nil {
			s.finalizer(s.id, s.entity)
		}
		return nil, nil
	})
}

// anySwapping 判断集合中是否还有处于换出中的 id。
// 调用方必须持有 mapLock。
func (r *Repository[E]) anySwapping(ids typeutil.UniqueSet) bool {
	found := false
	ids.Range(func(id typeutil.UniqueID) bool {
		if r.swapping.Contain(id) {
			found = true
			return false
		}
		return true
	})
	return found
}

// updateResidentGauge 刷新常驻实体数指标。调用方必须持有 mapLock。
func (r *Repository[E]) updateResidentGauge() {
	metrics.ResidentEntityNum.WithLabelValues(r.cfg.Name).Set(float64(len(r.resident)))
}
