package singleaccess

import (
	"sync"

	"github.com/lk2023060901/swap-garden-go/pkg/util/typeutil"
)

// slot 是实体在常驻集合中的落位。
//
// mu 的生命周期与 slot 一致且地址稳定，guard 释放锁时
// 不需要回查仓库状态。
type slot[E Entity] struct {
	id        typeutil.UniqueID
	mu        sync.RWMutex
	entity    E
	finalizer func(id typeutil.UniqueID, entity E)
}

// Guard 是实体的共享访问凭证，持有期间实体不会被换出或销毁。
//
// 使用方式：
//
//	g, err := repo.Get(ctx, id)
//	if err != nil || !g.OK() {
//	    return
//	}
//	defer g.Release()
//	... g.Entity() ...
//
// Release 幂等，重复调用无副作用。Guard 不可跨协程移交。
type Guard[E Entity] struct {
	slot     *slot[E]
	released bool
}

// OK 报告 guard 是否持有一个实体。
func (g *Guard[E]) OK() bool {
	return g != nil && g.slot != nil
}

// ID 返回实体 id，空 guard 返回 0。
func (g *Guard[E]) ID() typeutil.UniqueID {
	if !g.OK() {
		return 0
	}
	return g.slot.id
}

// Entity 返回被保护的实体。空 guard 或已释放时返回零值。
func (g *Guard[E]) Entity() E {
	var zero E
	if !g.OK() || g.released {
		return zero
	}
	return g.slot.entity
}

// Release 释放共享访问权。
func (g *Guard[E]) Release() {
	if !g.OK() || g.released {
		return
	}
	g.released = true
	g.slot.mu.RUnlock()
}

// WGuard 是实体的独占访问凭证。
// 语义与 Guard 相同，持有期间排斥其它任何访问。
type WGuard[E Entity] struct {
	slot     *slot[E]
	released bool
}

// OK 报告 guard 是否持有一个实体。
func (g *WGuard[E]) OK() bool {
	return g != nil && g.slot != nil
}

// ID 返回实体 id，空 guard 返回 0。
func (g *WGuard[E]) ID() typeutil.UniqueID {
	if !g.OK() {
		return 0
	}
	return g.slot.id
}

// Entity 返回被保护的实体。空 guard 或已释放时返回零值。
func (g *WGuard[E]) Entity() E {
	var zero E
	if !g.OK() || g.released {
		return zero
	}
	return g.slot.entity
}

// Release 释放独占访问权。
func (g *WGuard[E]) Release() {
	if !g.OK() || g.released {
		return
	}
	g.released = true
	g.slot.mu.Unlock()
}
