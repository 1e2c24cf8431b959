package singleaccess

import (
	"github.com/lk2023060901/swap-garden-go/internal/storage/kv"
	"github.com/lk2023060901/swap-garden-go/pkg/util/typeutil"
)

// Entity 是可以被仓库管理的实体需要实现的最小接口。
//
// 约束：
//   - Marshal 输出的字节必须能被同类型实体的 Unmarshal 还原；
//   - 两个方法都只在仓库持有实体锁期间被调用，无需自行加锁。
type Entity interface {
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}

// Config 为仓库的构造配置。
type Config[E Entity] struct {
	// Name 为仓库名，用于日志与指标标签。留空时使用 "default"。
	Name string

	// Table 为实体落盘使用的持久化表。
	Table *kv.Table

	// New 为缺省构造函数，按 id 创建一个空实体。
	New func(id typeutil.UniqueID) E

	// Finalizer 为缺省析构回调，在实体被换出或移除后
	// 由销毁协程调用。可以为 nil。
	Finalizer func(id typeutil.UniqueID, entity E)

	// DropOnStoreFailure 控制换出落盘失败时的策略：
	//   - false：实体放回常驻集合，下次再试（默认）；
	//   - true ：丢弃实体，内存状态以落盘前的持久化内容为准。
	DropOnStoreFailure bool
}

// createOptions 为 Create 的可选参数。
type createOptions[E Entity] struct {
	constructor func(id typeutil.UniqueID) E
	finalizer   func(id typeutil.UniqueID, entity E)
}

// CreateOption 用于定制单次 Create 的构造与析构行为。
type CreateOption[E Entity] func(*createOptions[E])

// WithConstructor 覆盖本次创建使用的构造函数。
func WithConstructor[E Entity](fn func(id typeutil.UniqueID) E) CreateOption[E] {
	return func(opts *createOptions[E]) {
		opts.constructor = fn
	}
}

// WithFinalizer 为本次创建的实体绑定专属析构回调，
// 优先于 Config.Finalizer。
func WithFinalizer[E Entity](fn func(id typeutil.UniqueID, entity E)) CreateOption[E] {
	return func(opts *createOptions[E]) {
		opts.finalizer = fn
	}
}
