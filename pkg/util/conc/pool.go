// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conc

import (
	"fmt"
	"sync"

	ants "github.com/panjf2000/ants/v2"

	"github.com/lk2023060901/swap-garden-go/pkg/util/hardware"
	"github.com/lk2023060901/swap-garden-go/pkg/util/merr"
)

// Pool 是基于 ants 的带类型协程池封装。
// 提交的任务以 Future 形式返回结果。
type Pool[T any] struct {
	inner *ants.Pool
	opt   *poolOption
}

// NewPool 创建容量为 cap 的协程池。
func NewPool[T any](cap int, opts ...PoolOption) *Pool[T] {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	pool, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		// 仅在选项非法时可能发生
		panic(err)
	}

	return &Pool[T]{
		inner: pool,
		opt:   opt,
	}
}

// NewDefaultPool 创建以 CPU 核数为容量、预分配 worker 的协程池。
func NewDefaultPool[T any]() *Pool[T] {
	return NewPool[T](hardware.GetCPUNum(), WithPreAlloc(true))
}

// Submit 向池中提交任务。
// 若池已满且配置为非阻塞，Future 直接携带错误返回。
func (pool *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future := newFuture[T]()
	err := pool.inner.Submit(func() {
		defer close(future.ch)
		defer func() {
			if x := recover(); x != nil {
				future.err = merr.WrapErrServiceInternal(fmt.Sprintf("panicked with error: %v", x))
				panic(x) // 重新抛出，交由 panicHandler 处理
			}
		}()
		if pool.opt.preHandler != nil {
			pool.opt.preHandler()
		}
		res, err := method()
		if err != nil {
			future.err = err
			return
		}
		future.value = res
	})
	if err != nil {
		future.err = err
		close(future.ch)
	}

	return future
}

// Cap 返回池的容量。
func (pool *Pool[T]) Cap() int {
	return pool.inner.Cap()
}

// Running 返回正在执行任务的 worker 数量。
func (pool *Pool[T]) Running() int {
	return pool.inner.Running()
}

// Free 返回空闲 worker 数量。
func (pool *Pool[T]) Free() int {
	return pool.inner.Free()
}

// IsFull 判断池是否已满。
func (pool *Pool[T]) IsFull() bool {
	return pool.Free() == 0
}

// Resize 调整池容量，仅支持正数。
func (pool *Pool[T]) Resize(size int) error {
	if size <= 0 {
		return merr.WrapErrParameterInvalid("positive size", fmt.Sprint(size))
	}
	pool.inner.Tune(size)
	return nil
}

// Release 关闭池。正在执行的任务会运行至结束，本方法不等待其完成。
func (pool *Pool[T]) Release() {
	pool.inner.Release()
}

var (
	dispatchPoolInitOnce sync.Once
	dispatchPool         *Pool[any]
)

func initDispatchPool() {
	pool := NewPool[any](hardware.GetCPUNum(),
		WithPreAlloc(false),
		WithDisablePurge(false),
		WithConcealPanic(true),
	)
	dispatchPool = pool
}

// GetDispatchPool 返回进程级共享的任务分发池，
// 用于网络层将收到的负载派发给业务处理。
func GetDispatchPool() *Pool[any] {
	dispatchPoolInitOnce.Do(initDispatchPool)
	return dispatchPool
}
