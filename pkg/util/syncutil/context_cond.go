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

package syncutil

import (
	"context"
	"sync"
)

// NewContextCond 基于给定互斥锁创建一个 ContextCond。
func NewContextCond(l sync.Locker) *ContextCond {
	return &ContextCond{L: l}
}

// ContextCond 是 sync.Cond 的变体，支持带 context 的等待。
//
// 用法与 sync.Cond 基本一致：
//
//	c.L.Lock()
//	for !condition() {
//	    if err := c.Wait(ctx); err != nil {
//	        return err // 锁已释放
//	    }
//	}
//	... 使用 condition ...
//	c.L.Unlock()
type ContextCond struct {
	noCopy noCopy

	mu sync.Mutex
	ch chan struct{}
	L  sync.Locker
}

// LockAndBroadcast 获取底层锁并唤醒所有等待者。
// 调用后仍持有 L，由调用方负责解锁。
func (cv *ContextCond) LockAndBroadcast() {
	cv.L.Lock()
	cv.mu.Lock()
	if cv.ch != nil {
		close(cv.ch)
		cv.ch = nil
	}
	cv.mu.Unlock()
}

// UnsafeBroadcast 唤醒所有等待者。
// 调用前必须已持有 L。
func (cv *ContextCond) UnsafeBroadcast() {
	cv.mu.Lock()
	if cv.ch != nil {
		close(cv.ch)
		cv.ch = nil
	}
	cv.mu.Unlock()
}

// Wait 原子地释放 L 并挂起当前协程，直到被 Broadcast 唤醒或 ctx 结束。
//
// 与 sync.Cond 不同：返回非 nil 错误时 L 已被释放，调用方不应再次解锁。
// 返回 nil 时 L 重新被持有，条件仍需由调用方在循环中复查。
func (cv *ContextCond) Wait(ctx context.Context) error {
	cv.mu.Lock()
	if cv.ch == nil {
		cv.ch = make(chan struct{})
	}
	ch := cv.ch
	cv.mu.Unlock()
	cv.L.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	cv.L.Lock()
	return nil
}

// WaitChan 返回用于等待的通道，并立即释放 L。
// 仅用于需要和其它 select 分支合并等待的场景。
func (cv *ContextCond) WaitChan() <-chan struct{} {
	cv.mu.Lock()
	if cv.ch == nil {
		cv.ch = make(chan struct{})
	}
	ch := cv.ch
	cv.mu.Unlock()
	cv.L.Unlock()
	return ch
}

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
