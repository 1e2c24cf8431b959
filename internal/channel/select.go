package channel

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/lk2023060901/swap-garden-go/pkg/util/merr"
)

// Source 描述 Select 的一路输入：通道及其标号。
type Source struct {
	Tag int
	Ch  *Channel
}

// item 为汇聚队列中的一个元素。
type item struct {
	tag   int
	value any
}

// Select 把多个通道的投递汇聚成单一先进先出队列。
//
// 约束：
//   - 捕获是独占的：通道同一时刻只能属于一个 Select，
//     捕获已被占用的通道会使构造整体失败；
//   - 完成顺序即投递顺序，跨通道全局先进先出，不做公平性调度；
//   - 不内置取消，阻塞中的 Recv 只会被新元素或 Close 唤醒。
type Select struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue   *queue.Queue
	sources []Source
	closed  bool
}

// NewSelect 构造 Select 并捕获所有来源通道。
// 任何一路通道已被其它 Select 捕获时，释放已捕获的各路并返回错误。
func NewSelect(sources []Source) (*Select, error) {
	s := &Select{
		queue:   queue.New(),
		sources: sources,
	}
	s.cond = sync.NewCond(&s.mu)

	for i, src := range sources {
		if !src.Ch.capture(s, src.Tag) {
			for _, captured := range sources[:i] {
				captured.Ch.release(s)
			}
			return nil, merr.WrapErrChannelCaptured(src.Tag)
		}
	}
	return s, nil
}

// Recv 取出汇聚队列的队首元素，队列为空时阻塞。
// Select 已关闭且队列取空后返回 ok=false。
func (s *Select) Recv() (tag int, value any, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.queue.Length() == 0 {
		if s.closed {
			return 0, nil, false
		}
		s.cond.Wait()
	}
	it := s.queue.Remove().(item)
	return it.tag, it.value, true
}

// Capture 循环消费汇聚队列，把每个元素交给 dispatch。
// dispatch 返回非零时停止循环并返回该值；Select 关闭后返回 0。
func (s *Select) Capture(dispatch func(tag int, v any) int) int {
	for {
		tag, value, ok := s.Recv()
		if !ok {
			return 0
		}
		if code := dispatch(tag, value); code != 0 {
			return code
		}
	}
}

// Close 释放所有捕获并唤醒阻塞中的 Recv。
// 汇聚队列中未消费的元素保留，可继续 Recv 直到取空。
func (s *Select) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	sources := s.sources
	s.mu.Unlock()

	for _, src := range sources {
		src.Ch.release(s)
	}
}

// push 向汇聚队列追加一个元素。Select 已关闭时拒绝。
func (s *Select) push(tag int, v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.queue.Add(item{tag: tag, value: v})
	s.cond.Signal()
	return true
}
