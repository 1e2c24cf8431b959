package channel

import (
	"sync"

	"github.com/eapache/queue"
)

// Channel 是无界的先进先出通道，元素为任意值。
//
// 设计目标：
//   - Send 永不阻塞；
//   - Recv 在队列为空时阻塞；
//   - 被 Select 捕获期间，Send 改投 Select 的汇聚队列，
//     本地队列暂停进新元素。
//
// Channel 的所有方法都可以被多个协程并发调用。
type Channel struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue *queue.Queue

	// captured 非 nil 表示当前被哪个 Select 捕获。
	captured *Select
	// tag 为捕获方分配给本通道的标号。
	tag int
}

// New 创建一个空通道。
func New() *Channel {
	c := &Channel{
		queue: queue.New(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Send 投递一个元素，永不阻塞。
// 通道被捕获时元素进入捕获方的汇聚队列；捕获方已关闭时
// 退回本地队列。
func (c *Channel) Send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.captured != nil && c.captured.push(c.tag, v) {
		return
	}
	c.queue.Add(v)
	c.cond.Signal()
}

// Recv 取出队首元素，队列为空时阻塞。
// 捕获期间本地队列不会进新元素，Recv 会一直阻塞到捕获释放。
func (c *Channel) Recv() any {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.queue.Length() == 0 {
		c.cond.Wait()
	}
	return c.queue.Remove()
}

// Len 返回本地队列中的元素个数。
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Length()
}

// capture 把通道交给 sel 捕获，已捕获时失败。
// 本地积压的元素按原顺序搬进汇聚队列。
func (c *Channel) capture(sel *Select, tag int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.captured != nil {
		return false
	}
	c.captured = sel
	c.tag = tag

	for c.queue.Length() > 0 {
		sel.push(tag, c.queue.Remove())
	}
	return true
}

// release 解除捕获。只有捕获方本身可以调用。
func (c *Channel) release(sel *Select) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.captured == sel {
		c.captured = nil
		if c.queue.Length() > 0 {
			c.cond.Broadcast()
		}
	}
}
