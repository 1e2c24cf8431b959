package conn

import (
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/swap-garden-go/internal/network"
	"github.com/lk2023060901/swap-garden-go/pkg/log"
	"github.com/lk2023060901/swap-garden-go/pkg/metrics"
	"github.com/lk2023060901/swap-garden-go/pkg/util/conc"
	"github.com/lk2023060901/swap-garden-go/pkg/util/merr"
	"github.com/lk2023060901/swap-garden-go/pkg/util/typeutil"
)

// Service 是连接处理器的业务扩展点。
// Serve 在全局派发池的工作协程上执行，payload 为一次读取产生的完整字节块。
type Service interface {
	Serve(h *Handler, payload []byte)
}

// ServiceFunc 允许用函数直接实现 Service。
type ServiceFunc func(h *Handler, payload []byte)

func (f ServiceFunc) Serve(h *Handler, payload []byte) {
	f(h, payload)
}

var _ Service = ServiceFunc(nil)

// nopService 为默认业务实现，丢弃所有载荷。
type nopService struct{}

func (nopService) Serve(*Handler, []byte) {}

// weakRef 是工作项指向 Handler 的弱引用。
//
// 读协程向派发池投递载荷时只携带弱引用；工作协程执行时先提升，
// 连接已拆除则提升失败，载荷被静默丢弃。这样迟到的工作项
// 不会让已死亡的处理器复活。
type weakRef struct {
	target atomic.Pointer[Handler]
}

func (r *weakRef) promote() *Handler {
	return r.target.Load()
}

func (r *weakRef) drop() {
	r.target.Store(nil)
}

const (
	defaultReadBufferSize = 64 * 1024
	defaultSendQueueSize  = 256
)

// HandlerOption 配置 Handler 的可选参数。
type HandlerOption func(*Handler)

// WithService 指定业务处理实现。
func WithService(svc Service) HandlerOption {
	return func(h *Handler) {
		if svc != nil {
			h.service = svc
		}
	}
}

// WithDispatchPool 指定载荷派发使用的工作池，默认为全局派发池。
func WithDispatchPool(pool *conc.Pool[any]) HandlerOption {
	return func(h *Handler) {
		if pool != nil {
			h.pool = pool
		}
	}
}

// WithReadBufferSize 指定单次读取的缓冲区大小。
func WithReadBufferSize(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.readBufSize = n
		}
	}
}

// WithSendQueueSize 指定写邮箱的容量。
func WithSendQueueSize(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.sendQueueSize = n
		}
	}
}

// Handler 持有一条 TCP 连接并驱动其收发。
//
// 协程模型：
//   - 读协程：循环读取套接字，每次读取产生一个不透明载荷，
//     连同弱引用一起投递到派发池；
//   - 写协程：独占套接字的写端，从写邮箱顺序取出字节块写出。
//     Send 只向邮箱投递，从不直接触碰套接字。
//
// 断开时处理器向管理器反注册并拆除套接字；之后的 Send 调用
// 与尚未执行的工作项都被静默丢弃。
type Handler struct {
	id   typeutil.UniqueID
	conn net.Conn

	service Service
	pool    *conc.Pool[any]

	// mgr 在 Register 时写入，拆除时据此反注册。
	mgr atomic.Pointer[Manager]

	// self 为注册时安装的弱自引用，见 weakRef。
	self weakRef

	sendCh chan []byte
	quit   chan struct{}

	closed    *atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	readBufSize   int
	sendQueueSize int
}

// NewHandler 创建一个尚未启动的连接处理器。
// 调用方需先注册到 Manager，再调用 Start 启动收发协程。
func NewHandler(id typeutil.UniqueID, nc net.Conn, opts ...HandlerOption) (*Handler, error) {
	if nc == nil {
		return nil, merr.WrapErrParameterMissing("conn")
	}

	h := &Handler{
		id:            id,
		conn:          nc,
		service:       nopService{},
		pool:          conc.GetDispatchPool(),
		quit:          make(chan struct{}),
		closed:        atomic.NewBool(false),
		readBufSize:   defaultReadBufferSize,
		sendQueueSize: defaultSendQueueSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.sendCh = make(chan []byte, h.sendQueueSize)
	return h, nil
}

// ID 返回接受连接时分配的连接标识。
func (h *Handler) ID() typeutil.UniqueID {
	return h.id
}

// RemoteAddr 返回对端地址。
func (h *Handler) RemoteAddr() net.Addr {
	return h.conn.RemoteAddr()
}

// Start 启动读写协程。只应调用一次，且在注册到 Manager 之后。
func (h *Handler) Start() {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.readLoop()
	}()
	go func() {
		defer h.wg.Done()
		h.writeLoop()
	}()
}

// Send 将载荷投递到写邮箱，由写协程按顺序写出。
// 连接已拆除时静默丢弃。投递的闭包只携带字节，不持有处理器。
func (h *Handler) Send(payload []byte) {
	if h.closed.Load() || len(payload) == 0 {
		return
	}
	select {
	case h.sendCh <- payload:
	case <-h.quit:
	}
}

// Close 拆除连接。幂等。
func (h *Handler) Close() {
	h.teardown(nil)
}

// Wait 阻塞到读写协程全部退出，供测试与优雅停机使用。
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) attach(m *Manager) {
	h.mgr.Store(m)
	h.self.target.Store(h)
}

// readLoop 循环读取套接字，把每次读取的字节块作为一个载荷派发。
func (h *Handler) readLoop() {
	buf := make([]byte, h.readBufSize)
	for {
		n, err := h.conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			metrics.PayloadBytes.WithLabelValues(metrics.DirectionIn).Observe(float64(n))
			h.dispatch(payload)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn("connection read failed",
					zap.Int64("connID", int64(h.id)),
					zap.String("stage", string(network.StageRecv)),
					zap.Error(err))
			}
			h.teardown(err)
			return
		}
	}
}

// dispatch 把载荷连同弱引用投递到派发池。
func (h *Handler) dispatch(payload []byte) {
	ref := &h.self
	h.pool.Submit(func() (any, error) {
		target := ref.promote()
		if target == nil {
			// 连接已拆除，丢弃迟到的工作项。
			return nil, nil
		}
		target.service.Serve(target, payload)
		return nil, nil
	})
}

// writeLoop 独占套接字写端，顺序写出邮箱中的字节块。
func (h *Handler) writeLoop() {
	for {
		select {
		case <-h.quit:
			return
		case payload := <-h.sendCh:
			if _, err := h.conn.Write(payload); err != nil {
				log.Warn("connection write failed",
					zap.Int64("connID", int64(h.id)),
					zap.String("stage", string(network.StageSend)),
					zap.Error(err))
				h.teardown(err)
				return
			}
			metrics.PayloadBytes.WithLabelValues(metrics.DirectionOut).Observe(float64(len(payload)))
		}
	}
}

// teardown 拆除连接：失效弱引用、停止收发、关闭套接字并向管理器反注册。
func (h *Handler) teardown(cause error) {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.self.drop()
		close(h.quit)
		_ = h.conn.Close()

		if m := h.mgr.Load(); m != nil {
			m.remove(h.id)
		}

		if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, net.ErrClosed) {
			log.Info("connection closed",
				zap.Int64("connID", int64(h.id)),
				zap.Error(cause))
		} else {
			log.Debug("connection closed", zap.Int64("connID", int64(h.id)))
		}
	})
}
