package conn

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/swap-garden-go/internal/network"
	"github.com/lk2023060901/swap-garden-go/pkg/log"
	"github.com/lk2023060901/swap-garden-go/pkg/util/merr"
	"github.com/lk2023060901/swap-garden-go/pkg/util/typeutil"
)

// HandlerFactory 为每条新连接构造处理器。
// 返回错误或 nil 处理器时，该连接被静默关闭。
type HandlerFactory func(id typeutil.UniqueID, nc net.Conn) (*Handler, error)

// DefaultHandlerFactory 返回使用给定选项构造基础 Handler 的工厂。
func DefaultHandlerFactory(opts ...HandlerOption) HandlerFactory {
	return func(id typeutil.UniqueID, nc net.Conn) (*Handler, error) {
		return NewHandler(id, nc, opts...)
	}
}

// Server 在一个监听地址上接受 TCP 连接。
//
// 每条新连接的处理流程：分配连接标识（进程启动时以墙钟毫秒为种子
// 的单调递增计数器，重启后大概率不冲突，但不保证全局唯一）、
// 经工厂构造处理器、登记到注册表，最后启动处理器。
type Server struct {
	ln      net.Listener
	mgr     *Manager
	factory HandlerFactory

	nextID *atomic.Int64

	closed    *atomic.Bool
	closeOnce sync.Once
}

// nextConnID 是进程级连接标识计数器，进程启动时以墙钟毫秒为种子，
// 同一进程内的所有 Server 共用。
var nextConnID = atomic.NewInt64(time.Now().UnixMilli())

// NewServer 在给定地址上监听 TCP 并创建服务器。
func NewServer(addr string, mgr *Manager, factory HandlerFactory) (*Server, error) {
	if addr == "" {
		return nil, merr.WrapErrParameterMissing("addr")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewServerWithListener(ln, mgr, factory)
}

// NewServerWithListener 使用已有的监听器创建服务器。
func NewServerWithListener(ln net.Listener, mgr *Manager, factory HandlerFactory) (*Server, error) {
	if ln == nil {
		return nil, merr.WrapErrParameterMissing("listener")
	}
	if mgr == nil {
		mgr = DefaultManager()
	}
	if factory == nil {
		factory = DefaultHandlerFactory()
	}
	return &Server{
		ln:      ln,
		mgr:     mgr,
		factory: factory,
		nextID:  nextConnID,
		closed:  atomic.NewBool(false),
	}, nil
}

// Addr 返回实际监听地址。
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Manager 返回服务器使用的连接注册表。
func (s *Server) Manager() *Manager {
	return s.mgr
}

// Serve 运行接受循环，直到上下文取消或服务器关闭。
// 服务器被 Close 关闭时返回 merr.ErrServerClosed。
func (s *Server) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	// 上下文取消时关闭监听器，使阻塞中的 Accept 返回。
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			// 上层已取消时视为正常退出。
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return merr.ErrServerClosed
			}

			// 超时错误忽略本次，继续接受新连接。
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}

			log.Warn("accept failed",
				zap.String("stage", string(network.StageAccept)),
				zap.Error(err))
			return err
		}

		wg.Add(1)
		go func(nc net.Conn) {
			defer wg.Done()
			s.adopt(nc)
		}(nc)
	}
}

// Close 关闭监听器。已在处理中的连接不受影响。
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.ln.Close()
	})
	return err
}

// adopt 为一条新连接分配标识、构造处理器并登记启动。
// 任一步失败时关闭连接并静默丢弃。
func (s *Server) adopt(nc net.Conn) {
	id := typeutil.UniqueID(s.nextID.Inc())

	h, err := s.factory(id, nc)
	if err != nil || h == nil {
		_ = nc.Close()
		if err != nil {
			log.Debug("handler construction failed, dropping connection",
				zap.Int64("connID", int64(id)),
				zap.Error(err))
		}
		return
	}

	if err := s.mgr.Register(h); err != nil {
		h.Close()
		log.Debug("register failed, dropping connection",
			zap.Int64("connID", int64(id)),
			zap.Error(err))
		return
	}

	log.Debug("connection accepted",
		zap.Int64("connID", int64(id)),
		zap.String("remote", nc.RemoteAddr().String()))
	h.Start()
}
