package conn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/swap-garden-go/pkg/util/conc"
)

type HandlerSuite struct {
	suite.Suite

	pool *conc.Pool[any]
}

func (s *HandlerSuite) SetupTest() {
	s.pool = conc.NewPool[any](4)
}

func (s *HandlerSuite) TearDownTest() {
	s.pool.Release()
}

func (s *HandlerSuite) TestPayloadReachesService() {
	local, peer := net.Pipe()
	served := make(chan []byte, 1)

	h, err := NewHandler(1, local,
		WithDispatchPool(s.pool),
		WithService(ServiceFunc(func(h *Handler, payload []byte) {
			served <- payload
		})),
	)
	s.Require().NoError(err)
	defer h.Close()
	mgr := NewManager()
	s.Require().NoError(mgr.Register(h))
	h.Start()

	_, err = peer.Write([]byte("ping"))
	s.Require().NoError(err)

	select {
	case payload := <-served:
		s.Equal([]byte("ping"), payload)
	case <-time.After(time.Second):
		s.Fail("payload not dispatched")
	}
}

func (s *HandlerSuite) TestSendWritesToPeer() {
	local, peer := net.Pipe()
	h, err := NewHandler(2, local, WithDispatchPool(s.pool))
	s.Require().NoError(err)
	defer h.Close()
	h.Start()

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := peer.Read(buf)
		if err == nil {
			got <- buf[:n]
		}
	}()

	h.Send([]byte("pong"))

	select {
	case data := <-got:
		s.Equal([]byte("pong"), data)
	case <-time.After(time.Second):
		s.Fail("send not written")
	}
}

func (s *HandlerSuite) TestSendAfterTeardownIsDropped() {
	local, _ := net.Pipe()
	h, err := NewHandler(3, local, WithDispatchPool(s.pool))
	s.Require().NoError(err)
	h.Start()
	h.Close()
	h.Wait()

	// 拆除后投递必须立即返回且无副作用
	done := make(chan struct{})
	go func() {
		h.Send([]byte("late"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("send after teardown blocked")
	}
}

func (s *HandlerSuite) TestLateWorkItemIsDroppedSilently() {
	local, _ := net.Pipe()
	served := make(chan struct{}, 1)

	h, err := NewHandler(4, local,
		WithDispatchPool(s.pool),
		WithService(ServiceFunc(func(h *Handler, payload []byte) {
			served <- struct{}{}
		})),
	)
	s.Require().NoError(err)

	// 弱引用已失效的工作项提升失败，业务回调不再执行
	h.Close()
	h.dispatch([]byte("stale"))

	select {
	case <-served:
		s.Fail("stale work item was served")
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *HandlerSuite) TestPeerCloseTearsDown() {
	local, peer := net.Pipe()
	h, err := NewHandler(5, local, WithDispatchPool(s.pool))
	s.Require().NoError(err)

	mgr := NewManager()
	s.Require().NoError(mgr.Register(h))
	h.Start()

	s.Require().NoError(peer.Close())
	s.Eventually(func() bool {
		return mgr.Count() == 0
	}, time.Second, 10*time.Millisecond)
	h.Wait()
}

func TestHandler(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}
