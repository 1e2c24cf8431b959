package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/swap-garden-go/pkg/util/merr"
)

type ChannelSuite struct {
	suite.Suite
}

func (s *ChannelSuite) TestSendRecvFIFO() {
	ch := New()
	for i := 0; i < 100; i++ {
		ch.Send(i)
	}
	s.Equal(100, ch.Len())
	for i := 0; i < 100; i++ {
		s.Equal(i, ch.Recv())
	}
	s.Equal(0, ch.Len())
}

func (s *ChannelSuite) TestRecvBlocksUntilSend() {
	ch := New()
	got := make(chan any, 1)
	go func() {
		got <- ch.Recv()
	}()

	select {
	case <-got:
		s.Fail("recv returned on empty channel")
	case <-time.After(50 * time.Millisecond):
	}

	ch.Send("ping")
	select {
	case v := <-got:
		s.Equal("ping", v)
	case <-time.After(time.Second):
		s.Fail("recv did not wake up")
	}
}

func (s *ChannelSuite) TestSelectMergesFIFO() {
	logon := New()
	data := New()

	sel, err := NewSelect([]Source{
		{Tag: 1, Ch: logon},
		{Tag: 2, Ch: data},
	})
	s.Require().NoError(err)
	defer sel.Close()

	logon.Send("a")
	data.Send("b")
	logon.Send("c")

	tag, v, ok := sel.Recv()
	s.True(ok)
	s.Equal(1, tag)
	s.Equal("a", v)

	tag, v, ok = sel.Recv()
	s.True(ok)
	s.Equal(2, tag)
	s.Equal("b", v)

	tag, v, ok = sel.Recv()
	s.True(ok)
	s.Equal(1, tag)
	s.Equal("c", v)
}

func (s *ChannelSuite) TestCaptureDrainsBacklog() {
	ch := New()
	ch.Send(1)
	ch.Send(2)

	sel, err := NewSelect([]Source{{Tag: 7, Ch: ch}})
	s.Require().NoError(err)
	defer sel.Close()

	tag, v, ok := sel.Recv()
	s.True(ok)
	s.Equal(7, tag)
	s.Equal(1, v)

	_, v, ok = sel.Recv()
	s.True(ok)
	s.Equal(2, v)
}

func (s *ChannelSuite) TestDoubleCaptureFails() {
	ch := New()
	other := New()

	first, err := NewSelect([]Source{{Tag: 1, Ch: ch}})
	s.Require().NoError(err)
	defer first.Close()

	_, err = NewSelect([]Source{{Tag: 2, Ch: other}, {Tag: 3, Ch: ch}})
	s.ErrorIs(err, merr.ErrChannelCaptured)

	// 构造失败时已捕获的通道必须被释放
	second, err := NewSelect([]Source{{Tag: 4, Ch: other}})
	s.NoError(err)
	second.Close()
}

func (s *ChannelSuite) TestReleaseAfterClose() {
	ch := New()

	sel, err := NewSelect([]Source{{Tag: 1, Ch: ch}})
	s.Require().NoError(err)
	sel.Close()

	// 关闭后通道恢复本地收发
	ch.Send("back")
	s.Equal("back", ch.Recv())

	// 且可以被重新捕获
	again, err := NewSelect([]Source{{Tag: 2, Ch: ch}})
	s.NoError(err)
	again.Close()
}

func (s *ChannelSuite) TestCloseWakesRecv() {
	ch := New()
	sel, err := NewSelect([]Source{{Tag: 1, Ch: ch}})
	s.Require().NoError(err)

	done := make(chan bool, 1)
	go func() {
		_, _, ok := sel.Recv()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	sel.Close()

	select {
	case ok := <-done:
		s.False(ok)
	case <-time.After(time.Second):
		s.Fail("recv not woken by close")
	}
}

func (s *ChannelSuite) TestCaptureLoopStopsOnNonzero() {
	ch := New()
	sel, err := NewSelect([]Source{{Tag: 1, Ch: ch}})
	s.Require().NoError(err)
	defer sel.Close()

	ch.Send(10)
	ch.Send(20)
	ch.Send(30)

	var seen []any
	code := sel.Capture(func(tag int, v any) int {
		seen = append(seen, v)
		if v == 20 {
			return 99
		}
		return 0
	})
	s.Equal(99, code)
	s.Equal([]any{10, 20}, seen)

	// 剩余元素仍在队列中
	_, v, ok := sel.Recv()
	s.True(ok)
	s.Equal(30, v)
}

func (s *ChannelSuite) TestConcurrentSendersGlobalOrderPerChannel() {
	a := New()
	b := New()
	sel, err := NewSelect([]Source{{Tag: 1, Ch: a}, {Tag: 2, Ch: b}})
	s.Require().NoError(err)
	defer sel.Close()

	const perSender = 100
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < perSender; i++ {
			a.Send(i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < perSender; i++ {
			b.Send(i)
		}
	}()
	wg.Wait()

	// 跨通道全局合并后，单通道内部仍保持先进先出
	nextA, nextB := 0, 0
	for i := 0; i < perSender*2; i++ {
		tag, v, ok := sel.Recv()
		s.Require().True(ok)
		switch tag {
		case 1:
			s.Equal(nextA, v)
			nextA++
		case 2:
			s.Equal(nextB, v)
			nextB++
		}
	}
	s.Equal(perSender, nextA)
	s.Equal(perSender, nextB)
}

func TestChannel(t *testing.T) {
	suite.Run(t, new(ChannelSuite))
}
