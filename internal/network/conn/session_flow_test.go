package conn_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/lk2023060901/swap-garden-go/internal/channel"
	"github.com/lk2023060901/swap-garden-go/internal/network/codec"
	"github.com/lk2023060901/swap-garden-go/internal/network/conn"
	"github.com/lk2023060901/swap-garden-go/internal/network/connector"
	"github.com/lk2023060901/swap-garden-go/internal/network/framer"
	"github.com/lk2023060901/swap-garden-go/internal/network/serializer"
	"github.com/lk2023060901/swap-garden-go/internal/singleaccess"
	"github.com/lk2023060901/swap-garden-go/internal/storage/kv"
	"github.com/lk2023060901/swap-garden-go/pkg/util/typeutil"
)

const (
	flowTagLogon = 1
	flowTagSay   = 2
)

type flowEnvelope struct {
	Op      string `json:"op"`
	Name    string `json:"name,omitempty"`
	Body    string `json:"body,omitempty"`
	Session int64  `json:"session,omitempty"`
}

type flowAccount struct {
	ID       typeutil.UniqueID `json:"id"`
	Name     string            `json:"name"`
	Messages int64             `json:"messages"`
}

func (a *flowAccount) Marshal() ([]byte, error)    { return sonic.Marshal(a) }
func (a *flowAccount) Unmarshal(data []byte) error { return sonic.Unmarshal(data, a) }

type flowInbound struct {
	connID typeutil.UniqueID
	req    flowEnvelope
}

// flowFront 在派发协程里按 4 字节大端长度切帧并按 op 路由。
type flowFront struct {
	mu   sync.Mutex
	bufs map[typeutil.UniqueID]*bytes.Buffer

	logonCh *channel.Channel
	sayCh   *channel.Channel
}

func (f *flowFront) Serve(h *conn.Handler, payload []byte) {
	f.mu.Lock()
	buf, ok := f.bufs[h.ID()]
	if !ok {
		buf = &bytes.Buffer{}
		f.bufs[h.ID()] = buf
	}
	buf.Write(payload)

	var frames [][]byte
	for {
		b := buf.Bytes()
		if len(b) < 4 {
			break
		}
		n := int(binary.BigEndian.Uint32(b))
		if len(b) < 4+n {
			break
		}
		frame := make([]byte, n)
		copy(frame, b[4:4+n])
		buf.Next(4 + n)
		frames = append(frames, frame)
	}
	f.mu.Unlock()

	for _, frame := range frames {
		var req flowEnvelope
		if err := sonic.Unmarshal(frame, &req); err != nil {
			continue
		}
		msg := flowInbound{connID: h.ID(), req: req}
		if req.Op == "logon" {
			f.logonCh.Send(msg)
		} else {
			f.sayCh.Send(msg)
		}
	}
}

// SessionFlowSuite 用真实 TCP 套接字串联服务端、汇聚队列和实体仓库。
type SessionFlowSuite struct {
	suite.Suite

	store *kv.Store
	repo  *singleaccess.Repository[*flowAccount]
	mgr   *conn.Manager
	srv   *conn.Server
	sel   *channel.Select
	cdc   codec.Codec

	nextSession *atomic.Int64
	cancel      context.CancelFunc
	workerDone  chan struct{}
}

func (s *SessionFlowSuite) SetupTest() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	store, err := kv.Open(ctx, filepath.Join(s.T().TempDir(), "flow.db"))
	s.Require().NoError(err)
	s.store = store

	table, err := store.Table("accounts")
	s.Require().NoError(err)

	repo, err := singleaccess.NewRepository(singleaccess.Config[*flowAccount]{
		Name:  "accounts",
		Table: table,
		New:   func(id typeutil.UniqueID) *flowAccount { return &flowAccount{ID: id} },
	})
	s.Require().NoError(err)
	s.repo = repo

	logonCh, sayCh := channel.New(), channel.New()
	sel, err := channel.NewSelect([]channel.Source{
		{Tag: flowTagLogon, Ch: logonCh},
		{Tag: flowTagSay, Ch: sayCh},
	})
	s.Require().NoError(err)
	s.sel = sel

	s.cdc, err = codec.New(codec.Options{
		Framer:     framer.NewLengthPrefixedFramer(0),
		Serializer: serializer.JSONSerializer{},
	})
	s.Require().NoError(err)

	s.mgr = conn.NewManager()
	s.nextSession = atomic.NewInt64(1000)

	front := &flowFront{
		bufs:    make(map[typeutil.UniqueID]*bytes.Buffer),
		logonCh: logonCh,
		sayCh:   sayCh,
	}
	srv, err := conn.NewServer("127.0.0.1:0", s.mgr, conn.DefaultHandlerFactory(conn.WithService(front)))
	s.Require().NoError(err)
	s.srv = srv
	go func() { _ = srv.Serve(ctx) }()

	s.workerDone = make(chan struct{})
	go s.worker(ctx)
}

func (s *SessionFlowSuite) TearDownTest() {
	_ = s.srv.Close()
	s.mgr.CloseAll()
	s.sel.Close()
	select {
	case <-s.workerDone:
	case <-time.After(5 * time.Second):
		s.Fail("worker did not exit")
	}
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(s.repo.ClearAndWait(ctx))
	s.repo.Close()
	s.Require().NoError(s.store.Close())
}

// worker 是所有实体读写的唯一上游协程。
func (s *SessionFlowSuite) worker(ctx context.Context) {
	defer close(s.workerDone)
	s.sel.Capture(func(tag int, v any) int {
		msg := v.(flowInbound)
		switch tag {
		case flowTagLogon:
			s.onLogon(ctx, msg)
		case flowTagSay:
			s.onSay(ctx, msg)
		}
		return 0
	})
}

func (s *SessionFlowSuite) onLogon(ctx context.Context, msg flowInbound) {
	sessionID := typeutil.UniqueID(s.nextSession.Inc())
	s.mgr.SetSessionID(msg.connID, sessionID)

	guard, err := s.repo.Create(ctx, sessionID, singleaccess.WithConstructor(func(id typeutil.UniqueID) *flowAccount {
		return &flowAccount{ID: id, Name: msg.req.Name}
	}))
	if err != nil {
		s.reply(msg.connID, flowEnvelope{Op: "error", Body: "logon failed"})
		return
	}
	guard.Release()

	s.reply(msg.connID, flowEnvelope{Op: "logon-ack", Session: int64(sessionID)})
}

func (s *SessionFlowSuite) onSay(ctx context.Context, msg flowInbound) {
	sessionID, ok := s.mgr.SessionOf(msg.connID)
	if !ok {
		s.reply(msg.connID, flowEnvelope{Op: "error", Body: "logon first"})
		return
	}

	guard, err := s.repo.GetW(ctx, sessionID)
	if err != nil {
		s.reply(msg.connID, flowEnvelope{Op: "error", Body: "session lost"})
		return
	}
	guard.Entity().Messages++
	count := guard.Entity().Messages
	guard.Release()

	s.reply(msg.connID, flowEnvelope{
		Op:      "say-ack",
		Session: int64(sessionID),
		Body:    fmt.Sprintf("PROCESSED:%s (#%d)", strings.ToUpper(msg.req.Body), count),
	})
}

func (s *SessionFlowSuite) reply(connID typeutil.UniqueID, r flowEnvelope) {
	data, err := sonic.Marshal(r)
	if err != nil {
		return
	}
	var buf bytes.Buffer
	if err := s.cdc.EncodeRaw(&buf, data); err != nil {
		return
	}
	s.mgr.SendToConnection(connID, buf.Bytes())
}

func (s *SessionFlowSuite) dial() *connector.Client {
	cli, err := connector.Dial(context.Background(), s.srv.Addr().String(), connector.Config{Codec: s.cdc})
	s.Require().NoError(err)
	return cli
}

func (s *SessionFlowSuite) recvEnvelope(cli *connector.Client) flowEnvelope {
	select {
	case raw, ok := <-cli.Recv():
		s.Require().True(ok, "connection closed before reply")
		var out flowEnvelope
		s.Require().NoError(sonic.Unmarshal(raw, &out))
		return out
	case <-time.After(5 * time.Second):
		s.Require().FailNow("no reply within timeout")
		return flowEnvelope{}
	}
}

func (s *SessionFlowSuite) TestLogonThenSay() {
	cli := s.dial()
	defer cli.Close()

	s.Require().NoError(cli.Send(flowEnvelope{Op: "logon", Name: "ada"}))
	ack := s.recvEnvelope(cli)
	s.Equal("logon-ack", ack.Op)
	s.Greater(ack.Session, int64(1000))

	s.Require().NoError(cli.Send(flowEnvelope{Op: "say", Body: "hello"}))
	say := s.recvEnvelope(cli)
	s.Equal("say-ack", say.Op)
	s.Equal(ack.Session, say.Session)
	s.Equal("PROCESSED:HELLO (#1)", say.Body)

	s.Require().NoError(cli.Send(flowEnvelope{Op: "say", Body: "again"}))
	say = s.recvEnvelope(cli)
	s.Equal("PROCESSED:AGAIN (#2)", say.Body)
}

func (s *SessionFlowSuite) TestSayWithoutLogonRejected() {
	cli := s.dial()
	defer cli.Close()

	s.Require().NoError(cli.Send(flowEnvelope{Op: "say", Body: "sneaky"}))
	out := s.recvEnvelope(cli)
	s.Equal("error", out.Op)
	s.Equal("logon first", out.Body)
}

func (s *SessionFlowSuite) TestSecondLogonRebindsSession() {
	cli := s.dial()
	defer cli.Close()

	s.Require().NoError(cli.Send(flowEnvelope{Op: "logon", Name: "first"}))
	first := s.recvEnvelope(cli)
	s.Equal("logon-ack", first.Op)

	s.Require().NoError(cli.Send(flowEnvelope{Op: "logon", Name: "second"}))
	second := s.recvEnvelope(cli)
	s.Equal("logon-ack", second.Op)
	s.Greater(second.Session, first.Session)

	// 计数从新实体重新开始，旧会话绑定已被覆盖
	s.Require().NoError(cli.Send(flowEnvelope{Op: "say", Body: "fresh"}))
	say := s.recvEnvelope(cli)
	s.Equal(second.Session, say.Session)
	s.Equal("PROCESSED:FRESH (#1)", say.Body)
}

func (s *SessionFlowSuite) TestTwoClientsIsolated() {
	a, b := s.dial(), s.dial()
	defer a.Close()
	defer b.Close()

	s.Require().NoError(a.Send(flowEnvelope{Op: "logon", Name: "a"}))
	ackA := s.recvEnvelope(a)
	s.Require().NoError(b.Send(flowEnvelope{Op: "logon", Name: "b"}))
	ackB := s.recvEnvelope(b)
	s.NotEqual(ackA.Session, ackB.Session)

	s.Require().NoError(a.Send(flowEnvelope{Op: "say", Body: "one"}))
	s.Require().NoError(a.Send(flowEnvelope{Op: "say", Body: "two"}))
	s.Equal("PROCESSED:ONE (#1)", s.recvEnvelope(a).Body)
	s.Equal("PROCESSED:TWO (#2)", s.recvEnvelope(a).Body)

	s.Require().NoError(b.Send(flowEnvelope{Op: "say", Body: "solo"}))
	s.Equal("PROCESSED:SOLO (#1)", s.recvEnvelope(b).Body)
}

func TestSessionFlow(t *testing.T) {
	suite.Run(t, new(SessionFlowSuite))
}
