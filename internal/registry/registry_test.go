package registry

import (
	"context"
	"os"
	"path"
	"testing"
	"time"

	"github.com/blang/semver/v4"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/swap-garden-go/pkg/util/etcd"
)

type RegistrySuite struct {
	suite.Suite

	cli *clientv3.Client
}

func (s *RegistrySuite) SetupSuite() {
	s.Require().NoError(etcd.InitEtcdServer(true, "", s.T().TempDir(), os.DevNull, "info"))
	cli, err := etcd.GetEmbedEtcdClient()
	s.Require().NoError(err)
	s.cli = cli
}

func (s *RegistrySuite) TearDownSuite() {
	etcd.StopEtcdServer()
}

// metaRoot 按测试名隔离，避免用例之间互相看见对方的注册键。
func (s *RegistrySuite) metaRoot() string {
	return path.Join("registry-ut", s.T().Name())
}

func (s *RegistrySuite) newRegistry(addr, version string) *Registry {
	r, err := New(context.Background(), s.cli, s.metaRoot(), addr, semver.MustParse(version))
	s.Require().NoError(err)
	return r
}

func (s *RegistrySuite) TestNewValidation() {
	_, err := New(context.Background(), nil, "root", "127.0.0.1:9000", semver.MustParse("1.0.0"))
	s.Error(err)

	_, err = New(context.Background(), s.cli, "root", "", semver.MustParse("1.0.0"))
	s.Error(err)
}

func (s *RegistrySuite) TestRegisterAndDiscover() {
	r := s.newRegistry("127.0.0.1:9001", "1.2.3")
	s.Require().NoError(r.Register())
	defer r.Stop()

	s.True(r.Registered())
	s.GreaterOrEqual(r.ServerID(), int64(1))

	peers, revision, err := r.Discover(context.Background())
	s.Require().NoError(err)
	s.Positive(revision)

	info, ok := peers[r.ServerID()]
	s.Require().True(ok)
	s.Equal("127.0.0.1:9001", info.Address)
	s.Equal("1.2.3", info.Version)
}

func (s *RegistrySuite) TestServerIDIncrements() {
	first := s.newRegistry("127.0.0.1:9002", "1.0.0")
	s.Require().NoError(first.Register())
	defer first.Stop()

	second := s.newRegistry("127.0.0.1:9003", "1.0.0")
	s.Require().NoError(second.Register())
	defer second.Stop()

	s.Equal(first.ServerID()+1, second.ServerID())
}

func (s *RegistrySuite) TestDiscoverWithVersionRange() {
	oldGw := s.newRegistry("127.0.0.1:9004", "1.4.0")
	s.Require().NoError(oldGw.Register())
	defer oldGw.Stop()

	newGw := s.newRegistry("127.0.0.1:9005", "2.1.0")
	s.Require().NoError(newGw.Register())
	defer newGw.Stop()

	peers, _, err := oldGw.DiscoverWithVersionRange(context.Background(), semver.MustParseRange(">=2.0.0"))
	s.Require().NoError(err)
	s.Len(peers, 1)
	s.Equal("127.0.0.1:9005", peers[newGw.ServerID()].Address)
}

func (s *RegistrySuite) TestWatchSeesPeerLifecycle() {
	observer := s.newRegistry("127.0.0.1:9006", "1.0.0")
	s.Require().NoError(observer.Register())
	defer observer.Stop()

	_, revision, err := observer.Discover(context.Background())
	s.Require().NoError(err)

	w := observer.Watch(revision + 1)
	defer w.Stop()

	peer := s.newRegistry("127.0.0.1:9007", "1.0.0")
	s.Require().NoError(peer.Register())

	ev := s.nextEvent(w)
	s.Equal(EventAdd, ev.Type)
	s.Equal(peer.ServerID(), ev.Info.ServerID)
	s.Equal("127.0.0.1:9007", ev.Info.Address)

	peer.Stop()

	ev = s.nextEvent(w)
	s.Equal(EventDel, ev.Type)
	s.Equal(peer.ServerID(), ev.Info.ServerID)
}

func (s *RegistrySuite) TestStopRemovesInstance() {
	r := s.newRegistry("127.0.0.1:9008", "1.0.0")
	s.Require().NoError(r.Register())
	id := r.ServerID()

	r.Stop()
	s.False(r.Registered())

	peers, _, err := r.Discover(context.Background())
	s.Require().NoError(err)
	_, ok := peers[id]
	s.False(ok)
}

func (s *RegistrySuite) nextEvent(w *Watcher) *Event {
	select {
	case ev, ok := <-w.EventChannel():
		s.Require().True(ok, "event channel closed")
		return ev
	case <-time.After(10 * time.Second):
		s.Require().FailNow("no event within timeout")
		return nil
	}
}

func TestRegistry(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}
