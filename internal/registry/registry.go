package registry

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	v3rpc "go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/swap-garden-go/pkg/log"
	"github.com/lk2023060901/swap-garden-go/pkg/util/merr"
	"github.com/lk2023060901/swap-garden-go/pkg/util/retry"
)

const (
	// DefaultServiceRoot 为网关注册信息在 etcd 中的根路径。
	DefaultServiceRoot = "gateway/"
	// DefaultIDKey 为网关自增 ID 的键名。
	DefaultIDKey = "id"
)

const (
	defaultLeaseTTL   int64 = 30
	defaultRetryTimes uint  = 10
)

// GatewayInfo 为网关注册信息的持久化部分，JSON 序列化后写入 etcd。
type GatewayInfo struct {
	ServerID int64  `json:"ServerID,omitempty"`
	Address  string `json:"Address,omitempty"`
	Version  string `json:"Version"`
	HostName string `json:"HostName,omitempty"`
}

// EventType 表示网关上下线事件类型。
type EventType int

const (
	EventNone EventType = iota
	EventAdd
	EventDel
)

func (t EventType) String() string {
	switch t {
	case EventAdd:
		return "add"
	case EventDel:
		return "del"
	default:
		return ""
	}
}

// Event 表示一条网关上下线事件。
type Event struct {
	Type EventType
	Info GatewayInfo
}

// Option 配置 Registry 的可选参数。
type Option func(*Registry)

// WithTTL 指定租约的存活秒数。
func WithTTL(ttl int64) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.leaseTTL = ttl
		}
	}
}

// WithRetryTimes 指定注册失败时的重试次数。
func WithRetryTimes(n uint) Option {
	return func(r *Registry) {
		if n > 0 {
			r.retryTimes = n
		}
	}
}

// Registry 负责网关实例在 etcd 中的自注册与同伴发现。
//
// 注册形式为租约键值：
//
//	key:   metaRoot + "/gateway/" + ServerID
//	value: JSON 序列化后的 GatewayInfo
//
// 租约由 keepalive 循环维持，Stop 时主动撤销；
// 租约丢失意味着该网关对外不可见。
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc

	cli      *clientv3.Client
	metaRoot string

	info    GatewayInfo
	version semver.Version

	leaseID    clientv3.LeaseID
	leaseTTL   int64
	retryTimes uint

	registered *atomic.Bool
	wg         sync.WaitGroup
}

// New 创建一个尚未注册的 Registry。
func New(ctx context.Context, cli *clientv3.Client, metaRoot, addr string, version semver.Version, opts ...Option) (*Registry, error) {
	if cli == nil {
		return nil, merr.WrapErrParameterMissing("etcd client")
	}
	if addr == "" {
		return nil, merr.WrapErrParameterMissing("addr")
	}

	hostName, err := os.Hostname()
	if err != nil {
		log.Ctx(ctx).Warn("get host name fail", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		ctx:      ctx,
		cancel:   cancel,
		cli:      cli,
		metaRoot: metaRoot,
		info: GatewayInfo{
			Address:  addr,
			HostName: hostName,
		},
		version:    version,
		leaseTTL:   defaultLeaseTTL,
		retryTimes: defaultRetryTimes,
		registered: atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ServerID 返回注册时分配的实例标识。注册前为 0。
func (r *Registry) ServerID() int64 {
	return r.info.ServerID
}

// Registered 判断当前实例是否已注册。
func (r *Registry) Registered() bool {
	return r.registered.Load()
}

// Register 分配实例标识、写入注册键并启动 keepalive 循环。
func (r *Registry) Register() error {
	serverID, err := r.allocServerID()
	if err != nil {
		return err
	}
	r.info.ServerID = serverID
	r.info.Version = r.version.String()

	registerFn := func() error {
		resp, err := r.cli.Grant(r.ctx, r.leaseTTL)
		if err != nil {
			log.Ctx(r.ctx).Warn("registry grant lease failed", zap.Error(err))
			return merr.WrapErrRegistryUnavailable("grant", err)
		}
		r.leaseID = resp.ID

		value, err := sonic.Marshal(r.info)
		if err != nil {
			return err
		}

		key := r.instanceKey(serverID)
		txnResp, err := r.cli.Txn(r.ctx).If(
			clientv3.Compare(clientv3.Version(key), "=", 0),
		).Then(
			clientv3.OpPut(key, string(value), clientv3.WithLease(resp.ID)),
		).Commit()
		if err != nil {
			log.Ctx(r.ctx).Warn("registry put failed, check the availability of etcd", zap.Error(err))
			return merr.WrapErrRegistryUnavailable("put", err)
		}
		if !txnResp.Succeeded {
			return fmt.Errorf("registry key already occupied: %s", key)
		}
		log.Ctx(r.ctx).Info("gateway registered",
			zap.String("key", key),
			zap.String("address", r.info.Address),
			zap.String("version", r.info.Version))
		return nil
	}
	if err := retry.Do(r.ctx, registerFn, retry.Attempts(r.retryTimes)); err != nil {
		return err
	}

	r.registered.Store(true)
	r.wg.Add(1)
	go r.keepAliveLoop()
	return nil
}

// Discover 列出当前注册的全部网关实例。
// 返回的 revision 可传给 Watch 以避免遗漏事件。
func (r *Registry) Discover(ctx context.Context) (map[int64]GatewayInfo, int64, error) {
	prefix := path.Join(r.metaRoot, DefaultServiceRoot) + "/"
	resp, err := r.cli.Get(ctx, prefix, clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, 0, merr.WrapErrRegistryUnavailable("get", err)
	}

	res := make(map[int64]GatewayInfo)
	for _, kv := range resp.Kvs {
		_, name := path.Split(string(kv.Key))
		if name == DefaultIDKey {
			continue
		}
		var info GatewayInfo
		if err := sonic.Unmarshal(kv.Value, &info); err != nil {
			log.Ctx(ctx).Warn("registry skip malformed entry",
				zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		res[info.ServerID] = info
	}
	return res, resp.Header.Revision, nil
}

// DiscoverWithVersionRange 列出版本落在 vr 内的网关实例。
func (r *Registry) DiscoverWithVersionRange(ctx context.Context, vr semver.Range) (map[int64]GatewayInfo, int64, error) {
	all, revision, err := r.Discover(ctx)
	if err != nil {
		return nil, 0, err
	}
	for id, info := range all {
		v, err := semver.Parse(info.Version)
		if err != nil || !vr(v) {
			delete(all, id)
		}
	}
	return all, revision, nil
}

// Watcher 推送网关上下线事件。
type Watcher struct {
	cancel  context.CancelFunc
	eventCh chan *Event

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// EventChannel 返回事件通道。底层监听失败时通道被关闭。
func (w *Watcher) EventChannel() <-chan *Event {
	return w.eventCh
}

// Stop 停止监听。
func (w *Watcher) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *Watcher) closeEventCh() {
	w.closeOnce.Do(func() {
		close(w.eventCh)
	})
}

// Watch 从 revision 起监听网关上下线变化。
func (r *Registry) Watch(revision int64) *Watcher {
	ctx, cancel := context.WithCancel(r.ctx)
	w := &Watcher{
		cancel:  cancel,
		eventCh: make(chan *Event, 100),
	}

	prefix := path.Join(r.metaRoot, DefaultServiceRoot) + "/"
	rch := r.cli.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithPrevKV(), clientv3.WithRev(revision))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case wresp, ok := <-rch:
				if !ok {
					w.closeEventCh()
					log.Warn("registry watch channel closed")
					return
				}
				if wresp.Err() != nil {
					// 压缩导致的监听失败由调用方 Discover 后重建
					log.Warn("registry watch failed", zap.Error(wresp.Err()))
					w.closeEventCh()
					return
				}
				r.handleWatchResponse(w, wresp)
			}
		}
	}()
	return w
}

func (r *Registry) handleWatchResponse(w *Watcher, wresp clientv3.WatchResponse) {
	for _, ev := range wresp.Events {
		var (
			raw       []byte
			eventType EventType
		)
		switch ev.Type {
		case mvccpb.PUT:
			raw = ev.Kv.Value
			eventType = EventAdd
		case mvccpb.DELETE:
			if ev.PrevKv == nil {
				continue
			}
			raw = ev.PrevKv.Value
			eventType = EventDel
		}

		_, name := path.Split(string(ev.Kv.Key))
		if name == DefaultIDKey {
			continue
		}

		var info GatewayInfo
		if err := sonic.Unmarshal(raw, &info); err != nil {
			log.Warn("registry skip malformed event", zap.Error(err))
			continue
		}
		w.eventCh <- &Event{Type: eventType, Info: info}
	}
}

// Stop 注销实例：停止 keepalive 并撤销租约，注册键随租约一并消失。
func (r *Registry) Stop() {
	r.cancel()
	r.wg.Wait()
	r.registered.Store(false)
}

// allocServerID 通过 etcd 上的 CAS 计数器分配唯一实例标识。
func (r *Registry) allocServerID() (int64, error) {
	idKey := path.Join(r.metaRoot, DefaultServiceRoot, DefaultIDKey)

	// 计数器不存在时先播种
	_, err := r.cli.Txn(r.ctx).If(
		clientv3.Compare(clientv3.Version(idKey), "=", 0),
	).Then(
		clientv3.OpPut(idKey, "1"),
	).Commit()
	if err != nil {
		return -1, merr.WrapErrRegistryUnavailable("seed id", err)
	}

	for {
		getResp, err := r.cli.Get(r.ctx, idKey)
		if err != nil {
			return -1, merr.WrapErrRegistryUnavailable("get id", err)
		}
		if getResp.Count <= 0 {
			continue
		}
		value := string(getResp.Kvs[0].Value)
		valueInt, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			log.Ctx(r.ctx).Warn("registry id key malformed", zap.String("value", value), zap.Error(err))
			return -1, err
		}

		txnResp, err := r.cli.Txn(r.ctx).If(
			clientv3.Compare(clientv3.Value(idKey), "=", value),
		).Then(
			clientv3.OpPut(idKey, strconv.FormatInt(valueInt+1, 10)),
		).Commit()
		if err != nil {
			return -1, merr.WrapErrRegistryUnavailable("bump id", err)
		}
		if !txnResp.Succeeded {
			// 与其它实例竞争失败，重读重试
			continue
		}
		return valueInt, nil
	}
}

func (r *Registry) instanceKey(serverID int64) string {
	return path.Join(r.metaRoot, DefaultServiceRoot, strconv.FormatInt(serverID, 10))
}

// keepAliveLoop 维持租约，keepalive 通道断开后以指数退避重建。
// 退出时撤销租约。
func (r *Registry) keepAliveLoop() {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := r.cli.Revoke(ctx, r.leaseID); err != nil {
			log.Warn("registry revoke lease failed",
				zap.Int64("leaseID", int64(r.leaseID)), zap.Error(err))
		}
		r.wg.Done()
	}()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		if r.ctx.Err() != nil {
			return
		}

		ch, err := r.cli.KeepAlive(r.ctx, r.leaseID)
		if err != nil {
			if errors.Is(err, v3rpc.ErrLeaseNotFound) {
				log.Error("registry lease lost, instance no longer visible",
					zap.Int64("leaseID", int64(r.leaseID)))
				return
			}
			next := policy.NextBackOff()
			log.Warn("registry keepalive failed, wait for retry",
				zap.Duration("backoff", next), zap.Error(err))
			select {
			case <-time.After(next):
			case <-r.ctx.Done():
				return
			}
			continue
		}
		policy.Reset()

		// 阻塞消费直到通道因网络错误或取消被关闭
		for range ch {
		}
	}
}
