package conn

import (
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/swap-garden-go/pkg/log"
	"github.com/lk2023060901/swap-garden-go/pkg/metrics"
	"github.com/lk2023060901/swap-garden-go/pkg/util/merr"
	"github.com/lk2023060901/swap-garden-go/pkg/util/typeutil"
)

// Manager 是活跃连接的双索引注册表。
//
// 三张表由同一把互斥锁保护，彼此之间的修改是原子的：
//   - connections：connID -> Handler；
//   - sessionToConn / connToSession：互为逆映射，严格一一对应，
//     重新绑定会破坏旧绑定。
//
// 锁是叶子锁：持锁期间不做 I/O，也从不跨越对处理器的 Send 调用。
type Manager struct {
	mu sync.Mutex

	connections   map[typeutil.UniqueID]*Handler
	sessionToConn map[typeutil.UniqueID]typeutil.UniqueID
	connToSession map[typeutil.UniqueID]typeutil.UniqueID
}

// NewManager 创建一个空的连接注册表。
func NewManager() *Manager {
	return &Manager{
		connections:   make(map[typeutil.UniqueID]*Handler),
		sessionToConn: make(map[typeutil.UniqueID]typeutil.UniqueID),
		connToSession: make(map[typeutil.UniqueID]typeutil.UniqueID),
	}
}

var (
	defaultManagerOnce sync.Once
	defaultManager     *Manager
)

// DefaultManager 返回进程级默认注册表。
// 测试应使用 NewManager 构造独立实例，而不是依赖进程全局状态。
func DefaultManager() *Manager {
	defaultManagerOnce.Do(func() {
		defaultManager = NewManager()
	})
	return defaultManager
}

// Register 登记一个处理器并为其安装弱自引用。
// 同一连接标识只能登记一次，重复登记返回错误。
func (m *Manager) Register(h *Handler) error {
	if h == nil {
		return merr.WrapErrParameterMissing("handler")
	}

	m.mu.Lock()
	if _, ok := m.connections[h.id]; ok {
		m.mu.Unlock()
		log.Error("duplicate connection id", zap.Int64("connID", int64(h.id)))
		return merr.WrapErrConnDuplicate(int64(h.id))
	}
	m.connections[h.id] = h
	metrics.ConnectionNum.Set(float64(len(m.connections)))
	m.mu.Unlock()

	h.attach(m)
	return nil
}

// Unregister 摘除一个连接及其会话绑定，并在锁外拆除处理器。
// 返回是否确实摘除了处理器。
func (m *Manager) Unregister(connID typeutil.UniqueID) bool {
	h, ok := m.remove(connID)
	if ok {
		// 拆除放到锁外，避免在注册表锁内执行关闭逻辑。
		h.Close()
	}
	return ok
}

// remove 只做表项清理，不触碰处理器本身。
// 处理器拆除路径经由此方法反注册，避免与 Close 互相递归。
func (m *Manager) remove(connID typeutil.UniqueID) (*Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.connections[connID]
	if !ok {
		return nil, false
	}
	delete(m.connections, connID)
	if sessionID, bound := m.connToSession[connID]; bound {
		delete(m.connToSession, connID)
		delete(m.sessionToConn, sessionID)
	}
	metrics.ConnectionNum.Set(float64(len(m.connections)))
	metrics.SessionNum.Set(float64(len(m.sessionToConn)))
	return h, true
}

// SetSessionID 把会话绑定到连接，一一对应。
//
// 语义：
//   - 连接已有其它会话时，旧会话行被移除；
//   - 目标会话已绑定到其它连接时，先移除那条连接的会话行；
//   - 重复绑定同一对为幂等；
//   - 未知连接为静默空操作。
func (m *Manager) SetSessionID(connID, sessionID typeutil.UniqueID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connections[connID]; !ok {
		return
	}

	if old, ok := m.connToSession[connID]; ok {
		if old == sessionID {
			return
		}
		delete(m.sessionToConn, old)
	}
	if prevConn, ok := m.sessionToConn[sessionID]; ok {
		delete(m.connToSession, prevConn)
	}

	m.sessionToConn[sessionID] = connID
	m.connToSession[connID] = sessionID
	metrics.SessionNum.Set(float64(len(m.sessionToConn)))
}

// Connection 按连接标识查找处理器，未知时返回 nil。
func (m *Manager) Connection(connID typeutil.UniqueID) *Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections[connID]
}

// ConnectionBySession 按会话标识查找处理器，未知时返回 nil。
func (m *Manager) ConnectionBySession(sessionID typeutil.UniqueID) *Handler {
	m.mu.Lock()
	defer m.mu.Unlock()

	connID, ok := m.sessionToConn[sessionID]
	if !ok {
		return nil
	}
	return m.connections[connID]
}

// SessionOf 返回连接当前绑定的会话标识。
func (m *Manager) SessionOf(connID typeutil.UniqueID) (typeutil.UniqueID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, ok := m.connToSession[connID]
	return sessionID, ok
}

// SendToConnection 向指定连接发送载荷。锁内只做查找，发送在锁外进行。
// 返回是否找到了目标连接。
func (m *Manager) SendToConnection(connID typeutil.UniqueID, payload []byte) bool {
	m.mu.Lock()
	h := m.connections[connID]
	m.mu.Unlock()

	if h == nil {
		return false
	}
	h.Send(payload)
	return true
}

// SendToSession 按会话标识发送载荷。缺失的映射为静默空操作。
func (m *Manager) SendToSession(sessionID typeutil.UniqueID, payload []byte) bool {
	m.mu.Lock()
	connID, ok := m.sessionToConn[sessionID]
	h := m.connections[connID]
	m.mu.Unlock()

	if !ok || h == nil {
		return false
	}
	h.Send(payload)
	return true
}

// Broadcast 向所有连接发送载荷。锁内只做快照，发送在锁外逐个进行。
// 返回快照中的连接数。
func (m *Manager) Broadcast(payload []byte) int {
	m.mu.Lock()
	handlers := lo.Values(m.connections)
	m.mu.Unlock()

	for _, h := range handlers {
		h.Send(payload)
	}
	return len(handlers)
}

// Count 返回当前登记的连接数。
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// CloseAll 拆除所有连接，供停机路径使用。
func (m *Manager) CloseAll() {
	m.mu.Lock()
	handlers := lo.Values(m.connections)
	m.mu.Unlock()

	for _, h := range handlers {
		h.Close()
	}
}
