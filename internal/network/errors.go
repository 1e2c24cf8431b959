package network

// Stage 表示网络收发链路中的处理阶段。
//
// 主要用于在日志中标记错误发生的位置，便于监控与排查。
// 真正的错误对象统一由 pkg/util/merr 构造。
type Stage string

const (
	StageAccept   Stage = "accept"   // 接受新连接
	StageRecv     Stage = "recv"     // 读取底层字节
	StageDispatch Stage = "dispatch" // 载荷 -> 业务处理
	StageSend     Stage = "send"     // 底层发送
)
