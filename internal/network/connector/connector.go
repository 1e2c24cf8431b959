package connector

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lk2023060901/swap-garden-go/internal/network/codec"
	"github.com/lk2023060901/swap-garden-go/pkg/util/conc"
	"github.com/lk2023060901/swap-garden-go/pkg/util/merr"
)

// Config 描述客户端连接的基础配置。
type Config struct {
	// Codec 为当前连接使用的编解码器，必填。
	Codec codec.Codec

	DialTimeout   time.Duration
	RecvQueueSize int
}

func (c *Config) withDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.RecvQueueSize <= 0 {
		c.RecvQueueSize = 1024
	}
}

// Client 是客户端侧的一条 TCP 连接。
//
// 收到的帧载荷经 Codec 解码后投递到 Recv 通道；
// 发送通过 Send/SendRaw 串行写出。客户端连接没有会话标识概念。
type Client struct {
	conn net.Conn
	cdc  codec.Codec

	writeMu sync.Mutex

	recvCh chan []byte
	quit   chan struct{}

	closeOnce sync.Once
}

// Dial 建立到 addr 的 TCP 连接并启动读协程。
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	if cfg.Codec == nil {
		return nil, merr.WrapErrParameterMissing("codec")
	}
	cfg.withDefaults()

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:   nc,
		cdc:    cfg.Codec,
		recvCh: make(chan []byte, cfg.RecvQueueSize),
		quit:   make(chan struct{}),
	}

	_ = conc.Go(func() (struct{}, error) {
		c.recvLoop()
		return struct{}{}, nil
	})
	return c, nil
}

// DialWithBackoff 以指数退避重试建连，直到成功或上下文取消；
// 使用 backoff 的默认策略，累计重试超过 15 分钟后放弃并返回最后一次错误。
func DialWithBackoff(ctx context.Context, addr string, cfg Config) (*Client, error) {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	var client *Client
	err := backoff.Retry(func() error {
		c, err := Dial(ctx, addr, cfg)
		if err != nil {
			return err
		}
		client = c
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// RemoteAddr 返回对端地址。
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send 将业务对象编码后写出。
func (c *Client) Send(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.cdc.Encode(c.conn, msg)
}

// SendRaw 将已序列化的载荷写出。
func (c *Client) SendRaw(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.cdc.EncodeRaw(c.conn, payload)
}

// Recv 返回只读的载荷通道。连接断开后通道被关闭。
func (c *Client) Recv() <-chan []byte {
	return c.recvCh
}

// Close 关闭连接。幂等。
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.quit)
		err = c.conn.Close()
	})
	return err
}

// recvLoop 持续读取帧并投递载荷，连接断开后关闭 recvCh。
func (c *Client) recvLoop() {
	defer close(c.recvCh)

	for {
		payload, err := c.cdc.DecodeRaw(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				_ = c.Close()
			}
			return
		}
		select {
		case c.recvCh <- payload:
		case <-c.quit:
			return
		}
	}
}
