package ids

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/haolipeng/morepork/pkg/metrics"
	"github.com/haolipeng/morepork/pkg/types"
)

const (
	DefaultAddress = "0.0.0.0"
	DefaultPort    = 514
	// readBufferSize 每个数据报最多读取的字节数
	readBufferSize = 4096
)

// Handler 告警订阅者
type Handler func(alert *types.IdsAlert)

// Listener 通过UDP接收IDS告警并依次分发给订阅者
type Listener struct {
	mu        sync.RWMutex
	handlers  []namedHandler
	filter    *Filter
	metrics   *metrics.AlertMetrics
	malformed *rate.Limiter

	conn      *net.UDPConn
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type namedHandler struct {
	name string
	fn   Handler
}

// NewListener 创建告警监听器，filter可以为nil
func NewListener(filter *Filter, m *metrics.AlertMetrics) *Listener {
	if m == nil {
		m = &metrics.AlertMetrics{}
	}
	return &Listener{
		handlers:  make([]namedHandler, 0),
		filter:    filter,
		metrics:   m,
		malformed: rate.NewLimiter(rate.Every(time.Second), 10),
	}
}

// Subscribe 注册订阅者，按注册顺序调用
func (l *Listener) Subscribe(name string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, namedHandler{name: name, fn: h})
}

// Listen 绑定UDP端口并在后台接收告警
func (l *Listener) Listen(ctx context.Context, address string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("resolve ids address failed: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen ids address failed: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	logrus.Infof("Listening for alerts from IDS on %s", conn.LocalAddr())

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		l.serve(conn)
	}()
	go func() {
		defer l.wg.Done()
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return nil
}

// Addr 实际监听的地址
func (l *Listener) Addr() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Close 关闭监听并等待后台goroutine退出
func (l *Listener) Close() error {
	l.mu.Lock()
	conn, done := l.conn, l.done
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	var err error
	l.closeOnce.Do(func() {
		close(done)
		err = conn.Close()
	})
	l.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *Listener) serve(conn *net.UDPConn) {
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logrus.Info("IDS listener stopped")
				return
			}
			logrus.Errorf("IDS read failed: %v", err)
			continue
		}
		if n == 0 {
			continue
		}
		l.HandleDatagram(buf[:n], from)
	}
}

// HandleDatagram 处理一个数据报
func (l *Listener) HandleDatagram(data []byte, from net.Addr) {
	alert, err := Parse(data)
	if err != nil {
		l.metrics.IncrementMalformed()
		if l.malformed.Allow() {
			logrus.WithField("from", addrString(from)).Warnf("Dropping alert: %v", err)
		}
		return
	}

	l.metrics.IncrementReceived()
	logrus.WithFields(logrus.Fields{
		"sensor":    alert.Sensor,
		"signature": alert.Signature,
		"src_ip":    alert.SrcIP,
		"dst_ip":    alert.DstIP,
	}).Info("IDS alert")

	if !l.filter.Allow(alert) {
		l.metrics.IncrementFiltered()
		logrus.Debugf("Alert sid=%s filtered", alert.Sid)
		return
	}

	l.dispatch(alert)
}

func (l *Listener) dispatch(alert *types.IdsAlert) {
	l.mu.RLock()
	handlers := make([]namedHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.RUnlock()

	for _, h := range handlers {
		l.invoke(h, alert)
	}
}

// invoke 订阅者panic不影响其它订阅者
func (l *Listener) invoke(h namedHandler, alert *types.IdsAlert) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.IncrementHandlerPanics()
			logrus.Errorf("Alert handler %s panicked: %v", h.name, r)
		}
	}()
	h.fn(alert)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
