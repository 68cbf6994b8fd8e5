package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/morepork/pkg/firewall"
	"github.com/haolipeng/morepork/pkg/mirror"
	"github.com/haolipeng/morepork/pkg/types"
)

// 事件类型，同时作为subject后缀
const (
	KindMirror = "mirror"
	KindBlock  = "block"
	KindAlert  = "alert"
)

// DefaultSubject 默认subject前缀
const DefaultSubject = "morepork.events"

// Event 发布到NATS的消息体
type Event struct {
	Kind string      `json:"kind"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// conn *nats.Conn中用到的部分
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher 把镜像变化、阻断变化和IDS告警发布到NATS
type Publisher struct {
	nc      conn
	subject string
	now     func() time.Time
}

// Connect 连接NATS服务器
func Connect(url, subject string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("morepork"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s failed: %w", url, err)
	}
	logrus.Infof("Connected to NATS server at %s", url)
	return newPublisher(nc, subject), nil
}

// NewNopPublisher 未启用NATS时使用，所有发布都被丢弃
func NewNopPublisher() *Publisher {
	return &Publisher{}
}

func newPublisher(nc conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{nc: nc, subject: subject, now: time.Now}
}

// Enabled 是否连接了NATS
func (p *Publisher) Enabled() bool {
	return p.nc != nil
}

// Publish 发布一条事件，subject为 前缀.kind
func (p *Publisher) Publish(kind string, data interface{}) error {
	if p.nc == nil {
		return nil
	}

	payload, err := json.Marshal(Event{Kind: kind, Time: p.now(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s event failed: %w", kind, err)
	}
	return p.nc.Publish(p.subject+"."+kind, payload)
}

// MirrorChanged 实现mirror.Notifier
func (p *Publisher) MirrorChanged(t mirror.Transition) {
	if err := p.Publish(KindMirror, t); err != nil {
		logrus.Warnf("Publish mirror event failed: %v", err)
	}
}

// FirewallChanged 实现firewall.Notifier
func (p *Publisher) FirewallChanged(c firewall.Change) {
	if err := p.Publish(KindBlock, c); err != nil {
		logrus.Warnf("Publish block event failed: %v", err)
	}
}

// HandleAlert IDS告警订阅入口
func (p *Publisher) HandleAlert(alert *types.IdsAlert) {
	if err := p.Publish(KindAlert, alert); err != nil {
		logrus.Warnf("Publish alert event failed: %v", err)
	}
}

// Close 排空并关闭连接
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		logrus.Warnf("Drain nats connection failed: %v", err)
		return
	}
	logrus.Info("NATS connection drained and closed")
}
