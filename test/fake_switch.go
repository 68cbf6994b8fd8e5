package test

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"
)

// OpenFlow 1.3消息类型
const (
	ofptHello            = 0
	ofptFeaturesRequest  = 5
	ofptFeaturesReply    = 6
	ofptFlowMod          = 14
	ofptMultipartRequest = 18
	ofptMultipartReply   = 19

	mpFlow      = 1
	mpPortStats = 4
)

// RecordedFlowMod 交换机收到的一条流表修改
type RecordedFlowMod struct {
	Cookie   uint64
	TableID  uint8
	Command  uint8
	Priority uint16
}

type portCounters struct {
	rxPackets uint64
	duration  uint32
}

// FakeSwitch 在TCP上模拟一台OpenFlow 1.3交换机，记录所有收到的流表修改
type FakeSwitch struct {
	dpid uint64
	conn net.Conn

	mu       sync.Mutex
	flowMods []RecordedFlowMod
	ports    map[uint32]portCounters
	flowReqs int
	done     chan struct{}
}

// DialFakeSwitch 连接控制器并完成握手
func DialFakeSwitch(addr string, dpid uint64) (*FakeSwitch, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	sw := &FakeSwitch{
		dpid:  dpid,
		conn:  conn,
		ports: make(map[uint32]portCounters),
		done:  make(chan struct{}),
	}
	if err := sw.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	go sw.serve()
	return sw, nil
}

// SetPort 设置端口计数，下一次port stats请求时返回
func (s *FakeSwitch) SetPort(port uint32, durationSec uint32, rxPackets uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[port] = portCounters{rxPackets: rxPackets, duration: durationSec}
}

// FlowMods 返回收到的流表修改的拷贝
func (s *FakeSwitch) FlowMods() []RecordedFlowMod {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedFlowMod, len(s.flowMods))
	copy(out, s.flowMods)
	return out
}

// FlowStatsRequests 收到的flow stats请求数
func (s *FakeSwitch) FlowStatsRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flowReqs
}

func (s *FakeSwitch) Close() error {
	err := s.conn.Close()
	<-s.done
	return err
}

func (s *FakeSwitch) handshake() error {
	if err := s.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return err
	}
	defer s.conn.SetReadDeadline(time.Time{})

	if err := s.write(ofptHello, 1, nil); err != nil {
		return err
	}
	for {
		msgType, xid, _, err := s.read()
		if err != nil {
			return err
		}
		if msgType != ofptFeaturesRequest {
			continue
		}
		body := make([]byte, 24)
		binary.BigEndian.PutUint64(body[0:8], s.dpid)
		body[12] = 3 // n_tables
		return s.write(ofptFeaturesReply, xid, body)
	}
}

func (s *FakeSwitch) serve() {
	defer close(s.done)
	for {
		msgType, xid, body, err := s.read()
		if err != nil {
			return
		}
		switch msgType {
		case ofptFlowMod:
			s.recordFlowMod(body)
		case ofptMultipartRequest:
			s.answerMultipart(xid, body)
		}
	}
}

func (s *FakeSwitch) recordFlowMod(body []byte) {
	if len(body) < 24 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowMods = append(s.flowMods, RecordedFlowMod{
		Cookie:   binary.BigEndian.Uint64(body[0:8]),
		TableID:  body[16],
		Command:  body[17],
		Priority: binary.BigEndian.Uint16(body[22:24]),
	})
}

func (s *FakeSwitch) answerMultipart(xid uint32, body []byte) {
	if len(body) < 2 {
		return
	}
	switch binary.BigEndian.Uint16(body[0:2]) {
	case mpPortStats:
		s.mu.Lock()
		reply := make([]byte, 8, 8+112*len(s.ports))
		binary.BigEndian.PutUint16(reply[0:2], mpPortStats)
		for port, c := range s.ports {
			stats := make([]byte, 112)
			binary.BigEndian.PutUint32(stats[0:4], port)
			binary.BigEndian.PutUint64(stats[8:16], c.rxPackets)
			binary.BigEndian.PutUint32(stats[104:108], c.duration)
			reply = append(reply, stats...)
		}
		s.mu.Unlock()
		_ = s.write(ofptMultipartReply, xid, reply)
	case mpFlow:
		s.mu.Lock()
		s.flowReqs++
		s.mu.Unlock()
		reply := make([]byte, 8)
		binary.BigEndian.PutUint16(reply[0:2], mpFlow)
		_ = s.write(ofptMultipartReply, xid, reply)
	}
}

func (s *FakeSwitch) read() (uint8, uint32, []byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return 0, 0, nil, err
	}
	body := make([]byte, int(binary.BigEndian.Uint16(header[2:4]))-8)
	if _, err := io.ReadFull(s.conn, body); err != nil {
		return 0, 0, nil, err
	}
	return header[1], binary.BigEndian.Uint32(header[4:8]), body, nil
}

func (s *FakeSwitch) write(msgType uint8, xid uint32, body []byte) error {
	buf := make([]byte, 8+len(body))
	buf[0] = 4
	buf[1] = msgType
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[4:8], xid)
	copy(buf[8:], body)
	_, err := s.conn.Write(buf)
	return err
}
