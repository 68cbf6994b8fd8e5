package ofconn

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"antrea.io/libOpenflow/common"
	"antrea.io/libOpenflow/openflow13"
	"antrea.io/libOpenflow/util"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/morepork/pkg/types"
)

// Note: 让OVS连接控制器
// ovs-vsctl set-controller <bridge> tcp:<ip>:6633
// ovs-vsctl set bridge <bridge> protocols=OpenFlow13

const (
	DefaultListenAddr = ":6633"
	handshakeTimeout  = 5 * time.Second
)

// Handler 交换机事件回调
type Handler interface {
	SwitchConnected(dpid uint64)
	SwitchDisconnected(dpid uint64)
	PortStatsReceived(dpid uint64, samples []types.PortStatsSample)
	FlowStatsReceived(dpid uint64, stats []types.FlowStat)
}

// datapath 一个完成握手的交换机连接
type datapath struct {
	dpid   uint64
	stream *messageStream
	// 分片的multipart回复，按类型缓存直到最后一片
	partial map[uint16][]util.Message
}

// Server OpenFlow 1.3控制器端，维护交换机连接
type Server struct {
	mu        sync.RWMutex
	datapaths map[uint64]*datapath
	handler   Handler
	listener  net.Listener
	wg        sync.WaitGroup
}

// NewServer 创建控制器端
func NewServer() *Server {
	return &Server{
		datapaths: make(map[uint64]*datapath),
	}
}

// SetHandler 设置事件回调，必须在Listen之前调用
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Listen 监听交换机连接
func (s *Server) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen openflow address failed: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logrus.Infof("Listening for switches on %s", ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeAll()
	}()
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close 关闭监听和所有连接
func (s *Server) Close() error {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.closeAll()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) closeAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, dp := range s.datapaths {
		dp.stream.Close()
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			logrus.Errorf("Accept switch connection failed: %v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	stream := newMessageStream(conn)
	defer stream.Close()

	logrus.Debugf("New switch connection from %s", stream.RemoteAddr())

	dpid, err := s.handshake(stream)
	if err != nil {
		logrus.Warnf("Handshake with %s failed: %v", stream.RemoteAddr(), err)
		return
	}

	dp := &datapath{dpid: dpid, stream: stream, partial: make(map[uint16][]util.Message)}
	s.register(dp)
	defer s.unregister(dp)

	s.receive(dp)
}

// handshake 交换Hello后请求Features，返回dpid
func (s *Server) handshake(stream *messageStream) (uint64, error) {
	hello, err := common.NewHello(int(openflow13.VERSION))
	if err != nil {
		return 0, err
	}
	if err := stream.WriteMessage(hello); err != nil {
		return 0, err
	}

	if err := stream.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return 0, err
	}
	defer stream.SetReadDeadline(time.Time{})

	for {
		msg, _, err := stream.ReadMessage()
		if err != nil {
			return 0, err
		}

		switch m := msg.(type) {
		case *common.Hello:
			if m.Version < openflow13.VERSION {
				return 0, fmt.Errorf("switch speaks openflow version %d, 1.3 required", m.Version)
			}
			if err := stream.WriteMessage(openflow13.NewFeaturesRequest()); err != nil {
				return 0, err
			}
		case *common.Header:
			if m.Type == openflow13.Type_EchoRequest {
				if err := replyEcho(stream, m); err != nil {
					return 0, err
				}
			}
		case *openflow13.SwitchFeatures:
			return dpidFromHardwareAddr(m.DPID), nil
		case *openflow13.ErrorMsg:
			return 0, fmt.Errorf("switch error during handshake: type=%d code=%d", m.Type, m.Code)
		}
	}
}

func (s *Server) receive(dp *datapath) {
	for {
		msg, raw, err := dp.stream.ReadMessage()
		if err != nil {
			if raw != nil {
				// 无法解析的消息跳过，连接仍然可用
				logrus.Debugf("Switch %s: %v", types.FormatDpid(dp.dpid), err)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logrus.Warnf("Switch %s read failed: %v", types.FormatDpid(dp.dpid), err)
			}
			return
		}

		switch m := msg.(type) {
		case *common.Header:
			if m.Type == openflow13.Type_EchoRequest {
				if err := replyEcho(dp.stream, m); err != nil {
					logrus.Warnf("Echo reply to %s failed: %v", types.FormatDpid(dp.dpid), err)
				}
			}
		case *openflow13.MultipartReply:
			s.handleMultipart(dp, m)
		case *openflow13.ErrorMsg:
			logrus.WithFields(logrus.Fields{
				"dpid": types.FormatDpid(dp.dpid),
				"type": m.Type,
				"code": m.Code,
			}).Warn("Switch reported error")
		}
	}
}

func (s *Server) handleMultipart(dp *datapath, reply *openflow13.MultipartReply) {
	body := append(dp.partial[reply.Type], reply.Body...)
	if reply.Flags&multipartReplyMore != 0 {
		dp.partial[reply.Type] = body
		return
	}
	delete(dp.partial, reply.Type)

	h := s.getHandler()
	if h == nil {
		return
	}
	switch reply.Type {
	case multipartPortStats:
		h.PortStatsReceived(dp.dpid, portSamples(dp.dpid, body))
	case multipartFlow:
		h.FlowStatsReceived(dp.dpid, flowStats(body))
	}
}

func (s *Server) register(dp *datapath) {
	s.mu.Lock()
	old, exists := s.datapaths[dp.dpid]
	s.datapaths[dp.dpid] = dp
	h := s.handler
	s.mu.Unlock()

	if exists {
		logrus.Warnf("Switch %s reconnected, closing previous connection", types.FormatDpid(dp.dpid))
		old.stream.Close()
	}
	logrus.Infof("Switch %s connected from %s", types.FormatDpid(dp.dpid), dp.stream.RemoteAddr())
	if h != nil {
		h.SwitchConnected(dp.dpid)
	}
}

func (s *Server) unregister(dp *datapath) {
	s.mu.Lock()
	current, ok := s.datapaths[dp.dpid]
	if ok && current == dp {
		delete(s.datapaths, dp.dpid)
	}
	h := s.handler
	s.mu.Unlock()

	// 已被新连接替换时不通知断开
	if !ok || current != dp {
		return
	}
	logrus.Infof("Switch %s disconnected", types.FormatDpid(dp.dpid))
	if h != nil {
		h.SwitchDisconnected(dp.dpid)
	}
}

func (s *Server) getHandler() Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

func (s *Server) lookup(dpid uint64) (*datapath, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dp, ok := s.datapaths[dpid]
	if !ok {
		return nil, types.ErrDatapathNotFound
	}
	return dp, nil
}

// Datapaths 已连接交换机的dpid，升序
func (s *Server) Datapaths() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]uint64, 0, len(s.datapaths))
	for d := range s.datapaths {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send 下发流表修改
func (s *Server) Send(dpid uint64, mod *types.FlowMod) error {
	return s.write(dpid, toFlowMod(mod))
}

// RequestPortStats 请求所有端口的统计
func (s *Server) RequestPortStats(dpid uint64) error {
	return s.write(dpid, newPortStatsRequest())
}

// RequestFlowStats 请求指定表的流统计
func (s *Server) RequestFlowStats(dpid uint64, table uint8) error {
	return s.write(dpid, newFlowStatsRequest(table))
}

func (s *Server) write(dpid uint64, msg util.Message) error {
	dp, err := s.lookup(dpid)
	if err != nil {
		return err
	}
	if err := dp.stream.WriteMessage(msg); err != nil {
		return fmt.Errorf("%w: %v", types.ErrConnectionClosed, err)
	}
	return nil
}

func replyEcho(stream *messageStream, req *common.Header) error {
	reply := openflow13.NewEchoReply()
	reply.Xid = req.Xid
	return stream.WriteMessage(reply)
}

func dpidFromHardwareAddr(addr net.HardwareAddr) uint64 {
	if len(addr) >= 8 {
		return binary.BigEndian.Uint64(addr[:8])
	}
	var buf [8]byte
	copy(buf[8-len(addr):], addr)
	return binary.BigEndian.Uint64(buf[:])
}
