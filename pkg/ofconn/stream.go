package ofconn

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"antrea.io/libOpenflow/openflow13"
	"antrea.io/libOpenflow/util"
)

const (
	headerLen    = 8
	writeTimeout = 5 * time.Second
)

// messageStream 在TCP连接上按OpenFlow头部长度切分消息
type messageStream struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

func newMessageStream(conn net.Conn) *messageStream {
	return &messageStream{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 64*1024),
	}
}

// ReadMessage 读取并解析一条消息，返回原始字节方便调试。
// raw非空表示消息边界完好，只是内容无法解析；长度非法时流已错位，raw为空
func (m *messageStream) ReadMessage() (util.Message, []byte, error) {
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(m.r, hdr); err != nil {
		return nil, nil, err
	}

	length := int(binary.BigEndian.Uint16(hdr[2:4]))
	if length < headerLen {
		return nil, nil, fmt.Errorf("invalid openflow message length %d", length)
	}

	buf := make([]byte, length)
	copy(buf, hdr)
	if _, err := io.ReadFull(m.r, buf[headerLen:]); err != nil {
		return nil, nil, err
	}

	msg, err := openflow13.Parse(buf)
	if err != nil {
		return nil, buf, fmt.Errorf("parse openflow message type %d failed: %w", buf[1], err)
	}
	return msg, buf, nil
}

// WriteMessage 序列化并写出一条消息，并发安全
func (m *messageStream) WriteMessage(msg util.Message) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal openflow message failed: %w", err)
	}

	m.wmu.Lock()
	defer m.wmu.Unlock()

	if err := m.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err = m.conn.Write(data)
	return err
}

func (m *messageStream) SetReadDeadline(t time.Time) error {
	return m.conn.SetReadDeadline(t)
}

func (m *messageStream) Close() error {
	return m.conn.Close()
}

func (m *messageStream) RemoteAddr() net.Addr {
	return m.conn.RemoteAddr()
}
