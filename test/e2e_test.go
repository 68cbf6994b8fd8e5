package test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/morepork/pkg/collector"
	"github.com/haolipeng/morepork/pkg/controller"
	"github.com/haolipeng/morepork/pkg/firewall"
	"github.com/haolipeng/morepork/pkg/ids"
	"github.com/haolipeng/morepork/pkg/metrics"
	"github.com/haolipeng/morepork/pkg/mirror"
	"github.com/haolipeng/morepork/pkg/ofconn"
	"github.com/haolipeng/morepork/pkg/pipeline"
	"github.com/haolipeng/morepork/pkg/poller"
	"github.com/haolipeng/morepork/pkg/tripwire"
	"github.com/haolipeng/morepork/pkg/types"
)

const (
	ofpfcAdd    = 0
	ofpfcDelete = 3
)

const tripwireRules = `
port:
  1:
    2:
      rx_packets:
        threshold: 100
        derivative: 1
`

const alertDatagram = "<37>Jan  5 12:34:56 so-server sguil_alert: 12:34:56 pid(1234)  Alert Received: 0 1 trojan-activity so-sensor-eth1 " +
	"{2016-01-05 12:34:56} 3 1234 {ET TROJAN Suspicious User-Agent} 10.0.0.1 10.0.0.2 6 1234 80 1 2000001"

type controllerUnderTest struct {
	server   *ofconn.Server
	listener *ids.Listener
	poller   *poller.Scheduler
	mirror   *mirror.Controller
	firewall *firewall.Controller
	metrics  *metrics.ControllerMetrics
}

// startController 按main中的方式组装控制器，监听随机端口
func startController(t *testing.T, ctx context.Context) *controllerUnderTest {
	t.Helper()

	rules, err := tripwire.ParseRules([]byte(tripwireRules))
	require.NoError(t, err)

	m := metrics.New()
	server := ofconn.NewServer()
	pipe, err := pipeline.NewDefaultPipeline(server, &m.Response, 0, 1, 2)
	require.NoError(t, err)

	mc := mirror.NewController(pipe, mirror.DefaultPort, mirror.DefaultPriority, &m.Response)
	fw := firewall.NewController(pipe, firewall.Config{
		Expiry: firewall.ExpiryConfig{Enabled: true, MinBytes: 1, MinAge: time.Hour},
	}, &m.Response)
	tw := tripwire.NewTripwire(rules, &m.Detection)

	server.SetHandler(controller.New(pipe, collector.NewCollector(), tw, mc, fw, &m.Detection))
	require.NoError(t, server.Listen(ctx, "127.0.0.1:0"))
	t.Cleanup(func() { server.Close() })

	filter, err := ids.NewFilter(`alert.category != "policy-violation"`)
	require.NoError(t, err)
	listener := ids.NewListener(filter, &m.Alert)
	listener.Subscribe("firewall", fw.HandleAlert)
	require.NoError(t, listener.Listen(ctx, "127.0.0.1", 0))
	t.Cleanup(func() { listener.Close() })

	return &controllerUnderTest{
		server:   server,
		listener: listener,
		poller:   poller.NewScheduler(time.Hour, server, &m.Detection).WithFlowStats(0),
		mirror:   mc,
		firewall: fw,
		metrics:  m,
	}
}

func waitForFlowMods(t *testing.T, sw *FakeSwitch, n int) []RecordedFlowMod {
	t.Helper()
	require.Eventually(t, func() bool { return len(sw.FlowMods()) >= n }, 3*time.Second, 10*time.Millisecond)
	return sw.FlowMods()
}

func TestEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := startController(t, ctx)

	sw, err := DialFakeSwitch(c.server.Addr().String(), 1)
	require.NoError(t, err)
	defer sw.Close()

	// 连接后: 清空所有表，firewall和mirror两层默认跳转，最后一层转发
	mods := waitForFlowMods(t, sw, 4)
	assert.Equal(t, uint8(ofpfcDelete), mods[0].Command)
	assert.Equal(t, types.TableAll, mods[0].TableID)
	assert.Equal(t, uint8(0), mods[1].TableID)
	assert.Equal(t, uint8(1), mods[2].TableID)
	assert.Equal(t, uint8(2), mods[3].TableID)
	assert.Equal(t, uint8(ofpfcAdd), mods[3].Command)

	t.Run("端口速率超过阈值后开始镜像", func(t *testing.T) {
		sw.SetPort(2, 10, 0)
		c.poller.Poll()
		require.Eventually(t, func() bool {
			return atomic.LoadUint64(&c.metrics.Detection.StatsReplies) >= 1
		}, 3*time.Second, 10*time.Millisecond)
		assert.False(t, c.mirror.Mirrored(1, 2))

		sw.SetPort(2, 20, 5000)
		c.poller.Poll()

		mods := waitForFlowMods(t, sw, 5)
		mirrorRule := mods[4]
		assert.Equal(t, uint8(ofpfcAdd), mirrorRule.Command)
		assert.Equal(t, uint8(1), mirrorRule.TableID)
		assert.Equal(t, mirror.DefaultPriority, mirrorRule.Priority)
		assert.Eventually(t, func() bool { return c.mirror.Mirrored(1, 2) }, time.Second, 10*time.Millisecond)
		assert.GreaterOrEqual(t, sw.FlowStatsRequests(), 2)
	})

	t.Run("IDS告警在所有交换机上阻断", func(t *testing.T) {
		before := len(sw.FlowMods())

		conn, err := net.Dial("udp", c.listener.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		_, err = conn.Write([]byte(alertDatagram))
		require.NoError(t, err)

		mods := waitForFlowMods(t, sw, before+1)
		drop := mods[before]
		key := types.FirewallDropKey{Protocol: types.ProtoTCP, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1234, DstPort: 80}
		assert.Equal(t, uint8(ofpfcAdd), drop.Command)
		assert.Equal(t, uint8(0), drop.TableID)
		assert.Equal(t, firewall.DefaultPriority, drop.Priority)
		assert.Equal(t, key.Cookie(), drop.Cookie)
		assert.Eventually(t, func() bool { return c.firewall.Blocked(1, key) }, time.Second, 10*time.Millisecond)
	})

	t.Run("被过滤的告警不触发阻断", func(t *testing.T) {
		before := len(sw.FlowMods())

		conn, err := net.Dial("udp", c.listener.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		filtered := "<37>Jan  5 12:34:56 so-server sguil_alert: 12:34:56 pid(1234)  Alert Received: 0 1 policy-violation so-sensor-eth1 " +
			"{2016-01-05 12:34:56} 3 1235 {ET POLICY curl} 10.0.0.3 10.0.0.4 17 53 53 1 2000002"
		_, err = conn.Write([]byte(filtered))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return atomic.LoadUint64(&c.metrics.Alert.AlertsFiltered) >= 1
		}, 3*time.Second, 10*time.Millisecond)
		assert.Len(t, sw.FlowMods(), before)
	})
}

func TestSwitchReconnectGetsExistingDrops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := startController(t, ctx)

	first, err := DialFakeSwitch(c.server.Addr().String(), 1)
	require.NoError(t, err)
	defer first.Close()
	waitForFlowMods(t, first, 4)

	key := types.FirewallDropKey{Protocol: types.ProtoUDP, SrcIP: "10.0.0.5", DstIP: "10.0.0.6", SrcPort: 53, DstPort: 53}
	c.firewall.BlockKey(key)
	waitForFlowMods(t, first, 5)

	second, err := DialFakeSwitch(c.server.Addr().String(), 2)
	require.NoError(t, err)
	defer second.Close()

	// 清空、三条默认规则、补装的阻断
	mods := waitForFlowMods(t, second, 5)
	assert.Equal(t, key.Cookie(), mods[4].Cookie)
	assert.Eventually(t, func() bool { return c.firewall.Blocked(2, key) }, time.Second, 10*time.Millisecond)

	// 同一dpid重新连接，旧连接被替换，新连接同样拿到阻断
	again, err := DialFakeSwitch(c.server.Addr().String(), 1)
	require.NoError(t, err)
	defer again.Close()

	mods = waitForFlowMods(t, again, 5)
	assert.Equal(t, types.TableAll, mods[0].TableID)
	assert.Equal(t, key.Cookie(), mods[4].Cookie)
	assert.Eventually(t, func() bool { return c.firewall.Blocked(1, key) }, time.Second, 10*time.Millisecond)
}
