package firewall

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/morepork/pkg/metrics"
	"github.com/haolipeng/morepork/pkg/pipeline"
	"github.com/haolipeng/morepork/pkg/pipeline/pipelinetest"
	"github.com/haolipeng/morepork/pkg/types"
)

type recordingNotifier struct {
	changes []Change
}

func (r *recordingNotifier) FirewallChanged(c Change) {
	r.changes = append(r.changes, c)
}

func newController(t *testing.T, cfg Config, dpids ...uint64) (*Controller, *pipelinetest.FakeSwitches, *metrics.ResponseMetrics) {
	t.Helper()
	sw := pipelinetest.NewFakeSwitches(dpids...)
	m := &metrics.ResponseMetrics{}
	p, err := pipeline.NewDefaultPipeline(sw, m, 0, 1, 2)
	require.NoError(t, err)
	return NewController(p, cfg, m), sw, m
}

func alert(proto, srcPort, dstPort string) *types.IdsAlert {
	return &types.IdsAlert{
		Signature: "ET SCAN test",
		SrcIP:     "10.0.0.1",
		DstIP:     "10.0.0.2",
		Proto:     proto,
		SrcPort:   srcPort,
		DstPort:   dstPort,
	}
}

var tcpKey = types.FirewallDropKey{Protocol: 6, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1234, DstPort: 80}

func TestKeyFromAlert(t *testing.T) {
	testCases := []struct {
		name    string
		alert   *types.IdsAlert
		wantOK  bool
		wantErr bool
		wantKey types.FirewallDropKey
	}{
		{name: "TCP", alert: alert("6", "1234", "80"), wantOK: true, wantKey: tcpKey},
		{
			name:    "UDP",
			alert:   alert("17", "53", "5353"),
			wantOK:  true,
			wantKey: types.FirewallDropKey{Protocol: 17, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 53, DstPort: 5353},
		},
		{name: "ICMP被忽略", alert: alert("1", "0", "0")},
		{name: "协议号非法", alert: alert("tcp", "1", "2"), wantErr: true},
		{name: "端口超出范围", alert: alert("6", "70000", "80"), wantErr: true},
		{
			name:    "IP非法",
			alert:   &types.IdsAlert{SrcIP: "999.1.1.1", DstIP: "10.0.0.2", Proto: "6", SrcPort: "1", DstPort: "2"},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			key, ok, err := KeyFromAlert(tc.alert)
			if tc.wantErr {
				assert.Error(t, err)
				assert.False(t, ok)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.wantKey, key)
			}
		})
	}
}

func TestBlockInstallsOnEveryDatapath(t *testing.T) {
	c, sw, m := newController(t, Config{}, 1, 2, 3)

	require.NoError(t, c.Block(0, alert("6", "1234", "80")))

	for _, dpid := range []uint64{1, 2, 3} {
		mods := sw.SentTo(dpid)
		require.Len(t, mods, 1, "dpid %d", dpid)
		mod := mods[0]
		assert.Equal(t, types.FlowAdd, mod.Command)
		assert.Equal(t, uint8(0), mod.TableID)
		assert.Equal(t, DefaultPriority, mod.Priority)
		assert.Empty(t, mod.Actions)
		assert.Nil(t, mod.GotoTable)
		assert.Equal(t, tcpKey.Cookie(), mod.Cookie)
		assert.Equal(t, types.EthTypeIPv4, mod.Match.EthType)
		assert.Equal(t, uint8(6), mod.Match.IPProto)
		assert.True(t, net.ParseIP("10.0.0.1").Equal(mod.Match.IPv4Src))
		assert.True(t, net.ParseIP("10.0.0.2").Equal(mod.Match.IPv4Dst))
		assert.Equal(t, uint16(1234), mod.Match.L4Src)
		assert.Equal(t, uint16(80), mod.Match.L4Dst)
		assert.True(t, c.Blocked(dpid, tcpKey))
	}
	assert.Equal(t, uint64(3), m.Blocks)
}

func TestBlockIgnoresUnsupportedProtocol(t *testing.T) {
	c, sw, _ := newController(t, Config{}, 1)

	require.NoError(t, c.Block(0, alert("1", "0", "0")))
	c.HandleAlert(alert("47", "0", "0"))

	assert.Empty(t, sw.Sent())
	assert.Empty(t, c.Drops())
}

func TestBlockIsIdempotent(t *testing.T) {
	c, sw, _ := newController(t, Config{}, 1)

	c.HandleAlert(alert("6", "1234", "80"))
	c.HandleAlert(alert("6", "1234", "80"))

	assert.Len(t, sw.SentTo(1), 1)
	assert.Equal(t, map[uint64][]types.FirewallDropKey{1: {tcpKey}}, c.Drops())
}

func TestBlockFailureNotRecorded(t *testing.T) {
	c, sw, m := newController(t, Config{}, 1, 2)
	sw.FailWith(2, types.ErrConnectionClosed)

	c.HandleAlert(alert("6", "1234", "80"))

	assert.True(t, c.Blocked(1, tcpKey))
	assert.False(t, c.Blocked(2, tcpKey))
	assert.Equal(t, uint64(1), m.FlowModsFailed)
}

func TestUnblock(t *testing.T) {
	c, sw, m := newController(t, Config{}, 1, 2)
	n := &recordingNotifier{}
	c.AddNotifier(n)
	c.HandleAlert(alert("6", "1234", "80"))
	sw.Reset()

	require.NoError(t, c.Unblock(1, tcpKey))

	mods := sw.SentTo(1)
	require.Len(t, mods, 1)
	assert.Equal(t, types.FlowDelete, mods[0].Command)
	assert.Equal(t, uint8(0), mods[0].TableID)
	assert.Equal(t, MatchFor(tcpKey), mods[0].Match)
	assert.False(t, c.Blocked(1, tcpKey))
	assert.True(t, c.Blocked(2, tcpKey))

	removed, known := c.UnblockAll(tcpKey)
	assert.Equal(t, 1, removed)
	assert.True(t, known)
	assert.Empty(t, c.Drops())
	assert.Empty(t, c.Blocklist())
	assert.Equal(t, uint64(2), m.Unblocks)

	require.Len(t, n.changes, 4)
	assert.True(t, n.changes[0].Blocked)
	assert.False(t, n.changes[3].Blocked)
}

func TestExpireIdle(t *testing.T) {
	cfg := Config{Expiry: ExpiryConfig{Enabled: true, MinBytes: 100, MinAge: 10 * time.Second}}
	c, sw, m := newController(t, cfg, 1)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.HandleAlert(alert("6", "1234", "80"))
	sw.Reset()
	stat := func(bytes uint64) []types.FlowStat {
		return []types.FlowStat{
			{TableID: 0, Cookie: 0, ByteCount: 1 << 30},
			{TableID: 0, Cookie: tcpKey.Cookie(), ByteCount: bytes},
		}
	}

	// 刚安装的规则即使没有流量也不会被删除
	now = now.Add(1 * time.Second)
	c.ExpireIdle(1, stat(0))
	now = now.Add(1 * time.Second)
	c.ExpireIdle(1, stat(0))
	assert.True(t, c.Blocked(1, tcpKey))

	// 仍有攻击流量
	now = now.Add(20 * time.Second)
	c.ExpireIdle(1, stat(5000))
	assert.True(t, c.Blocked(1, tcpKey))

	// 流量低于阈值，删除
	now = now.Add(10 * time.Second)
	c.ExpireIdle(1, stat(5050))
	assert.False(t, c.Blocked(1, tcpKey))
	mods := sw.SentTo(1)
	require.Len(t, mods, 1)
	assert.Equal(t, types.FlowDelete, mods[0].Command)
	assert.Equal(t, uint64(1), m.Expired)
}

func TestExpireDisabled(t *testing.T) {
	c, _, _ := newController(t, Config{}, 1)
	c.HandleAlert(alert("6", "1234", "80"))

	c.ExpireIdle(1, []types.FlowStat{{TableID: 0, Cookie: tcpKey.Cookie()}})
	c.ExpireIdle(1, []types.FlowStat{{TableID: 0, Cookie: tcpKey.Cookie()}})

	assert.True(t, c.Blocked(1, tcpKey))
}

func TestReinstallFor(t *testing.T) {
	c, sw, _ := newController(t, Config{}, 1)
	c.HandleAlert(alert("6", "1234", "80"))

	sw.Connect(2)
	c.ReinstallFor(2)

	assert.Len(t, sw.SentTo(2), 1)
	assert.True(t, c.Blocked(2, tcpKey))

	c.ForgetDatapath(1)
	assert.False(t, c.Blocked(1, tcpKey))
	assert.Equal(t, []types.FirewallDropKey{tcpKey}, c.Blocklist())
}

func TestReinstallAfterRestart(t *testing.T) {
	testCases := []struct {
		name       string
		disconnect bool // 先收到断开再重新连接
	}{
		{name: "唯一的交换机断开后重连", disconnect: true},
		{name: "同一dpid的新连接直接替换旧连接", disconnect: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, sw, _ := newController(t, Config{}, 1)
			c.HandleAlert(alert("6", "1234", "80"))
			require.True(t, c.Blocked(1, tcpKey))

			if tc.disconnect {
				c.ForgetDatapath(1)
				assert.False(t, c.Blocked(1, tcpKey))
			}
			sw.Reset()
			c.ReinstallFor(1)

			mods := sw.SentTo(1)
			require.Len(t, mods, 1)
			assert.Equal(t, types.FlowAdd, mods[0].Command)
			assert.Equal(t, tcpKey.Cookie(), mods[0].Cookie)
			assert.True(t, c.Blocked(1, tcpKey))
		})
	}
}

func TestBlockWithoutSwitches(t *testing.T) {
	c, sw, _ := newController(t, Config{})
	c.BlockKey(tcpKey)

	assert.Empty(t, sw.Sent())
	assert.Equal(t, []types.FirewallDropKey{tcpKey}, c.Blocklist())

	sw.Connect(1)
	c.ReinstallFor(1)
	assert.True(t, c.Blocked(1, tcpKey))

	removed, known := c.UnblockAll(types.FirewallDropKey{Protocol: 17, SrcIP: "1.1.1.1", DstIP: "2.2.2.2"})
	assert.Equal(t, 0, removed)
	assert.False(t, known)
}

func TestExpireLastInstallLeavesBlocklist(t *testing.T) {
	cfg := Config{Expiry: ExpiryConfig{Enabled: true, MinBytes: 1}}
	c, _, _ := newController(t, cfg, 1)
	c.HandleAlert(alert("6", "1234", "80"))

	stat := []types.FlowStat{{TableID: 0, Cookie: tcpKey.Cookie(), ByteCount: 10}}
	c.ExpireIdle(1, stat)
	c.ExpireIdle(1, stat)

	assert.False(t, c.Blocked(1, tcpKey))
	assert.Empty(t, c.Blocklist())
}

func TestExpireIdleDistinguishesSimilarKeys(t *testing.T) {
	cfg := Config{Expiry: ExpiryConfig{Enabled: true, MinBytes: 1}}
	c, _, _ := newController(t, cfg, 1)

	quiet := types.FirewallDropKey{Protocol: 6, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1, DstPort: 23}
	busy := types.FirewallDropKey{Protocol: 6, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 12, DstPort: 3}
	c.BlockKey(quiet)
	c.BlockKey(busy)
	require.NotEqual(t, quiet.Cookie(), busy.Cookie())

	c.ExpireIdle(1, []types.FlowStat{
		{TableID: 0, Cookie: quiet.Cookie(), ByteCount: 10},
		{TableID: 0, Cookie: busy.Cookie(), ByteCount: 10},
	})
	c.ExpireIdle(1, []types.FlowStat{
		{TableID: 0, Cookie: quiet.Cookie(), ByteCount: 10},
		{TableID: 0, Cookie: busy.Cookie(), ByteCount: 9000},
	})

	assert.False(t, c.Blocked(1, quiet))
	assert.True(t, c.Blocked(1, busy))
}
