package collector

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haolipeng/morepork/pkg/types"
)

func sample(port uint32, duration float64, metrics map[string]float64) types.PortStatsSample {
	return types.PortStatsSample{PortNo: port, DurationSec: duration, Metrics: metrics}
}

func TestPushKeepsLastTwoSamples(t *testing.T) {
	c := NewCollector()
	for i := 1; i <= 5; i++ {
		c.Push(1, []types.PortStatsSample{
			sample(2, float64(i), map[string]float64{types.MetricRxPackets: float64(i * 100)}),
		})
	}

	w := c.Window(1, 2)
	require.Len(t, w, WindowSize)
	assert.Equal(t, float64(400), w[0].Metrics[types.MetricRxPackets])
	assert.Equal(t, float64(500), w[1].Metrics[types.MetricRxPackets])
	assert.Equal(t, uint64(1), w[0].Dpid)
}

func TestPresenceQueries(t *testing.T) {
	c := NewCollector()
	c.Push(7, []types.PortStatsSample{
		sample(3, 1, map[string]float64{types.MetricTxBytes: 10}),
		sample(1, 1, map[string]float64{types.MetricTxBytes: 10}),
	})

	assert.True(t, c.HasDpid(7))
	assert.False(t, c.HasDpid(8))
	assert.True(t, c.HasPort(7, 3))
	assert.False(t, c.HasPort(7, 2))
	assert.True(t, c.HasMetric(7, 3, types.MetricTxBytes))
	assert.False(t, c.HasMetric(7, 3, types.MetricRxBytes))
	assert.Equal(t, []uint32{1, 3}, c.Ports(7))

	c.Forget(7)
	assert.False(t, c.HasDpid(7))
}

func TestDerivatives(t *testing.T) {
	testCases := []struct {
		name       string
		samples    []types.PortStatsSample
		wantLast   float64
		wantLastEr error
		wantOrder1 float64
		wantOrder2 float64
		wantErr    error
	}{
		{
			name:       "没有采样",
			wantLastEr: types.ErrNoData,
		},
		{
			name:     "只有一个采样时导数为0",
			samples:  []types.PortStatsSample{sample(1, 10, map[string]float64{"rx_packets": 100})},
			wantLast: 100,
		},
		{
			name: "两个采样",
			samples: []types.PortStatsSample{
				sample(1, 10, map[string]float64{"rx_packets": 100}),
				sample(1, 20, map[string]float64{"rx_packets": 300}),
			},
			wantLast:   300,
			wantOrder1: 20,
			wantOrder2: 2,
		},
		{
			name: "计数器回退得到负导数",
			samples: []types.PortStatsSample{
				sample(1, 10, map[string]float64{"rx_packets": 300}),
				sample(1, 12, map[string]float64{"rx_packets": 100}),
			},
			wantLast:   100,
			wantOrder1: -100,
			wantOrder2: -50,
		},
		{
			name: "时间差为0",
			samples: []types.PortStatsSample{
				sample(1, 10, map[string]float64{"rx_packets": 100}),
				sample(1, 10, map[string]float64{"rx_packets": 200}),
			},
			wantLast: 200,
			wantErr:  types.ErrZeroTimeDelta,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCollector()
			for _, s := range tc.samples {
				c.Push(9, []types.PortStatsSample{s})
			}

			last, err := c.LastValue(9, 1, "rx_packets")
			if tc.wantLastEr != nil {
				assert.True(t, errors.Is(err, tc.wantLastEr))
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.wantLast, last)
			}

			o1, err1 := c.Order1(9, 1, "rx_packets")
			o2, err2 := c.Order2(9, 1, "rx_packets")
			if tc.wantErr != nil {
				assert.True(t, errors.Is(err1, tc.wantErr))
				assert.True(t, errors.Is(err2, tc.wantErr))
				var derr *types.DerivativeError
				require.True(t, errors.As(err1, &derr))
				assert.Equal(t, uint32(1), derr.PortNo)
				return
			}
			require.NoError(t, err1)
			require.NoError(t, err2)
			assert.InDelta(t, tc.wantOrder1, o1, 1e-9)
			assert.InDelta(t, tc.wantOrder2, o2, 1e-9)
		})
	}
}

func TestMetricMissingInOneSample(t *testing.T) {
	c := NewCollector()
	c.Push(1, []types.PortStatsSample{sample(1, 1, map[string]float64{"tx_bytes": 5})})
	c.Push(1, []types.PortStatsSample{sample(1, 2, map[string]float64{"rx_bytes": 5})})

	assert.True(t, c.HasMetric(1, 1, "tx_bytes"))
	v, err := c.LastValue(1, 1, "tx_bytes")
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)

	o1, err := c.Order1(1, 1, "tx_bytes")
	require.NoError(t, err)
	assert.Equal(t, float64(0), o1)
}

func TestWindowIsCopy(t *testing.T) {
	c := NewCollector()
	c.Push(1, []types.PortStatsSample{sample(1, 1, map[string]float64{"tx_bytes": 5})})
	w := c.Window(1, 1)
	w[0].DurationSec = 99

	assert.Equal(t, float64(1), c.Window(1, 1)[0].DurationSec)
}
