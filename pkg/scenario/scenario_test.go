package scenario

import (
	"testing"
	"time"

	"github.com/ApfelPresse/scratchlink-fakehub/pkg/protocol"
	"github.com/ApfelPresse/scratchlink-fakehub/pkg/wedo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDemoDevice(t *testing.T) *wedo.Device {
	t.Helper()
	d, err := wedo.New(wedo.Options{SensorInterval: time.Hour},
		wedo.PortConfig{Port: 2, Kind: protocol.KindTilt},
		wedo.PortConfig{Port: 3, Kind: protocol.KindDistance},
	)
	require.NoError(t, err)
	t.Cleanup(d.Stop)
	return d
}

func TestDemoAlternatesDistanceAndTilts(t *testing.T) {
	d := newDemoDevice(t)

	demo := Start(d, Options{Grace: time.Millisecond, Step: time.Millisecond})
	defer demo.Stop()

	require.Eventually(t, func() bool { return d.Distance() == 90 },
		time.Second, time.Millisecond, "expected far step")
	require.Eventually(t, func() bool { return d.Distance() == 10 },
		time.Second, time.Millisecond, "expected near step")

	x, y := d.Tilt()
	assert.Equal(t, 0, x)
	assert.Equal(t, 60, y)
}

func TestDemoGraceDelaysFirstStep(t *testing.T) {
	d := newDemoDevice(t)

	demo := Start(d, Options{Grace: time.Hour, Step: time.Millisecond})
	defer demo.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, d.Distance())
}

func TestDemoStopFreezesValues(t *testing.T) {
	d := newDemoDevice(t)

	demo := Start(d, Options{Grace: time.Millisecond, Step: time.Millisecond})
	require.Eventually(t, func() bool { return d.Distance() != 0 },
		time.Second, time.Millisecond)
	demo.Stop()

	got := d.Distance()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, got, d.Distance())
}
