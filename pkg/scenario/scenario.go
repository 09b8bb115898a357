// Package scenario drives the emulated devices through scripted sensor
// motion, so Scratch projects see changing values without anyone
// touching the setter API.
package scenario

import (
	"time"

	"github.com/ApfelPresse/scratchlink-fakehub/pkg/peripheral"
	"github.com/ApfelPresse/scratchlink-fakehub/pkg/wedo"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultGrace leaves Scratch time to connect before the first step.
	DefaultGrace = 2 * time.Second
	DefaultStep  = time.Second
)

// Options tune the demo pacing. Zero values fall back to the defaults.
type Options struct {
	Grace time.Duration
	Step  time.Duration
}

// Demo alternates the WeDo distance sensor between far and near once
// per step, nudging the tilt sensor each time.
type Demo struct {
	device *wedo.Device
	loop   *peripheral.PushLoop

	// step counter, touched only by the loop goroutine.
	n int
}

// Start runs the demo until Stop is called.
func Start(device *wedo.Device, opts Options) *Demo {
	if opts.Grace == 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Step == 0 {
		opts.Step = DefaultStep
	}

	d := &Demo{device: device}
	first := true
	interval := func() time.Duration {
		if first {
			first = false
			return opts.Grace
		}
		return opts.Step
	}
	d.loop = peripheral.StartPushLoop("demo scenario", interval, d.pushStep)
	log.Infof("Demo scenario started, first step in %s", opts.Grace)
	return d
}

// Stop ends the demo and waits for the loop to exit.
func (d *Demo) Stop() {
	d.loop.Stop()
	log.Info("Demo scenario stopped")
}

func (d *Demo) pushStep() error {
	if d.n%2 == 0 {
		d.device.SetDistance(90)
	} else {
		d.device.SetDistance(10)
	}
	d.device.TiltUp()
	d.n++
	return nil
}
