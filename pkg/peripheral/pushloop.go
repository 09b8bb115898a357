package peripheral

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Pusher is the per-tick body of a push loop. Returning an error ends the
// loop; a dead peer surfaces here as a transport failure.
type Pusher func() error

// PushLoop is an owned background sender bound to one subscription. Stop
// cancels it and joins the goroutine, so a loop can never outlive the
// subscription flag that spawned it or race a restart.
type PushLoop struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// StartPushLoop spawns a loop that waits interval() between ticks and
// then runs push once. The interval is re-read every cycle so live rate
// changes apply without a restart.
func StartPushLoop(name string, interval func() time.Duration, push Pusher) *PushLoop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &PushLoop{name: name, cancel: cancel, done: make(chan struct{})}

	go l.run(ctx, interval, push)

	log.Debugf("%s loop started", name)
	return l
}

func (l *PushLoop) run(ctx context.Context, interval func() time.Duration, push Pusher) {
	defer close(l.done)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%s loop panic: %v", l.name, r)
		}
	}()

	timer := time.NewTimer(interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debugf("%s loop stopped", l.name)
			return
		case <-timer.C:
		}

		if err := push(); err != nil {
			log.Debugf("%s loop ending: %v", l.name, err)
			return
		}

		timer.Reset(interval())
	}
}

// Stop cancels the loop and waits for it to finish. Callers must not
// hold locks the push body takes.
func (l *PushLoop) Stop() {
	l.cancel()
	<-l.done
}
