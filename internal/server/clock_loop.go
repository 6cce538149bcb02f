// ABOUTME: Frame loop driving the server's authoritative time keeper
// ABOUTME: Advances the variable cursor every frame and the fixed cursor every step
package server

import (
	"sync"
	"time"

	netsync "github.com/Resonate-Protocol/netclock-go/pkg/sync"
	"go.uber.org/zap"
)

// ClockLoop ticks a TimeKeeper at a fixed frame rate
type ClockLoop struct {
	keeper    *netsync.TimeKeeper
	frame     time.Duration
	fixedStep time.Duration

	// onFrame runs after each Update, on the loop goroutine
	onFrame func(frame int64)

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewClockLoop creates a loop running frameRate frames per second
func NewClockLoop(keeper *netsync.TimeKeeper, frameRate int, fixedStep time.Duration) *ClockLoop {
	if frameRate <= 0 {
		frameRate = 100
	}
	return &ClockLoop{
		keeper:    keeper,
		frame:     time.Second / time.Duration(frameRate),
		fixedStep: fixedStep,
		stopChan:  make(chan struct{}),
	}
}

// Start runs the loop until Stop is called
func (l *ClockLoop) Start() {
	zap.S().Infof("Clock loop starting (frame %v, fixed step %v)", l.frame, l.fixedStep)

	frames := time.NewTicker(l.frame)
	defer frames.Stop()
	fixed := time.NewTicker(l.fixedStep)
	defer fixed.Stop()

	l.frameStep()

	for {
		select {
		case <-frames.C:
			l.frameStep()
		case <-fixed.C:
			l.keeper.FixedUpdate()
		case <-l.stopChan:
			zap.S().Infof("Clock loop stopping at %.3fs", l.keeper.ElapsedSeconds())
			return
		}
	}
}

func (l *ClockLoop) frameStep() {
	l.keeper.Update()
	if l.onFrame != nil {
		l.onFrame(l.keeper.UpdateCount())
	}
}

// Stop stops the loop
func (l *ClockLoop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
}
