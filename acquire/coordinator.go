package acquire

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Coordinator is the process that drives a remote worker: it sends commands
// with retry over the mid-command race and consumes the ordered event
// stream.
type Coordinator struct {
	t   CoordinatorSide
	log *zap.Logger

	// Slots is the frame buffer slot count used to validate incoming
	// frame indices; 0 disables validation
	Slots int

	// RetryWait is the pause between command-send retries when the worker
	// is mid-command
	RetryWait time.Duration
}

// NewCoordinator wraps one end of the boundary.  log may be nil.
func NewCoordinator(t CoordinatorSide, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		t:         t,
		log:       log.Named("coordinator"),
		RetryWait: 50 * time.Millisecond,
	}
}

// Send delivers one command, retrying for as long as the worker reports the
// command path busy.  The retry loop has no attempt cap; any other failure
// aborts immediately.
func (c *Coordinator) Send(cmd Command) error {
	op := func() error {
		err := c.t.SendCommand(cmd)
		if errors.Is(err, ErrBusy) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	return backoff.Retry(op, backoff.NewConstantBackOff(c.RetryWait))
}

// MoveStage commands an absolute stage move by axis name
func (c *Coordinator) MoveStage(pos map[string]float64, wait bool) error {
	return c.Send(Command{Kind: CmdMoveStage, Position: pos, Wait: wait})
}

// StopStage halts all stage motion
func (c *Coordinator) StopStage() error {
	return c.Send(Command{Kind: CmdStopStage})
}

// Acquire starts an acquisition of the given frame count and returns its id
func (c *Coordinator) Acquire(frames int) (string, error) {
	id := uuid.NewString()
	return id, c.Send(Command{Kind: CmdAcquire, ID: id, Frames: frames})
}

// StopAcquire requests the running acquisition end after the current frame
func (c *Coordinator) StopAcquire() error {
	return c.Send(Command{Kind: CmdStopAcquire})
}

// Terminate shuts the worker down.  No command is valid afterwards.
func (c *Coordinator) Terminate() error {
	return c.Send(Command{Kind: CmdTerminate})
}

// AbnormalStop reports an acquisition ended by an error or an out-of-band
// value on the event path
type AbnormalStop struct {
	Reason string
}

func (e *AbnormalStop) Error() string {
	return fmt.Sprintf("acquire: abnormal stop: %s", e.Reason)
}

// Consume runs the frame-consumption loop: onFrame is called once per frame
// event, in emission order, until the terminal stop.  Any frame index
// outside the buffer, or a stop carrying an error, ends the loop with an
// AbnormalStop.  Other events go to onEvent; unknown names are passed there
// too, never treated as fatal.  Either callback may be nil.
func (c *Coordinator) Consume(onFrame func(slot int) error, onEvent func(Event)) error {
	for ev := range c.t.Events() {
		switch ev.Name {
		case EventFrame:
			if ev.Slot < 0 || (c.Slots > 0 && ev.Slot >= c.Slots) {
				return &AbnormalStop{Reason: fmt.Sprintf("frame value %d is not a slot index", ev.Slot)}
			}
			if onFrame != nil {
				if err := onFrame(ev.Slot); err != nil {
					return err
				}
			}
		case EventStop:
			if ev.Error != "" {
				return &AbnormalStop{Reason: ev.Error}
			}
			return nil
		default:
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}
	return ErrClosed
}
