package acquire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/marr-lab/goscope/scope"
	"github.com/marr-lab/goscope/stage"
	"github.com/marr-lab/goscope/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FrameSource produces image data into a caller-provided buffer.  The
// synthetic camera satisfies it; vendor-SDK cameras expose their frame
// callback through the same method.
type FrameSource interface {
	GrabFrame(buf []uint16)
}

// Worker owns all device state and consumes the command path strictly in
// arrival order.  One worker serves one microscope; its frame buffer has
// exactly one writer, the worker itself.
type Worker struct {
	scope  *scope.Microscope
	source FrameSource
	buf    *FrameBuffer
	t      WorkerSide
	log    *zap.Logger

	// OnFrame runs after each sealed frame write, before the frame event
	// is emitted; the recorder hooks in here.  May be nil.
	OnFrame func(slot int, data []uint16) error

	settings scope.AcquisitionSettings
	feature  string
}

// NewWorker wires a microscope to one end of the boundary.  The microscope's
// camera must be a FrameSource.  log may be nil.
func NewWorker(m *scope.Microscope, t WorkerSide, buf *FrameBuffer, log *zap.Logger) (*Worker, error) {
	source, ok := m.Devices().Camera.(FrameSource)
	if !ok {
		return nil, fmt.Errorf("acquire: camera %T cannot produce frames", m.Devices().Camera)
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &Worker{
		scope:  m,
		source: source,
		buf:    buf,
		t:      t,
		log:    log.Named("worker"),
	}
	m.OnEvent = w.forward
	m.CloseSeries = func() error { return nil }
	return w, nil
}

// forward maps orchestrator notifications onto the event path
func (w *Worker) forward(name string, payload any) {
	switch name {
	case EventExposureTime:
		c := payload.(scope.ExposureCorrection)
		w.send(Event{Name: EventExposureTime, Channel: c.Channel, Milliseconds: c.Milliseconds})
	case EventUpdateStage:
		pos := payload.(map[stage.Axis]float64)
		out := make(map[string]float64, len(pos))
		for ax, v := range pos {
			out[string(ax)] = v
		}
		w.send(Event{Name: EventUpdateStage, Position: out})
	case EventWaveform:
		raw, err := json.Marshal(payload)
		if err != nil {
			w.log.Warn("waveform event dropped", zap.Error(err))
			return
		}
		w.send(Event{Name: EventWaveform, Payload: raw})
	default:
		w.log.Debug("unforwarded event", zap.String("event", name))
	}
}

func (w *Worker) send(ev Event) {
	if err := w.t.SendEvent(ev); err != nil {
		w.log.Warn("event send failed", zap.String("event", ev.Name), zap.Error(err))
	}
}

// Run consumes commands until Terminate or the peer goes away.  Commands
// are processed in arrival order and never dropped; stop and terminate take
// effect between frames of a running acquisition.
func (w *Worker) Run() error {
	defer w.t.Close()
	for cmd := range w.t.Commands() {
		terminate, err := w.dispatch(cmd)
		if err != nil {
			w.log.Warn("command failed", zap.String("kind", string(cmd.Kind)), zap.Error(err))
		}
		if terminate {
			return nil
		}
	}
	return nil
}

func (w *Worker) dispatch(cmd Command) (terminate bool, err error) {
	switch cmd.Kind {
	case CmdMoveStage:
		pos := make(map[stage.Axis]float64, len(cmd.Position))
		for name, v := range cmd.Position {
			pos[stage.Axis(name)] = v
		}
		_, err = w.scope.MoveStage(pos, cmd.Wait)
	case CmdStopStage:
		err = w.scope.StopStage()
	case CmdAcquire:
		terminate, err = w.acquire(cmd)
	case CmdStopAcquire:
		// nothing running; stops inside an acquisition are drained there
	case CmdUpdateSetting:
		err = w.updateSetting(cmd)
	case CmdLoadFeature:
		w.feature = cmd.Feature
	case CmdTerminate:
		err = w.scope.EndAcquisition()
		w.send(Event{Name: EventStop})
		terminate = true
	default:
		w.log.Warn("unknown command", zap.String("kind", string(cmd.Kind)))
	}
	return terminate, err
}

// bufferGeometry is the update_setting payload resizing the frame buffer
type bufferGeometry struct {
	XPixels int `json:"x_pixels"`
	YPixels int `json:"y_pixels"`
	Frames  int `json:"n_frames"`
}

func (w *Worker) updateSetting(cmd Command) error {
	switch cmd.Setting {
	case "channels":
		var raw map[string]scope.Channel
		if err := json.Unmarshal(cmd.Value, &raw); err != nil {
			return fmt.Errorf("acquire: channels payload: %w", err)
		}
		channels := make(map[int]scope.Channel, len(raw))
		for key, ch := range raw {
			idx, err := strconv.Atoi(key)
			if err != nil {
				return fmt.Errorf("acquire: channel key %q: %w", key, err)
			}
			channels[idx] = ch
		}
		w.scope.SetChannels(channels)
	case "settings":
		if err := json.Unmarshal(cmd.Value, &w.settings); err != nil {
			return fmt.Errorf("acquire: settings payload: %w", err)
		}
	case "buffer":
		var g bufferGeometry
		if err := json.Unmarshal(cmd.Value, &g); err != nil {
			return fmt.Errorf("acquire: buffer payload: %w", err)
		}
		return w.buf.Resize(g.XPixels, g.YPixels, g.Frames, w.scope.CloseSeries)
	default:
		return fmt.Errorf("acquire: unknown setting %q", cmd.Setting)
	}
	return nil
}

// acquire runs one acquisition: cycling channels, writing frames, emitting
// one ordered frame event per slot and a terminal stop.  Stop and terminate
// commands arriving mid-acquisition are honored between frames; every exit
// path runs the full end-of-acquisition cleanup first.
func (w *Worker) acquire(cmd Command) (terminate bool, err error) {
	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}
	frames := cmd.Frames
	if frames < 1 {
		frames = 1
	}

	if err := w.scope.PrepareAcquisition(w.settings); err != nil {
		w.send(Event{Name: EventStop, ID: id, Error: err.Error()})
		return false, err
	}
	w.log.Info("acquisition started", zap.String("id", id), zap.Int("frames", frames))

	for i := 0; i < frames; i++ {
		if stop, term := w.drainStops(); stop {
			terminate = term
			break
		}
		var channel int
		if channel, err = w.scope.PrepareNextChannel(true); err != nil {
			break
		}
		if err = w.scope.RunAcquisition(); err != nil {
			break
		}
		slot := i % w.buf.Slots()
		if err = w.buf.Write(slot, w.source.GrabFrame); err != nil {
			break
		}
		if w.OnFrame != nil {
			frame, ferr := w.buf.Frame(slot)
			if ferr == nil {
				ferr = w.OnFrame(slot, frame)
			}
			if ferr != nil {
				w.log.Warn("frame hook failed", zap.Int("slot", slot), zap.Error(ferr))
			}
		}
		w.send(Event{Name: EventFrame, ID: id, Slot: slot})
		if interval := w.scope.Channels()[channel].Interval; interval > 0 {
			time.Sleep(util.SecsToDuration(interval))
		}
	}

	if cerr := w.scope.EndAcquisition(); cerr != nil && err == nil {
		err = cerr
	}
	stop := Event{Name: EventStop, ID: id}
	if err != nil {
		stop.Error = err.Error()
	}
	w.send(stop)
	w.log.Info("acquisition ended", zap.String("id", id), zap.Bool("clean", err == nil))
	return terminate, err
}

// drainStops consumes commands queued during the acquisition without
// blocking.  A stop_acquire ends the acquisition; a terminate ends the
// worker; a second acquire is rejected, the worker runs one acquisition at
// a time; anything else is processed in order as usual.
func (w *Worker) drainStops() (stop, terminate bool) {
	for {
		select {
		case cmd, ok := <-w.t.Commands():
			if !ok {
				return true, true
			}
			switch cmd.Kind {
			case CmdStopAcquire:
				stop = true
			case CmdTerminate:
				return true, true
			case CmdAcquire:
				id := cmd.ID
				if id == "" {
					id = uuid.NewString()
				}
				w.log.Warn("acquire rejected, acquisition already running", zap.String("id", id))
				w.send(Event{Name: EventStop, ID: id, Error: "acquisition already running"})
			default:
				if _, err := w.dispatch(cmd); err != nil {
					w.log.Warn("command failed", zap.String("kind", string(cmd.Kind)), zap.Error(err))
				}
			}
		default:
			return stop, terminate
		}
	}
}
