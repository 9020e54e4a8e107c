package acquire

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrBusy reports that the worker's command path is occupied mid-call; the
// sender retries with a brief backoff
var ErrBusy = errors.New("acquire: worker busy")

// ErrClosed reports a transport torn down mid-use
var ErrClosed = errors.New("acquire: transport closed")

// WorkerSide is the boundary as the device-owning process sees it: a
// strictly ordered command feed in, events out
type WorkerSide interface {
	// Commands yields commands in arrival order; the channel closes when
	// the peer goes away
	Commands() <-chan Command

	// SendEvent appends one event to the ordered event path
	SendEvent(Event) error

	Close() error
}

// CoordinatorSide is the boundary as the coordinating process sees it
type CoordinatorSide interface {
	// SendCommand enqueues one command.  ErrBusy means the worker's
	// command path could not accept it right now; the caller retries.
	SendCommand(Command) error

	// Events yields events in emission order; the channel closes when the
	// peer goes away
	Events() <-chan Event

	Close() error
}

// pipe is the in-process transport used in tests and for same-process
// coordination.  The command path holds one message, modeling the
// cross-process call slot that a sender can find occupied.
type pipe struct {
	commands chan Command
	events   chan Event

	mu     sync.Mutex
	closed bool
}

// Pipe returns the two ends of an in-process transport
func Pipe() (WorkerSide, CoordinatorSide) {
	p := &pipe{
		commands: make(chan Command, 1),
		events:   make(chan Event, 256),
	}
	return p, p
}

func (p *pipe) Commands() <-chan Command { return p.commands }
func (p *pipe) Events() <-chan Event     { return p.events }

func (p *pipe) SendCommand(cmd Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.commands <- cmd:
		return nil
	default:
		return ErrBusy
	}
}

func (p *pipe) SendEvent(ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.events <- ev:
		return nil
	default:
		return errors.New("acquire: event path full")
	}
}

func (p *pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.commands)
	close(p.events)
	return nil
}

// wsWorker adapts one websocket connection into the worker side of the
// boundary.  The read pump decodes commands; events are written as JSON
// messages.
type wsWorker struct {
	conn     *websocket.Conn
	commands chan Command

	wmu  sync.Mutex
	once sync.Once
}

// WorkerOverWebsocket wraps an accepted connection from a remote
// coordinator
func WorkerOverWebsocket(conn *websocket.Conn) WorkerSide {
	w := &wsWorker{
		conn:     conn,
		commands: make(chan Command, 1),
	}
	go w.readPump()
	return w
}

func (w *wsWorker) readPump() {
	defer close(w.commands)
	for {
		var cmd Command
		if err := w.conn.ReadJSON(&cmd); err != nil {
			return
		}
		w.commands <- cmd
	}
}

func (w *wsWorker) Commands() <-chan Command { return w.commands }

func (w *wsWorker) SendEvent(ev Event) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.conn.WriteJSON(ev)
}

func (w *wsWorker) Close() error {
	var err error
	w.once.Do(func() { err = w.conn.Close() })
	return err
}

// wsCoordinator adapts one websocket connection into the coordinator side
type wsCoordinator struct {
	conn   *websocket.Conn
	events chan Event

	wmu  sync.Mutex
	once sync.Once
}

// CoordinatorOverWebsocket wraps a dialed connection to a remote worker
func CoordinatorOverWebsocket(conn *websocket.Conn) CoordinatorSide {
	c := &wsCoordinator{
		conn:   conn,
		events: make(chan Event, 256),
	}
	go c.readPump()
	return c
}

// DialWorker connects to a worker's websocket listener
func DialWorker(url string) (CoordinatorSide, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return CoordinatorOverWebsocket(conn), nil
}

func (c *wsCoordinator) readPump() {
	defer close(c.events)
	for {
		var ev Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			return
		}
		c.events <- ev
	}
}

func (c *wsCoordinator) Events() <-chan Event { return c.events }

func (c *wsCoordinator) SendCommand(cmd Command) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(cmd)
}

func (c *wsCoordinator) Close() error {
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}
