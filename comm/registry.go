package comm

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// ConnectionFailed is the error raised after exhausting retries on a device
// connection.  It wraps the last underlying error.
type ConnectionFailed struct {
	// Identity is the connection identity (port, serial number, or slot id)
	Identity string

	// Tries is the number of attempts made
	Tries int

	// Err is the last error from the connect function
	Err error
}

func (e *ConnectionFailed) Error() string {
	return fmt.Sprintf("connection to %s failed after %d tries: %v", e.Identity, e.Tries, e.Err)
}

func (e *ConnectionFailed) Unwrap() error {
	return e.Err
}

// DeviceNotFound is the error raised when an enumeration completes without
// locating the requested device.
type DeviceNotFound struct {
	// Kind is the device family that was enumerated
	Kind string

	// SerialNumber is the serial number that was requested
	SerialNumber string
}

func (e *DeviceNotFound) Error() string {
	return fmt.Sprintf("no %s device with serial number %s found", e.Kind, e.SerialNumber)
}

// ConnectFunc establishes one device session.  It may return a non-nil handle
// together with an error when construction partially succeeded; the registry
// destroys such handles before retrying so half-open hardware sessions are
// not leaked.
type ConnectFunc func() (io.Closer, error)

// SerialNumbered is a handle whose physical identity is only known after
// connecting, e.g. cameras enumerated by slot.
type SerialNumbered interface {
	io.Closer
	SerialNumber() string
}

// Registry deduplicates and retries hardware connections.  It is constructed
// once per worker process and passed by reference to everything that needs
// it; its lifetime is scoped to the worker process.  Registries must be
// created with NewRegistry.
type Registry struct {
	mu sync.Mutex

	// handles maps connection identity to live handle
	handles map[string]io.Closer

	// bySerial maps kind -> reported serial number -> handle for sequence
	// devices
	bySerial map[string]map[string]SerialNumbered

	// bySlot maps kind -> enumeration slot -> handle; the secondary index
	// lets repeated lookups for the same serial skip re-enumeration
	bySlot map[string]map[int]SerialNumbered

	// RedialWait is the fixed sleep between connection attempts
	RedialWait time.Duration
}

// NewRegistry returns a Registry ready for use
func NewRegistry() *Registry {
	return &Registry{
		handles:    make(map[string]io.Closer),
		bySerial:   make(map[string]map[string]SerialNumbered),
		bySlot:     make(map[string]map[int]SerialNumbered),
		RedialWait: 500 * time.Millisecond,
	}
}

// BuildConnection returns the live handle for identity, creating it with
// connect if none exists.  The call is idempotent: a second call with the
// same identity returns the same handle without invoking connect again, so
// two logical devices sharing one physical controller reuse one session.
//
// connect is attempted up to maxTries times with a fixed pause between
// attempts.  An error for which retryable returns false aborts immediately.
// Exhausting maxTries returns a *ConnectionFailed wrapping the last error.
// retryable may be nil, in which case every error is retried.
func (r *Registry) BuildConnection(identity string, connect ConnectFunc, maxTries int, retryable func(error) bool) (io.Closer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[identity]; ok {
		return h, nil
	}
	h, err := r.redial(identity, connect, maxTries, retryable)
	if err != nil {
		return nil, err
	}
	r.handles[identity] = h
	return h, nil
}

// redial runs the bounded retry loop.  Callers hold r.mu.
func (r *Registry) redial(identity string, connect ConnectFunc, maxTries int, retryable func(error) bool) (io.Closer, error) {
	if maxTries < 1 {
		maxTries = 1
	}
	var lastErr error
	for i := 0; i < maxTries; i++ {
		h, err := connect()
		if err == nil {
			return h, nil
		}
		// partially constructed object: destroy before retrying so we
		// restart with a clean slate
		if h != nil {
			h.Close()
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			break
		}
		if i < maxTries-1 {
			time.Sleep(r.RedialWait)
		}
	}
	return nil, &ConnectionFailed{Identity: identity, Tries: maxTries, Err: lastErr}
}

// BuildSequenced returns the handle for the device of the given kind with the
// given serial number, enumerating slots 0..maxSlots-1 as needed.  Devices
// discovered along the way are kept under both their reported serial number
// and their slot, so a later lookup for any of them does not re-enumerate.
func (r *Registry) BuildSequenced(kind, serialNumber string, connect func(slot int) (SerialNumbered, error), maxSlots, maxTries int, retryable func(error) bool) (SerialNumbered, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	serials, ok := r.bySerial[kind]
	if !ok {
		serials = make(map[string]SerialNumbered)
		r.bySerial[kind] = serials
	}
	slots, ok := r.bySlot[kind]
	if !ok {
		slots = make(map[int]SerialNumbered)
		r.bySlot[kind] = slots
	}
	if h, ok := serials[serialNumber]; ok {
		return h, nil
	}
	for slot := len(slots); slot < maxSlots; slot++ {
		slot := slot
		h, err := r.redial(
			fmt.Sprintf("%s[%d]", kind, slot),
			func() (io.Closer, error) { return connect(slot) },
			maxTries, retryable)
		if err != nil {
			return nil, err
		}
		sn := h.(SerialNumbered)
		slots[slot] = sn
		serials[sn.SerialNumber()] = sn
		if sn.SerialNumber() == serialNumber {
			return sn, nil
		}
	}
	return nil, &DeviceNotFound{Kind: kind, SerialNumber: serialNumber}
}

// Handles returns the identities of all live handles, sorted.
func (r *Registry) Handles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.handles))
	for k := range r.handles {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	return ids
}

// Close tears the registry down, closing every live handle.  It is called
// exactly once, when the worker process exits; the registry is not usable
// afterward.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for k, h := range r.handles {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.handles, k)
	}
	for kind, slots := range r.bySlot {
		for _, h := range slots {
			if err := h.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(r.bySlot, kind)
		delete(r.bySerial, kind)
	}
	return firstErr
}
