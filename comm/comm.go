/*Package comm provides the communication layer for lab hardware.

Most devices speak a line-oriented ASCII protocol over RS232 or TCP.  Usages
of this package boil down to:
 1. embed RemoteDevice in a type that represents your hardware.
 2. pass the right Terminators if the defaults (carriage returns both ways)
    are wrong for the device.
 3. write whatever protocol methods you see fit on top of Send/Recv/SendRecv.

The package also contains the connection Registry, which deduplicates and
retries device connections.
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the transmit and receive termination bytes for a device.
type Terminators struct {
	Tx byte
	Rx byte
}

// CR are carriage-return terminators, the most common case.
var CR = Terminators{Tx: '\r', Rx: '\r'}

// Sender has a Send method that passes along a byte slice as well as a
// TxTerminator returning the transmission termination byte
type Sender interface {
	Send([]byte) error
	TxTerminator() byte
}

// Recver has a Recv method that gets a byte slice as well as an
// RxTerminator returning the receipt termination byte
type Recver interface {
	Recv() ([]byte, error)
	RxTerminator() byte
}

// SendRecver can send and receive, and provides a method that sends then receives
type SendRecver interface {
	Sender
	Recver

	SendRecv([]byte) ([]byte, error)
}

// Opener can open ("establish a connection" but in io language)
type Opener interface {
	Open() error
}

// A Communicator can Open, Send, Recv and Close
type Communicator interface {
	io.Closer
	Opener
	SendRecver
}

/*RemoteDevice has an address and implements Communicator.

The device is concurrent safe when consumers bracket multi-step transactions
with Lock/Unlock.
*/
type RemoteDevice struct {
	Addr     string
	IsSerial bool
	Conn     io.ReadWriteCloser

	// Timeout is the connect/read/write deadline for TCP devices.
	Timeout time.Duration

	terms  Terminators
	serCfg *serial.Config
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewRemoteDevice creates a new RemoteDevice instance.  terms may be nil, in
// which case carriage returns are used both ways.  serCfg may be nil for TCP
// devices.
func NewRemoteDevice(addr string, isSerial bool, terms *Terminators, serCfg *serial.Config) RemoteDevice {
	t := CR
	if terms != nil {
		t = *terms
	}
	return RemoteDevice{
		Addr:     addr,
		IsSerial: isSerial,
		Timeout:  3 * time.Second,
		terms:    t,
		serCfg:   serCfg}
}

// Lock locks the device for a multi-command transaction
func (rd *RemoteDevice) Lock() {
	rd.mu.Lock()
}

// Unlock unlocks the device
func (rd *RemoteDevice) Unlock() {
	rd.mu.Unlock()
}

// Open the connection, setting the Conn variable.  It is a no-op if the
// connection is already live.
func (rd *RemoteDevice) Open() error {
	if rd.Conn != nil {
		return nil
	}
	// exponential backoff; some devices do not like being connection thrashed
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return err
			}
			wasTimeout = true
			return nil
		}
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil && !wasTimeout {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s", rd.Addr)
	}
	return err
}

func (rd *RemoteDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if rd.IsSerial {
		if rd.serCfg == nil {
			return fmt.Errorf("device at %s is serial but has no serial config", rd.Addr)
		}
		conn, err = serial.OpenPort(rd.serCfg)
	} else {
		conn, err = TCPSetup(rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.reader = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	if err == nil {
		rd.Conn = nil
		rd.reader = nil
	}
	return err
}

// TxTerminator returns the transmission termination byte
func (rd *RemoteDevice) TxTerminator() byte {
	return rd.terms.Tx
}

// RxTerminator returns the receipt termination byte
func (rd *RemoteDevice) RxTerminator() byte {
	return rd.terms.Rx
}

// Send writes data to the remote with the Tx terminator appended
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	b = append(b, rd.TxTerminator())
	_, err := rd.Conn.Write(b)
	return err
}

// Recv receives data from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	// one reader per connection; a multi-line reply may arrive in a single
	// segment, and any bytes past the first terminator must stay buffered
	// for the next Recv
	if rd.reader == nil {
		rd.reader = bufio.NewReader(rd.Conn)
	}
	term := rd.RxTerminator()
	buf, err := rd.reader.ReadBytes(term)
	if err != nil {
		return []byte{}, err
	}
	if bytes.HasSuffix(buf, []byte{term}) {
		idx := bytes.IndexByte(buf, term)
		return buf[:idx], nil
	}
	return buf, ErrTerminatorNotFound
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	if rd.Conn == nil {
		return []byte{}, ErrNotConnected
	}
	err := rd.Send(b)
	if err != nil {
		return []byte{}, err
	}
	return rd.Recv()
}

// OpenSendRecv opens the connection if needed, then does one locked round trip.
// The connection is left open for reuse.
func (rd *RemoteDevice) OpenSendRecv(b []byte) ([]byte, error) {
	err := rd.Open()
	if err != nil {
		return nil, err
	}
	rd.Lock()
	defer rd.Unlock()
	return rd.SendRecv(b)
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
