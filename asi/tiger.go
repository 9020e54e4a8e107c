// Package asi provides a Go interface to ASI Tiger multi-card motion controllers
package asi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/time/rate"

	"github.com/marr-lab/goscope/comm"
	"github.com/marr-lab/goscope/util"
)

// the Tiger ASCII dialect runs one request/response exchange at a time over a
// single serial line shared by every card in the chassis.  Commands are CR
// terminated.  Nominal replies begin with ":A", faults with ":N-<code>".
// Positions on the wire are in tenths of microns ("ASI units"); conversion to
// microns happens at this boundary and nowhere else.

const (
	// Terminator ends every Tiger request and reply
	Terminator = '\r'

	// OKPrefix begins a nominal reply
	OKPrefix = ":A"

	// ErrPrefix begins a fault reply
	ErrPrefix = ":N"

	// BusyFlag appears in status replies while motors are in motion
	BusyFlag = "B"
)

// tigerErrors maps fault codes to the descriptions in the ASI serial manual
var tigerErrors = map[string]string{
	":N-1":  "unknown command (not issued in TG-1000)",
	":N-2":  "unrecognized axis parameter",
	":N-3":  "missing parameters (command received requires an axis parameter)",
	":N-4":  "parameter out of range",
	":N-5":  "operation failed",
	":N-6":  "undefined error (command is incorrect, but the controller does not know why)",
	":N-7":  "invalid card address",
	":N-21": "serial command halted by the HALT command",
}

// TigerError is a fault reply from the controller
type TigerError struct {
	// Code is the raw fault code, e.g. ":N-4"
	Code string
}

func (e *TigerError) Error() string {
	if desc, ok := tigerErrors[e.Code]; ok {
		return fmt.Sprintf("tiger %s: %s", e.Code, desc)
	}
	return fmt.Sprintf("tiger %s: unlisted error code", e.Code)
}

// Halted returns true if the error is the reply to a command interrupted by HALT
func (e *TigerError) Halted() bool {
	return e.Code == ":N-21"
}

// checkReply converts a fault reply into a *TigerError, passing nominal
// replies through
func checkReply(resp string) (string, error) {
	if strings.HasPrefix(resp, ErrPrefix) {
		return "", &TigerError{Code: strings.TrimSpace(resp)}
	}
	return resp, nil
}

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string, baud int) *serial.Config {
	if baud == 0 {
		baud = 115200
	}
	return &serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 2 * time.Second}
}

// Tiger speaks the Tiger ASCII dialect to one controller chassis.  One Tiger
// may back several logical devices (stage axes, filter wheels, DAC cards);
// they serialize through the embedded RemoteDevice lock.
type Tiger struct {
	*comm.RemoteDevice

	// poller paces busy-status queries so a wait loop does not saturate
	// the serial line
	poller *rate.Limiter

	// axes is the default motor axis sequence reported by the chassis,
	// populated by Initialize
	axes []string
}

// NewTiger returns a new Tiger instance.  addr is a serial port path when
// connectSerial is true, else a host:port.
func NewTiger(addr string, connectSerial bool, baud int) *Tiger {
	terms := comm.Terminators{Rx: Terminator, Tx: Terminator}
	rd := comm.NewRemoteDevice(addr, connectSerial, &terms, makeSerConf(addr, baud))
	rd.Timeout = 10 * time.Second
	return &Tiger{
		RemoteDevice: &rd,
		poller:       rate.NewLimiter(rate.Every(5*time.Millisecond), 1),
	}
}

// Initialize opens the connection and queries the default motor axis
// sequence.  It must be called before positional WHERE parsing is available.
func (t *Tiger) Initialize() error {
	if err := t.Open(); err != nil {
		return err
	}
	axes, err := t.DefaultMotorAxes()
	if err != nil {
		return err
	}
	t.axes = axes
	return nil
}

func (t *Tiger) writeRead(cmd string) (string, error) {
	resp, err := t.OpenSendRecv([]byte(cmd))
	if err != nil {
		return "", err
	}
	return checkReply(strings.TrimSpace(string(resp)))
}

func (t *Tiger) writeOnly(cmd string) error {
	_, err := t.writeRead(cmd)
	return err
}

// DefaultMotorAxes queries the build report and returns the chassis's axis
// order.  Only XY motor, Z motor, and theta cards are kept; piezos, filter
// wheels and logic cards also appear in the build report but do not
// participate in WHERE replies the way motor axes do.
func (t *Tiger) DefaultMotorAxes() ([]string, error) {
	if err := t.Open(); err != nil {
		return nil, err
	}
	t.Lock()
	defer t.Unlock()
	if err := t.Send([]byte("BU X")); err != nil {
		return nil, err
	}
	// the build report spans several CR-terminated lines; read until the two
	// lines of interest have both arrived
	var motorAxes, axisTypes []string
	for i := 0; i < 32 && (motorAxes == nil || axisTypes == nil); i++ {
		raw, err := t.Recv()
		if err != nil {
			break
		}
		line := strings.TrimSpace(string(raw))
		if strings.HasPrefix(line, ErrPrefix) {
			return nil, &TigerError{Code: line}
		}
		if strings.HasPrefix(line, "Motor Axes:") {
			motorAxes = strings.Fields(strings.TrimPrefix(line, "Motor Axes:"))
		}
		if strings.HasPrefix(line, "Axis Types:") {
			axisTypes = strings.Fields(strings.TrimPrefix(line, "Axis Types:"))
		}
	}
	if len(motorAxes) == 0 || len(axisTypes) == 0 || len(motorAxes) != len(axisTypes) {
		return nil, &TigerError{Code: ":N-5"}
	}
	keep := motorAxes[:0]
	for i, typ := range axisTypes {
		switch typ {
		case "x", "z", "t":
			keep = append(keep, motorAxes[i])
		}
	}
	// multi-card chassis repeat an axis letter across cards
	return util.UniqueString(keep), nil
}

// DefaultAxes returns the axis sequence captured by Initialize
func (t *Tiger) DefaultAxes() []string {
	return t.axes
}

// MoveAbs commands the controller to move an axis to an absolute position in
// tenths of microns
func (t *Tiger) MoveAbs(axis string, pos float64) error {
	return t.writeOnly(fmt.Sprintf("MOVE %s=%s", axis, formatPos(pos)))
}

// MoveAbsMulti moves several axes in one command.  positions pairs with axes
// index for index.
func (t *Tiger) MoveAbsMulti(axes []string, positions []float64) error {
	pieces := make([]string, len(axes))
	for i, ax := range axes {
		pieces[i] = fmt.Sprintf("%s=%s", ax, formatPos(positions[i]))
	}
	return t.writeOnly("MOVE " + strings.Join(pieces, " "))
}

// MoveRel commands the controller to move an axis by a delta in tenths of
// microns
func (t *Tiger) MoveRel(axis string, delta float64) error {
	return t.writeOnly(fmt.Sprintf("MOVREL %s=%s", axis, formatPos(delta)))
}

func formatPos(v float64) string {
	return strconv.FormatFloat(round6(v), 'f', -1, 64)
}

func round6(v float64) float64 {
	s, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 6, 64), 64)
	return s
}

// GetPos returns the position of one axis in tenths of microns.
// reply format: ":A 1234.5"
func (t *Tiger) GetPos(axis string) (float64, error) {
	resp, err := t.writeRead("WHERE " + axis)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(resp)
	if len(fields) < 2 {
		return 0, fmt.Errorf("tiger: malformed WHERE reply %q", resp)
	}
	return strconv.ParseFloat(fields[1], 64)
}

// GetPosMulti returns the positions of the given axes in tenths of microns.
// A multi-axis WHERE replies positionally in the chassis's default axis
// order, not the order the axes were asked in, so Initialize must have
// succeeded first.  Axes whose field fails to parse are omitted rather than
// failing the whole query; the caller can retry.
func (t *Tiger) GetPosMulti(axes []string) (map[string]float64, error) {
	if len(t.axes) == 0 {
		out := make(map[string]float64, len(axes))
		for _, ax := range axes {
			p, err := t.GetPos(ax)
			if err != nil {
				return nil, err
			}
			out[ax] = p
		}
		return out, nil
	}
	resp, err := t.writeRead("WHERE " + strings.Join(axes, " "))
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(resp)
	asked := make(map[string]bool, len(axes))
	for _, ax := range axes {
		asked[ax] = true
	}
	out := make(map[string]float64, len(axes))
	i := 1 // fields[0] is the ":A" acknowledgement
	for _, ax := range t.axes {
		if !asked[ax] {
			continue
		}
		if i >= len(fields) {
			break
		}
		if v, err := strconv.ParseFloat(fields[i], 64); err == nil {
			out[ax] = v
		}
		i++
	}
	return out, nil
}

// SetSpeed sets the speed of an axis in mm/s
func (t *Tiger) SetSpeed(axis string, speed float64) error {
	return t.writeOnly(fmt.Sprintf("SPEED %s=%s", axis, strconv.FormatFloat(speed, 'f', -1, 64)))
}

// GetSpeed returns the speed of an axis in mm/s.
// reply format: ":A X=5.745920"
func (t *Tiger) GetSpeed(axis string) (float64, error) {
	resp, err := t.writeRead(fmt.Sprintf("SPEED %s?", axis))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(resp)
	last := fields[len(fields)-1]
	if idx := strings.IndexByte(last, '='); idx >= 0 {
		last = last[idx+1:]
	}
	return strconv.ParseFloat(last, 64)
}

// AxisBusy returns true while the given axis is in motion
func (t *Tiger) AxisBusy(axis string) (bool, error) {
	resp, err := t.writeRead(fmt.Sprintf("RS %s?", axis))
	if err != nil {
		return false, err
	}
	return strings.Contains(resp, BusyFlag), nil
}

// Busy returns true while any axis on the chassis is in motion
func (t *Tiger) Busy() (bool, error) {
	resp, err := t.writeRead("/")
	if err != nil {
		return false, err
	}
	return strings.Contains(resp, BusyFlag), nil
}

// DefaultWaitTimeout bounds WaitForDevice when the caller passes zero
const DefaultWaitTimeout = 1750 * time.Millisecond

// WaitForDevice polls the chassis busy flag until all motors have stopped or
// the timeout elapses.  Elapsing the timeout is not an error; the controller
// finishes the move on its own and a stuck axis surfaces on the next command.
func (t *Tiger) WaitForDevice(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		busy, err := t.Busy()
		if err != nil {
			return err
		}
		if !busy {
			return nil
		}
		if err := t.poller.Wait(ctx); err != nil {
			// deadline; give up quietly
			return nil
		}
	}
}

// Halt stops all motion on the chassis immediately
func (t *Tiger) Halt() error {
	err := t.writeOnly("HALT")
	var te *TigerError
	// the command interrupted by the halt reports :N-21; that is the
	// intended outcome, not a fault
	if errors.As(err, &te) && te.Halted() {
		return nil
	}
	return err
}

// SelectWheel addresses subsequent wheel commands to the given filter wheel
func (t *Tiger) SelectWheel(wheel int) error {
	return t.writeOnly(fmt.Sprintf("FW %d", wheel))
}

// SetWheelPosition rotates the currently selected filter wheel to a slot
func (t *Tiger) SetWheelPosition(slot int) error {
	return t.writeOnly(fmt.Sprintf("MP %d", slot))
}

// HomeWheel homes the currently selected filter wheel
func (t *Tiger) HomeWheel() error {
	return t.writeOnly("HO")
}

// SetDAC drives a DAC card axis to the given value.  Tiger DAC cards are
// addressed like motor axes; lasers modulated through the chassis hang off
// these.
func (t *Tiger) SetDAC(axis string, value float64) error {
	return t.MoveAbs(axis, value)
}

// SetTTL sets a TTL output line on the addressed card; 0 is low, 1 is high
func (t *Tiger) SetTTL(card string, state int) error {
	return t.writeOnly(fmt.Sprintf("%sTTL Y=%d", cardPrefix(card), state))
}

func cardPrefix(card string) string {
	if card == "" {
		return ""
	}
	return card + " "
}

// Raw sends a raw command to the controller and returns the raw reply
func (t *Tiger) Raw(s string) (string, error) {
	return t.writeRead(s)
}
