package asi

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sim is a software Tiger chassis.  It serves the ASCII dialect over TCP so
// everything above it, parser included, runs the same code path as against
// hardware.  Moves complete after MoveTime; a zero MoveTime completes them
// instantly.
type Sim struct {
	mu sync.Mutex
	ln net.Listener

	// MoveTime is how long the chassis reports busy after a move command
	MoveTime time.Duration

	// axes and types define the build report, index for index
	axes  []string
	types []string

	pos       map[string]float64
	speed     map[string]float64
	busyUntil time.Time
	wheel     int
	wheelPos  map[int]int
	ttl       map[string]int
}

// NewSim returns a Sim with the given motor axes and type codes, e.g.
// axes X,Y,Z,T with types x,x,z,t.  Non-motor cards (type codes other than
// x, z, t) may be included to exercise build-report filtering.
func NewSim(axes, types []string) *Sim {
	s := &Sim{
		axes:     axes,
		types:    types,
		pos:      make(map[string]float64),
		speed:    make(map[string]float64),
		wheelPos: make(map[int]int),
		ttl:      make(map[string]int),
	}
	for _, ax := range axes {
		s.pos[ax] = 0
		s.speed[ax] = 5.745920
	}
	return s
}

// Listen starts serving on an OS-assigned loopback port and returns its
// address
func (s *Sim) Listen() (string, error) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return "", err
	}
	s.ln = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return ln.Addr().String(), nil
}

// Close stops the listener
func (s *Sim) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// Position returns the simulated position of an axis in tenths of microns
func (s *Sim) Position(axis string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos[axis]
}

// WheelPosition returns the slot of the given simulated filter wheel
func (s *Sim) WheelPosition(wheel int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wheelPos[wheel]
}

// TTLState returns the last TTL level written to a card
func (s *Sim) TTLState(card string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl[card]
}

func (s *Sim) serve(conn net.Conn) {
	defer conn.Close()
	rdr := bufio.NewReader(conn)
	for {
		line, err := rdr.ReadString(Terminator)
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		for _, reply := range s.dispatch(strings.TrimSpace(cmd)) {
			if _, err := conn.Write(append([]byte(reply), Terminator)); err != nil {
				return
			}
		}
	}
}

func (s *Sim) dispatch(cmd string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return []string{":N-6"}
	}
	verb := strings.ToUpper(fields[0])
	args := fields[1:]
	switch verb {
	case "BU":
		return []string{
			"TIGER_COMM",
			"Motor Axes: " + strings.Join(s.axes, " "),
			"Axis Types: " + strings.Join(s.types, " "),
		}
	case "MOVE", "MOVREL":
		if len(args) == 0 {
			return []string{":N-3"}
		}
		for _, a := range args {
			kv := strings.SplitN(a, "=", 2)
			if len(kv) != 2 {
				return []string{":N-3"}
			}
			ax := strings.ToUpper(kv[0])
			if _, ok := s.pos[ax]; !ok {
				return []string{":N-2"}
			}
			v, err := strconv.ParseFloat(kv[1], 64)
			if err != nil {
				return []string{":N-4"}
			}
			if verb == "MOVE" {
				s.pos[ax] = v
			} else {
				s.pos[ax] += v
			}
		}
		s.busyUntil = time.Now().Add(s.MoveTime)
		return []string{":A"}
	case "WHERE":
		if len(args) == 0 {
			return []string{":N-3"}
		}
		asked := make(map[string]bool, len(args))
		for _, a := range args {
			ax := strings.ToUpper(a)
			if _, ok := s.pos[ax]; !ok {
				return []string{":N-2"}
			}
			asked[ax] = true
		}
		// replies come back in chassis order regardless of the asked order
		out := []string{":A"}
		for _, ax := range s.axes {
			if asked[ax] {
				out = append(out, strconv.FormatFloat(s.pos[ax], 'f', 1, 64))
			}
		}
		return []string{strings.Join(out, " ")}
	case "RS":
		if len(args) == 0 {
			return []string{":N-3"}
		}
		return []string{":A " + s.busyFlag()}
	case "/":
		return []string{":A " + s.busyFlag()}
	case "HALT":
		s.busyUntil = time.Time{}
		return []string{":N-21"}
	case "SPEED":
		out := []string{":A"}
		for _, a := range args {
			if strings.HasSuffix(a, "?") {
				ax := strings.ToUpper(strings.TrimSuffix(a, "?"))
				v, ok := s.speed[ax]
				if !ok {
					return []string{":N-2"}
				}
				out = append(out, fmt.Sprintf("%s=%f", ax, v))
				continue
			}
			kv := strings.SplitN(a, "=", 2)
			if len(kv) != 2 {
				return []string{":N-3"}
			}
			ax := strings.ToUpper(kv[0])
			if _, ok := s.speed[ax]; !ok {
				return []string{":N-2"}
			}
			v, err := strconv.ParseFloat(kv[1], 64)
			if err != nil {
				return []string{":N-4"}
			}
			s.speed[ax] = v
		}
		return []string{strings.Join(out, " ")}
	case "FW":
		if len(args) != 1 {
			return []string{":N-3"}
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return []string{":N-4"}
		}
		s.wheel = n
		return []string{":A"}
	case "MP":
		if len(args) != 1 {
			return []string{":N-3"}
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return []string{":N-4"}
		}
		s.wheelPos[s.wheel] = n
		return []string{":A"}
	case "HO":
		s.wheelPos[s.wheel] = 0
		return []string{":A"}
	default:
		// "<card> TTL Y=n" arrives with the card address as the verb
		if len(args) >= 1 && strings.ToUpper(args[0]) == "TTL" {
			return s.setTTL(verb, args[1:])
		}
		if verb == "TTL" {
			return s.setTTL("", args)
		}
		return []string{":N-1"}
	}
}

func (s *Sim) setTTL(card string, args []string) []string {
	for _, a := range args {
		kv := strings.SplitN(a, "=", 2)
		if len(kv) != 2 {
			return []string{":N-3"}
		}
		n, err := strconv.Atoi(kv[1])
		if err != nil {
			return []string{":N-4"}
		}
		s.ttl[card] = n
	}
	return []string{":A"}
}

func (s *Sim) busyFlag() string {
	if time.Now().Before(s.busyUntil) {
		return "B"
	}
	return "N"
}
