package comm_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/marr-lab/goscope/comm"
)

// tcpEchoServer starts a loopback echo on an OS-assigned port and returns its
// address
func tcpEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal("could not listen, loopback test aborted:", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }()
		}
	}()
	return ln.Addr().String()
}

func TestRemoteDeviceRoundTripStripsTerminator(t *testing.T) {
	addr := tcpEchoServer(t)
	rd := comm.NewRemoteDevice(addr, false, &comm.CR, nil)
	rd.Timeout = time.Second
	resp, err := rd.OpenSendRecv([]byte("WHERE X"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "WHERE X" {
		t.Errorf("got %q back from echo, expected terminator stripped", resp)
	}
	rd.Lock()
	defer rd.Unlock()
	if err := rd.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRecvKeepsReadAheadAcrossCalls(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal("could not listen, loopback test aborted:", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		// three CR-terminated lines delivered in one segment
		conn.Write([]byte("TIGER_COMM\rMotor Axes: X Y Z\rAxis Types: x x z\r"))
	}()
	rd := comm.NewRemoteDevice(ln.Addr().String(), false, &comm.CR, nil)
	rd.Timeout = time.Second
	if err := rd.Open(); err != nil {
		t.Fatal(err)
	}
	rd.Lock()
	defer rd.Unlock()
	defer rd.Close()
	if err := rd.Send([]byte("BU X")); err != nil {
		t.Fatal(err)
	}
	want := []string{"TIGER_COMM", "Motor Axes: X Y Z", "Axis Types: x x z"}
	for i, w := range want {
		got, err := rd.Recv()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if string(got) != w {
			t.Errorf("recv %d = %q, expected %q", i, got, w)
		}
	}
}

func TestRemoteDeviceOpenRefusedErrors(t *testing.T) {
	// grab a port and close it so nothing is listening
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	rd := comm.NewRemoteDevice(addr, false, &comm.CR, nil)
	rd.Timeout = 100 * time.Millisecond
	if err := rd.Open(); err == nil {
		rd.Close()
		t.Fatal("expected open of a dead port to error")
	}
}

