package supervisor

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rdkcentral/zilker-sdk-sub007/pkg/log"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := AckMessage{ServiceName: "zigbeeCore", IPCPort: 4242, ShutdownToken: "tok-abc"}
	if err := writeFrame(&buf, want); err != nil {
		t.Fatalf("writeFrame() error = %v", err)
	}

	var got AckMessage
	if err := readFrame(&buf, &got); err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}
	if got != want {
		t.Errorf("readFrame() = %+v, want %+v", got, want)
	}
}

func TestAckListenerDeliversAckToHandler(t *testing.T) {
	received := make(chan AckMessage, 1)
	l, err := NewAckListener("127.0.0.1:0", func(msg AckMessage) { received <- msg }, log.NoopLogger{})
	if err != nil {
		t.Fatalf("NewAckListener() error = %v", err)
	}
	go l.Serve()
	defer l.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	want := AckMessage{ServiceName: "ui", IPCPort: 9001, ShutdownToken: "xyz"}
	if err := writeFrame(conn, want); err != nil {
		t.Fatalf("writeFrame() error = %v", err)
	}

	select {
	case got := <-received:
		if got != want {
			t.Errorf("handler received %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestSendPhase2InitRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req Phase2InitRequest
		if err := readFrame(conn, &req); err != nil {
			return
		}
		writeFrame(conn, Phase2InitResponse{OK: true})
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	if err := SendPhase2Init(context.Background(), port, 2*time.Second); err != nil {
		t.Fatalf("SendPhase2Init() error = %v", err)
	}
}

func TestNewAdvertiserDefaultsDomain(t *testing.T) {
	a := NewAdvertiser("")
	if a.domain != "local." {
		t.Errorf("domain = %q, want %q", a.domain, "local.")
	}
}

func TestAdvertiserWithdrawOfUnknownServiceIsNoop(t *testing.T) {
	a := NewAdvertiser("local.")
	a.Withdraw("never-advertised")
	if len(a.active) != 0 {
		t.Errorf("active = %v, want empty", a.active)
	}
}

func TestAdvertiserCloseOnEmptyAdvertiserIsSafe(t *testing.T) {
	a := NewAdvertiser("local.")
	a.Close()
	if len(a.active) != 0 {
		t.Errorf("active after Close = %v, want empty", a.active)
	}
}

func TestSendShutdownRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req ShutdownRequest
		if err := readFrame(conn, &req); err != nil {
			return
		}
		writeFrame(conn, ShutdownResponse{OK: req.Token == "expected-token"})
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	if err := SendShutdown(context.Background(), port, "expected-token", 2*time.Second); err != nil {
		t.Fatalf("SendShutdown() error = %v", err)
	}
}
