package canbus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/proc"
)

func TestCRC16Vectors(t *testing.T) {
	cases := []struct {
		input []byte
		want  uint16
	}{
		{[]byte{0x00}, 0x0f87},
		{[]byte{0x15, 0x00}, 0x1b91},
	}
	for _, tc := range cases {
		if got := CRC16(tc.input); got != tc.want {
			t.Errorf("CRC16(% x) = %#04x, want %#04x", tc.input, got, tc.want)
		}
	}
}

func TestSetIdentityFrame(t *testing.T) {
	uuidBytes, err := ParseUUID("aabbccddeeff")
	if err != nil {
		t.Fatalf("parse uuid: %v", err)
	}
	f := setIdentityFrame(uuidBytes)
	if f.ID != AdminRequestID {
		t.Fatalf("frame id %#x, want %#x", f.ID, AdminRequestID)
	}
	want := []byte{0x11, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 128}
	if len(f.Data) != len(want) {
		t.Fatalf("payload length %d, want %d", len(f.Data), len(want))
	}
	for i := range want {
		if f.Data[i] != want[i] {
			t.Fatalf("payload % x, want % x", f.Data, want)
		}
	}
}

func TestCompleteFrameFraming(t *testing.T) {
	f := completeFrame()
	if f.ID != DataRequestID {
		t.Fatalf("frame id %#x, want %#x", f.ID, DataRequestID)
	}
	// Header, command body, CRC little-endian, trailer.
	want := []byte{0x01, 0x88, 0x15, 0x00, 0x91, 0x1b, 0x99, 0x03}
	if len(f.Data) != len(want) {
		t.Fatalf("frame length %d, want %d", len(f.Data), len(want))
	}
	for i := range want {
		if f.Data[i] != want[i] {
			t.Fatalf("frame % x, want % x", f.Data, want)
		}
	}
}

func TestParseUUIDRejectsBadInput(t *testing.T) {
	if _, err := ParseUUID("zzzz"); err == nil {
		t.Fatal("expected error for non-hex uuid")
	}
	if _, err := ParseUUID("aabb"); err == nil {
		t.Fatal("expected error for short uuid")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	in := Frame{ID: 0x3f1, Data: []byte{0x11, 0x22, 0x33}}
	buf, err := marshalFrame(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := unmarshalFrame(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID != in.ID || len(out.Data) != len(in.Data) {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
}

// fakeBus scripts responses per request CAN id.
type fakeBus struct {
	sent      []Frame
	responses map[uint32][]Frame
}

func newFakeBus() *fakeBus {
	return &fakeBus{responses: make(map[uint32][]Frame)}
}

func (b *fakeBus) respondTo(requestID uint32, resp Frame) {
	b.responses[requestID] = append(b.responses[requestID], resp)
}

func (b *fakeBus) Send(f Frame) error {
	b.sent = append(b.sent, f)
	return nil
}

func (b *fakeBus) Recv(timeout time.Duration) (Frame, error) {
	if len(b.sent) == 0 {
		return Frame{}, fmt.Errorf("%w: recv before send", ErrNoResponse)
	}
	last := b.sent[len(b.sent)-1].ID
	queue := b.responses[last]
	if len(queue) == 0 {
		return Frame{}, fmt.Errorf("%w: scripted silence", ErrNoResponse)
	}
	b.responses[last] = queue[1:]
	return queue[0], nil
}

func (b *fakeBus) Close() error { return nil }

func TestCommanderRebootHappyPath(t *testing.T) {
	bus := newFakeBus()
	bus.respondTo(AdminRequestID, Frame{ID: AdminResponseID})
	bus.respondTo(DataRequestID, Frame{ID: DataResponseID})

	cmder := NewCommander(bus)
	if err := cmder.Reboot(context.Background(), "aabbccddeeff"); err != nil {
		t.Fatalf("reboot: %v", err)
	}
	if len(bus.sent) != 2 {
		t.Fatalf("expected 2 frames sent, got %d", len(bus.sent))
	}
	if bus.sent[0].ID != AdminRequestID || bus.sent[1].ID != DataRequestID {
		t.Fatalf("unexpected send order: %#x, %#x", bus.sent[0].ID, bus.sent[1].ID)
	}
}

func TestCommanderCompletePhaseTimeout(t *testing.T) {
	bus := newFakeBus()
	bus.respondTo(AdminRequestID, Frame{ID: AdminResponseID})
	// No response scripted for the data channel.

	cmder := NewCommander(bus)
	cmder.ResponseTimeout = 50 * time.Millisecond

	err := cmder.Reboot(context.Background(), "aabbccddeeff")
	if err == nil {
		t.Fatal("expected complete phase to fail")
	}
	if PhaseOf(err) != PhaseComplete {
		t.Fatalf("expected complete phase failure, got phase %q (%v)", PhaseOf(err), err)
	}
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("expected ErrNoResponse, got %v", err)
	}
}

func TestCommanderSetIdentityFailureSkipsComplete(t *testing.T) {
	bus := newFakeBus()
	// Silence on the admin channel.

	cmder := NewCommander(bus)
	cmder.ResponseTimeout = 50 * time.Millisecond

	err := cmder.Reboot(context.Background(), "aabbccddeeff")
	if PhaseOf(err) != PhaseSetIdentity {
		t.Fatalf("expected set-identity phase failure, got %v", err)
	}
	for _, f := range bus.sent {
		if f.ID == DataRequestID {
			t.Fatal("complete command must not be sent after set-identity failure")
		}
	}
}

func TestCommanderSkipsUnrelatedTraffic(t *testing.T) {
	bus := newFakeBus()
	bus.respondTo(AdminRequestID, Frame{ID: 0x123, Data: []byte{0x01}})
	bus.respondTo(AdminRequestID, Frame{ID: AdminResponseID})

	cmder := NewCommander(bus)
	if err := cmder.SetIdentity(context.Background(), "aabbccddeeff"); err != nil {
		t.Fatalf("set identity: %v", err)
	}
}

func TestLinkManagerIsUp(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   bool
	}{
		{"up", "3: can0: <NOARP,UP,LOWER_UP,ECHO> mtu 16 state UP mode DEFAULT", true},
		{"down", "3: can0: <NOARP> mtu 16 state DOWN mode DEFAULT", false},
		{"no carrier", "3: can0: <NO-CARRIER,NOARP,UP> mtu 16 state UP mode DEFAULT", false},
		{"unknown state", "3: can0: <NOARP,UP,LOWER_UP> mtu 16 state UNKNOWN mode DEFAULT", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := proc.NewFakeRunner()
			runner.RespondOutput("ip link show can0", tc.output)
			mgr := NewLinkManager(runner, 1000000)
			up, err := mgr.IsUp(context.Background(), "can0")
			if err != nil {
				t.Fatalf("is up: %v", err)
			}
			if up != tc.want {
				t.Fatalf("IsUp = %v, want %v", up, tc.want)
			}
		})
	}
}

func TestLinkManagerEnsureUpBringsLinkUp(t *testing.T) {
	runner := proc.NewFakeRunner()
	runner.RespondOutput("ip link show can0", "3: can0: <NOARP> mtu 16 state DOWN mode DEFAULT")
	mgr := NewLinkManager(runner, 1000000)

	if err := mgr.EnsureUp(context.Background(), "can0"); err != nil {
		t.Fatalf("ensure up: %v", err)
	}
	runner.AssertCalled(t, "link set can0 up type can bitrate 1000000")
}

func TestLinkManagerListInterfaces(t *testing.T) {
	runner := proc.NewFakeRunner()
	runner.RespondOutput("link show type can",
		"3: can0: <NOARP,UP,LOWER_UP> mtu 16 qdisc pfifo_fast state UP\n"+
			"4: can1: <NOARP> mtu 16 qdisc noop state DOWN\n")
	mgr := NewLinkManager(runner, 1000000)

	names, err := mgr.ListInterfaces(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 || names[0] != "can0" || names[1] != "can1" {
		t.Fatalf("unexpected interfaces: %v", names)
	}
}
