package serialmux

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/timeutil"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l2features"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l3measurements"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l5estimation"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l6publish"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/pipeline"
)

type fakeController struct {
	mu        sync.Mutex
	cmds      []pipeline.Command
	submitErr error

	resolved   []int64
	resolveNow int
	est        vaod.StateEstimate
	resolveErr error
}

func (c *fakeController) Submit(_ context.Context, cmd pipeline.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmds = append(c.cmds, cmd)
	return c.submitErr
}

func (c *fakeController) ResolveState(ts int64) (vaod.StateEstimate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved = append(c.resolved, ts)
	est := c.est
	est.Timestamp = ts
	return est, c.resolveErr
}

func (c *fakeController) ResolveNow() (vaod.StateEstimate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolveNow++
	return c.est, c.resolveErr
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *fakeSender) sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

func testEstimate() vaod.StateEstimate {
	return vaod.StateEstimate{
		Timestamp:     42e9,
		Sequence:      7,
		Attitude:      vaod.Quaternion{W: 1},
		Position:      vaod.Vec3{6.9e6, 0, 0},
		Velocity:      vaod.Vec3{0, 7.6e3, 0},
		Mode:          vaod.ModeTracking,
		Valid:         true,
		Authoritative: true,
	}
}

func decodeState(t *testing.T, msg Message) l6publish.StatePacket {
	t.Helper()
	if msg.Type != MsgStatePacket {
		t.Fatalf("reply type = %s, want STATE_PACKET", msg.Type)
	}
	p, err := l6publish.UnmarshalPacket(msg.Payload)
	if err != nil {
		t.Fatalf("UnmarshalPacket: %v", err)
	}
	return p
}

func statusOf(t *testing.T, msg Message, want MessageType) byte {
	t.Helper()
	if msg.Type != want {
		t.Fatalf("reply type = %s, want %s", msg.Type, want)
	}
	if len(msg.Payload) == 0 {
		t.Fatalf("empty status reply to %s", want)
	}
	return msg.Payload[0]
}

func TestHandlerCommands(t *testing.T) {
	tests := []struct {
		msg  Message
		kind pipeline.CommandKind
	}{
		{Message{Type: MsgResetAODState}, pipeline.CmdReinit},
		{Message{Type: MsgRunAttitudeOrbitEstimation}, pipeline.CmdExitCalibration},
		{Message{Type: MsgEnterCalibration}, pipeline.CmdEnterCalibration},
		{Message{Type: MsgExitCalibration}, pipeline.CmdExitCalibration},
		{Message{Type: MsgSetDetectionMode, Payload: []byte{byte(l2features.DetectStars)}}, pipeline.CmdSetDetectionMode},
	}
	for _, tt := range tests {
		t.Run(tt.msg.Type.String(), func(t *testing.T) {
			ctrl := &fakeController{}
			out := &fakeSender{}
			h := NewHandler(ctrl, l6publish.NewPublisher(), out, nil)

			if err := h.Handle(context.Background(), tt.msg); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if len(ctrl.cmds) != 1 {
				t.Fatalf("submitted %d commands, want 1", len(ctrl.cmds))
			}
			cmd := ctrl.cmds[0]
			if cmd.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", cmd.Kind, tt.kind)
			}
			if !strings.HasPrefix(cmd.Reason, "bus ") {
				t.Errorf("reason = %q", cmd.Reason)
			}
			if got := statusOf(t, out.sent()[0], tt.msg.Type); got != StatusOK {
				t.Errorf("status = %d, want OK", got)
			}
		})
	}
}

func TestHandlerSetDetectionModePayload(t *testing.T) {
	ctrl := &fakeController{}
	out := &fakeSender{}
	h := NewHandler(ctrl, l6publish.NewPublisher(), out, nil)

	h.Handle(context.Background(), Message{Type: MsgSetDetectionMode})
	if got := statusOf(t, out.sent()[0], MsgSetDetectionMode); got != StatusBadRequest {
		t.Errorf("status = %d, want BadRequest", got)
	}
	if ctrl.cmds != nil {
		t.Errorf("submitted %v for an empty payload", ctrl.cmds)
	}

	ctrl.submitErr = errors.New("detection mode DetectionMode(9)")
	h.Handle(context.Background(), Message{Type: MsgSetDetectionMode, Payload: []byte{9}})
	reply := out.sent()[1]
	if got := statusOf(t, reply, MsgSetDetectionMode); got != StatusFailed {
		t.Errorf("status = %d, want Failed", got)
	}
	if !strings.Contains(string(reply.Payload[1:]), "DetectionMode(9)") {
		t.Errorf("reply text = %q", reply.Payload[1:])
	}
}

func TestHandlerCommandErrors(t *testing.T) {
	ctrl := &fakeController{submitErr: pipeline.ErrCommandQueueFull}
	out := &fakeSender{}
	h := NewHandler(ctrl, l6publish.NewPublisher(), out, nil)

	h.Handle(context.Background(), Message{Type: MsgResetAODState})
	if got := statusOf(t, out.sent()[0], MsgResetAODState); got != StatusFailed {
		t.Errorf("queue full status = %d, want Failed", got)
	}

	ctrl.submitErr = pipeline.ErrUnknownCommand
	h.Handle(context.Background(), Message{Type: MsgResetAODState})
	if got := statusOf(t, out.sent()[1], MsgResetAODState); got != StatusBadRequest {
		t.Errorf("unknown command status = %d, want BadRequest", got)
	}
}

func TestHandlerUpdateCalibration(t *testing.T) {
	camera, err := os.ReadFile("../../config/camera.yaml")
	if err != nil {
		t.Fatalf("read camera config: %v", err)
	}
	var versions atomic.Uint64
	versions.Store(3)
	decode := CameraYAMLDecoder(l3measurements.DefaultNoiseModel(), &versions)

	ctrl := &fakeController{}
	out := &fakeSender{}
	h := NewHandler(ctrl, l6publish.NewPublisher(), out, decode)

	h.Handle(context.Background(), Message{Type: MsgUpdateCalibration, Payload: camera})
	if got := statusOf(t, out.sent()[0], MsgUpdateCalibration); got != StatusOK {
		t.Fatalf("status = %d (%s), want OK", got, out.sent()[0].Payload[1:])
	}
	cmd := ctrl.cmds[0]
	if cmd.Kind != pipeline.CmdUpdateCalibration || cmd.Calibration == nil {
		t.Fatalf("command = %+v", cmd)
	}
	if cmd.Calibration.Version != 4 {
		t.Errorf("version = %d, want 4", cmd.Calibration.Version)
	}
	if _, err := cmd.Calibration.Camera("cam0"); err != nil {
		t.Errorf("Camera(cam0): %v", err)
	}

	h.Handle(context.Background(), Message{Type: MsgUpdateCalibration, Payload: []byte("cameras: [")})
	if got := statusOf(t, out.sent()[1], MsgUpdateCalibration); got != StatusBadRequest {
		t.Errorf("bad yaml status = %d, want BadRequest", got)
	}
	if len(ctrl.cmds) != 1 {
		t.Errorf("bad yaml reached the supervisor")
	}
}

func TestHandlerUpdateCalibrationUnsupported(t *testing.T) {
	out := &fakeSender{}
	h := NewHandler(&fakeController{}, l6publish.NewPublisher(), out, nil)
	h.Handle(context.Background(), Message{Type: MsgUpdateCalibration, Payload: []byte("x")})
	if got := statusOf(t, out.sent()[0], MsgUpdateCalibration); got != StatusUnavailable {
		t.Errorf("status = %d, want Unavailable", got)
	}
}

func TestHandlerRequestEstimates(t *testing.T) {
	pub := l6publish.NewPublisher()
	out := &fakeSender{}
	h := NewHandler(&fakeController{}, pub, out, nil)

	h.Handle(context.Background(), Message{Type: MsgRequestAODLastEstimate})
	if got := statusOf(t, out.sent()[0], MsgRequestAODLastEstimate); got != StatusUnavailable {
		t.Errorf("status before first estimate = %d, want Unavailable", got)
	}

	pub.Publish(testEstimate())
	tests := []struct {
		typ     MessageType
		content l6publish.PacketContent
	}{
		{MsgRequestAODLastEstimate, l6publish.ContentAll},
		{MsgRequestAttitudeEstimate, l6publish.ContentAttitude},
		{MsgRequestOrbitEstimate, l6publish.ContentOrbit},
	}
	for i, tt := range tests {
		h.Handle(context.Background(), Message{Type: tt.typ})
		p := decodeState(t, out.sent()[i+1])
		if p.Content != tt.content {
			t.Errorf("%s content = %v, want %v", tt.typ, p.Content, tt.content)
		}
		if p.Sequence != 7 || p.Timestamp != 42e9 {
			t.Errorf("%s packet = seq %d ts %d", tt.typ, p.Sequence, p.Timestamp)
		}
	}
	if p := decodeState(t, out.sent()[2]); p.Position != (vaod.Vec3{}) {
		t.Errorf("attitude-only packet carries position %v", p.Position)
	}
}

func TestHandlerResolveState(t *testing.T) {
	ctrl := &fakeController{est: testEstimate()}
	out := &fakeSender{}
	h := NewHandler(ctrl, l6publish.NewPublisher(), out, nil)

	h.Handle(context.Background(), Message{Type: MsgResolveState})
	if ctrl.resolveNow != 1 {
		t.Errorf("ResolveNow calls = %d, want 1", ctrl.resolveNow)
	}
	decodeState(t, out.sent()[0])

	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, 50e9)
	h.Handle(context.Background(), Message{Type: MsgResolveState, Payload: ts})
	if len(ctrl.resolved) != 1 || ctrl.resolved[0] != 50e9 {
		t.Errorf("resolved = %v, want [50e9]", ctrl.resolved)
	}
	if p := decodeState(t, out.sent()[1]); p.Timestamp != 50e9 {
		t.Errorf("timestamp = %d, want 50e9", p.Timestamp)
	}

	h.Handle(context.Background(), Message{Type: MsgResolveState, Payload: []byte{1, 2, 3}})
	if got := statusOf(t, out.sent()[2], MsgResolveState); got != StatusBadRequest {
		t.Errorf("short payload status = %d, want BadRequest", got)
	}

	ctrl.resolveErr = l5estimation.ErrNoState
	h.Handle(context.Background(), Message{Type: MsgResolveState})
	if got := statusOf(t, out.sent()[3], MsgResolveState); got != StatusUnavailable {
		t.Errorf("no state status = %d, want Unavailable", got)
	}

	ctrl.resolveErr = l5estimation.ErrOutOfOrder
	h.Handle(context.Background(), Message{Type: MsgResolveState, Payload: ts})
	if got := statusOf(t, out.sent()[4], MsgResolveState); got != StatusFailed {
		t.Errorf("out of order status = %d, want Failed", got)
	}
}

func TestHandlerUnknownMessage(t *testing.T) {
	out := &fakeSender{}
	h := NewHandler(&fakeController{}, l6publish.NewPublisher(), out, nil)
	h.Handle(context.Background(), Message{Type: MessageType(0x7f)})
	reply := out.sent()[0]
	if got := statusOf(t, reply, MessageType(0x7f)); got != StatusBadRequest {
		t.Errorf("status = %d, want BadRequest", got)
	}
	if !strings.Contains(string(reply.Payload[1:]), ErrUnknownMessage.Error()) {
		t.Errorf("reply text = %q", reply.Payload[1:])
	}
}

func TestHandlerServe(t *testing.T) {
	ctrl := &fakeController{}
	out := &fakeSender{}
	h := NewHandler(ctrl, l6publish.NewPublisher(), out, nil)

	in := make(chan Message, 3)
	in <- Message{Type: MsgEnterCalibration}
	in <- Message{Type: MsgExitCalibration}
	close(in)
	if err := h.Serve(context.Background(), in); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if len(ctrl.cmds) != 2 || ctrl.cmds[0].Kind != pipeline.CmdEnterCalibration || ctrl.cmds[1].Kind != pipeline.CmdExitCalibration {
		t.Errorf("commands = %+v", ctrl.cmds)
	}

	// A closed link ends Serve without an error.
	out.err = ErrLinkClosed
	in = make(chan Message, 1)
	in <- Message{Type: MsgResetAODState}
	done := make(chan error, 1)
	go func() { done <- h.Serve(context.Background(), in) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the link closed")
	}
}

func TestRecordFaultQueueFull(t *testing.T) {
	h := NewHandler(&fakeController{}, l6publish.NewPublisher(), &fakeSender{}, nil)
	for i := 0; i < faultQueue; i++ {
		if err := h.RecordFault(context.Background(), vaod.FaultSignal{Kind: vaod.FaultHardware}); err != nil {
			t.Fatalf("RecordFault %d: %v", i, err)
		}
	}
	if err := h.RecordFault(context.Background(), vaod.FaultSignal{Kind: vaod.FaultHardware}); err == nil {
		t.Error("expected an error once the queue is full")
	}
}

func TestTelemetry(t *testing.T) {
	pub := l6publish.NewPublisher()
	out := &fakeSender{}
	h := NewHandler(&fakeController{}, pub, out, nil)
	clock := timeutil.NewMockClock(time.Unix(0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Telemetry(ctx, time.Second, clock) }()
	waitFor(t, "telemetry subscription", func() bool { return pub.Stats().Subscribers == 1 })

	sig := vaod.FaultSignal{ID: "f1", Kind: vaod.FaultPipelineStall, Stage: "watchdog", SafeMode: true}
	if err := h.RecordFault(ctx, sig); err != nil {
		t.Fatalf("RecordFault: %v", err)
	}
	waitFor(t, "fault message", func() bool { return len(out.sent()) == 1 })
	got, err := l6publish.UnmarshalFault(out.sent()[0].Payload)
	if err != nil {
		t.Fatalf("UnmarshalFault: %v", err)
	}
	if out.sent()[0].Type != MsgFaultSignal || got.ID != "f1" || !got.SafeMode {
		t.Errorf("fault message = %s %+v", out.sent()[0].Type, got)
	}

	// Estimates published within one interval are coalesced; the newest
	// always goes out.
	for seq := uint64(1); seq <= 3; seq++ {
		est := testEstimate()
		est.Sequence = seq
		pub.Publish(est)
	}
	waitFor(t, "newest state packet", func() bool {
		clock.Advance(time.Second)
		time.Sleep(time.Millisecond)
		sent := out.sent()
		last := sent[len(sent)-1]
		return last.Type == MsgStatePacket && decodeState(t, last).Sequence == 3
	})
	if n := len(out.sent()); n > 4 {
		t.Errorf("sent %d state packets for 3 estimates", n-1)
	}

	// Nothing new: ticks send nothing.
	n := len(out.sent())
	clock.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	if len(out.sent()) != n {
		t.Errorf("tick without a new estimate sent %d messages", len(out.sent())-n)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Telemetry = %v, want nil", err)
	}
}
