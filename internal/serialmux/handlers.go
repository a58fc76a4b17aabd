package serialmux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/monitoring"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/timeutil"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l2features"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l3measurements"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l5estimation"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l6publish"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/pipeline"
)

var ErrUnknownMessage = errors.New("unknown message type")

const faultQueue = 16

// Controller is the part of the supervisor the bus drives.
type Controller interface {
	Submit(ctx context.Context, cmd pipeline.Command) error
	ResolveState(ts int64) (vaod.StateEstimate, error)
	ResolveNow() (vaod.StateEstimate, error)
}

// Sender is the outbound half of a link.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// CalibrationDecoder turns an UPDATE_CALIBRATION payload into a calibration.
type CalibrationDecoder func(payload []byte) (*l3measurements.Calibration, error)

// CameraYAMLDecoder decodes camera YAML payloads. Each accepted payload
// takes the next version from versions.
func CameraYAMLDecoder(noise l3measurements.NoiseModel, versions *atomic.Uint64) CalibrationDecoder {
	return func(payload []byte) (*l3measurements.Calibration, error) {
		cfg, err := l1frames.ParseCameraConfig(payload)
		if err != nil {
			return nil, err
		}
		return l3measurements.NewCalibration(cfg, noise, versions.Add(1))
	}
}

// Handler answers bus requests and sends telemetry. Requests are handled
// one at a time in arrival order.
type Handler struct {
	ctrl   Controller
	pub    *l6publish.Publisher
	out    Sender
	decode CalibrationDecoder
	faults chan vaod.FaultSignal
}

func NewHandler(ctrl Controller, pub *l6publish.Publisher, out Sender, decode CalibrationDecoder) *Handler {
	return &Handler{
		ctrl:   ctrl,
		pub:    pub,
		out:    out,
		decode: decode,
		faults: make(chan vaod.FaultSignal, faultQueue),
	}
}

// Serve handles messages from in until ctx is done or in is closed.
func (h *Handler) Serve(ctx context.Context, in <-chan Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := h.Handle(ctx, msg); err != nil {
				if errors.Is(err, ErrLinkClosed) || ctx.Err() != nil {
					return nil
				}
				monitoring.Opsf("[serialmux] reply to %s: %v", msg.Type, err)
			}
		}
	}
}

// Handle runs one request and sends its reply.
func (h *Handler) Handle(ctx context.Context, msg Message) error {
	monitoring.Diagf("[serialmux] request %s", msg)
	return h.out.Send(ctx, h.dispatch(ctx, msg))
}

func (h *Handler) dispatch(ctx context.Context, msg Message) Message {
	switch msg.Type {
	case MsgResetAODState:
		return h.command(ctx, msg.Type, pipeline.Command{Kind: pipeline.CmdReinit})
	case MsgRunAttitudeOrbitEstimation, MsgExitCalibration:
		return h.command(ctx, msg.Type, pipeline.Command{Kind: pipeline.CmdExitCalibration})
	case MsgEnterCalibration:
		return h.command(ctx, msg.Type, pipeline.Command{Kind: pipeline.CmdEnterCalibration})
	case MsgUpdateCalibration:
		if h.decode == nil {
			return statusReply(msg.Type, StatusUnavailable, errors.New("calibration updates not supported"))
		}
		calib, err := h.decode(msg.Payload)
		if err != nil {
			return statusReply(msg.Type, StatusBadRequest, err)
		}
		return h.command(ctx, msg.Type, pipeline.Command{Kind: pipeline.CmdUpdateCalibration, Calibration: calib})
	case MsgSetDetectionMode:
		if len(msg.Payload) != 1 {
			return statusReply(msg.Type, StatusBadRequest, fmt.Errorf("detection mode payload is %d bytes", len(msg.Payload)))
		}
		return h.command(ctx, msg.Type, pipeline.Command{Kind: pipeline.CmdSetDetectionMode, Mode: l2features.DetectionMode(msg.Payload[0])})

	case MsgRequestAODLastEstimate:
		return h.latest(msg.Type, l6publish.ContentAll)
	case MsgRequestAttitudeEstimate:
		return h.latest(msg.Type, l6publish.ContentAttitude)
	case MsgRequestOrbitEstimate:
		return h.latest(msg.Type, l6publish.ContentOrbit)
	case MsgResolveState:
		var (
			est vaod.StateEstimate
			err error
		)
		switch len(msg.Payload) {
		case 0:
			est, err = h.ctrl.ResolveNow()
		case 8:
			est, err = h.ctrl.ResolveState(int64(binary.LittleEndian.Uint64(msg.Payload)))
		default:
			return statusReply(msg.Type, StatusBadRequest, fmt.Errorf("resolve payload is %d bytes", len(msg.Payload)))
		}
		if errors.Is(err, l5estimation.ErrNoState) {
			return statusReply(msg.Type, StatusUnavailable, err)
		}
		if err != nil {
			return statusReply(msg.Type, StatusFailed, err)
		}
		return stateMessage(est, l6publish.ContentAll)
	}
	return statusReply(msg.Type, StatusBadRequest, fmt.Errorf("%w: %s", ErrUnknownMessage, msg.Type))
}

func (h *Handler) command(ctx context.Context, t MessageType, cmd pipeline.Command) Message {
	cmd.Reason = "bus " + t.String()
	if err := h.ctrl.Submit(ctx, cmd); err != nil {
		code := StatusFailed
		if errors.Is(err, pipeline.ErrUnknownCommand) {
			code = StatusBadRequest
		}
		return statusReply(t, code, err)
	}
	return statusReply(t, StatusOK, nil)
}

func (h *Handler) latest(t MessageType, content l6publish.PacketContent) Message {
	est, ok := h.pub.Latest()
	if !ok {
		return statusReply(t, StatusUnavailable, l5estimation.ErrNoState)
	}
	return stateMessage(est, content)
}

func statusReply(t MessageType, code byte, err error) Message {
	payload := []byte{code}
	if err != nil {
		payload = append(payload, err.Error()...)
	}
	return Message{Type: t, Payload: payload}
}

func stateMessage(est vaod.StateEstimate, content l6publish.PacketContent) Message {
	return Message{Type: MsgStatePacket, Payload: l6publish.MarshalPacket(l6publish.NewStatePacket(est, content))}
}

// RecordFault queues sig for the telemetry loop. It never blocks the
// caller; a full queue drops the signal.
func (h *Handler) RecordFault(_ context.Context, sig vaod.FaultSignal) error {
	select {
	case h.faults <- sig:
		return nil
	default:
		return fmt.Errorf("fault queue full, dropped %s", sig.Kind)
	}
}

// Telemetry sends queued faults as they arrive and the newest estimate as
// a STATE_PACKET at most once per interval.
func (h *Handler) Telemetry(ctx context.Context, interval time.Duration, clock timeutil.Clock) error {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	sub := h.pub.Subscribe()
	defer sub.Close()
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	var pending *vaod.StateEstimate
	send := func(msg Message) error {
		err := h.out.Send(ctx, msg)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrLinkClosed), ctx.Err() != nil:
			return err
		}
		monitoring.Diagf("[serialmux] telemetry %s: %v", msg.Type, err)
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-h.faults:
			if err := send(Message{Type: MsgFaultSignal, Payload: l6publish.MarshalFault(sig)}); err != nil {
				return nil
			}
		case est, ok := <-sub.C():
			if !ok {
				return nil
			}
			pending = &est
		case <-ticker.C():
			if pending == nil {
				continue
			}
			msg := stateMessage(*pending, l6publish.ContentAll)
			pending = nil
			if err := send(msg); err != nil {
				return nil
			}
		}
	}
}
