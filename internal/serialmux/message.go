package serialmux

import (
	"fmt"
	"strconv"
	"strings"
)

// MessageType is the first byte of a bus message header.
type MessageType uint8

const (
	MsgResetAODState              MessageType = 0x00
	MsgRunAttitudeOrbitEstimation MessageType = 0x08
	MsgRequestAODLastEstimate     MessageType = 0x10
	MsgRequestAttitudeEstimate    MessageType = 0x11
	MsgRequestOrbitEstimate       MessageType = 0x12
	MsgResolveState               MessageType = 0x13
	MsgEnterCalibration           MessageType = 0x30
	MsgExitCalibration            MessageType = 0x31
	MsgUpdateCalibration          MessageType = 0x32
	MsgSetDetectionMode           MessageType = 0x33
	MsgStatePacket                MessageType = 0x40
	MsgFaultSignal                MessageType = 0x41
)

var messageNames = map[MessageType]string{
	MsgResetAODState:              "RESET_AOD_STATE",
	MsgRunAttitudeOrbitEstimation: "RUN_ATTITUDE_AND_ORBIT_ESTIMATION",
	MsgRequestAODLastEstimate:     "REQUEST_AOD_LAST_ESTIMATE",
	MsgRequestAttitudeEstimate:    "REQUEST_ATTITUDE_ESTIMATE",
	MsgRequestOrbitEstimate:       "REQUEST_ORBIT_ESTIMATE",
	MsgResolveState:               "RESOLVE_STATE",
	MsgEnterCalibration:           "ENTER_CALIBRATION",
	MsgExitCalibration:            "EXIT_CALIBRATION",
	MsgUpdateCalibration:          "UPDATE_CALIBRATION",
	MsgSetDetectionMode:           "SET_DETECTION_MODE",
	MsgStatePacket:                "STATE_PACKET",
	MsgFaultSignal:                "FAULT_SIGNAL",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(0x%02x)", uint8(t))
}

// ParseMessageType accepts a name printed by String or a numeric ID
// ("0x10", "16").
func ParseMessageType(s string) (MessageType, error) {
	s = strings.TrimSpace(s)
	for t, name := range messageNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown message type %q", s)
	}
	return MessageType(n), nil
}

// Message is one reassembled bus message.
type Message struct {
	Type    MessageType
	Payload []byte
}

func (m Message) String() string {
	return fmt.Sprintf("%s (%d bytes)", m.Type, len(m.Payload))
}

// Reply status codes, sent as the first payload byte of a command reply.
const (
	StatusOK          byte = 0x00
	StatusFailed      byte = 0x01
	StatusUnavailable byte = 0x02
	StatusBadRequest  byte = 0x03
)
