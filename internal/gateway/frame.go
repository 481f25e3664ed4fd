package gateway

import (
	"errors"
	"time"

	"github.com/masterbot-platform/gateway/internal/ierr"
)

// Server originated frame types. Upstream events produce one type per
// payload kind, derived by FrameTypeFor.
const (
	FrameConnected = "connected"
	FrameError     = "error"
	FramePong      = "pong"
)

// Client originated frame types.
const (
	FramePing        = "ping"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// Frame is the JSON envelope exchanged with clients.
type Frame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewFrame(frameType string, data any) Frame {
	return Frame{
		Type:      frameType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// ErrorFrame renders an error as a frame, keeping the taxonomy code visible
// to the client.
func ErrorFrame(err error) Frame {
	var ierrErr ierr.Error
	if !errors.As(err, &ierrErr) {
		ierrErr = ierr.New(ierr.ErrorCodeInternal, err)
	}

	return NewFrame(FrameError, ierrErr)
}

// ClientFrame is the decoded form of a client control frame.
type ClientFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
}

// PayloadKind tags the shape of an upstream event payload.
type PayloadKind string

const (
	KindNewSignal    PayloadKind = "new-signal"
	KindStatsUpdate  PayloadKind = "stats-update"
	KindActivityZone PayloadKind = "activity-zone-change"
)

// FrameTypeFor maps an upstream payload kind to the frame type delivered to
// subscribers of the topic. Activity zone changes share one type across
// topics; the payload names the affected service.
func FrameTypeFor(topic string, kind PayloadKind) (string, error) {
	switch kind {
	case KindNewSignal:
		return topic + ":new", nil
	case KindStatsUpdate:
		return topic + ":stats", nil
	case KindActivityZone:
		return "activity:zone", nil
	default:
		return "", ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("unknown payload kind: "+string(kind)))
	}
}
