package zmq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/types"
)

// Control operations sent by subscribers as text frames.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Control is a subscriber request.
type Control struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
}

// EncodeFrame builds the binary frame of msg: the topic, a newline, then the
// message.
func EncodeFrame(topic string, msg *event.Message) ([]byte, error) {
	if strings.ContainsRune(topic, '\n') {
		return nil, types.Throw(types.ReasonInvalidArgs, fmt.Sprintf("invalid topic %q", topic), "zmq.EncodeFrame")
	}
	body, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(topic)+1+len(body))
	out = append(out, topic...)
	out = append(out, '\n')
	return append(out, body...), nil
}

// DecodeFrame splits a binary frame.
func DecodeFrame(frame []byte) (string, *event.Message, error) {
	i := bytes.IndexByte(frame, '\n')
	if i <= 0 {
		return "", nil, types.Throw(types.ReasonInvalidArgs, "frame without topic", "zmq.DecodeFrame")
	}
	msg, err := event.UnmarshalMessage(frame[i+1:])
	if err != nil {
		return "", nil, err
	}
	return string(frame[:i]), msg, nil
}

// matches applies SUB socket semantics: a subscription matches every topic
// it prefixes.
func matches(subs map[string]int, topic string) bool {
	for s := range subs {
		if strings.HasPrefix(topic, s) {
			return true
		}
	}
	return false
}

func decodeControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, fmt.Errorf("failed to decode control frame: %w", err)
	}
	if c.Op != OpSubscribe && c.Op != OpUnsubscribe {
		return Control{}, fmt.Errorf("unknown control operation %q", c.Op)
	}
	return c, nil
}
