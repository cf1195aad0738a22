package protocol

import (
	"encoding/json"
	"fmt"
)

// Directive names sent by the service on the directive topic.
const (
	DirectiveOpenSpeaker  = "OpenSpeaker"
	DirectiveCloseSpeaker = "CloseSpeaker"
	DirectiveSetVolume    = "SetVolume"
)

// Directive is the JSON envelope wrapping every directive payload.
type Directive struct {
	Header  MessageHeader   `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OpenSpeakerPayload instructs the client to begin playback at an absolute
// byte offset of the speaker stream.
type OpenSpeakerPayload struct {
	Offset uint64 `json:"offset"`
}

// CloseSpeakerPayload instructs the client to stop playback. A nil Offset
// means "at the current playback position".
type CloseSpeakerPayload struct {
	Offset *uint64 `json:"offset,omitempty"`
}

// SetVolumePayload changes the speaker volume, optionally deferred to an
// absolute byte offset of the speaker stream.
type SetVolumePayload struct {
	Volume uint8   `json:"volume"`
	Offset *uint64 `json:"offset,omitempty"`
}

// MaxVolume is the upper end of the protocol volume range.
const MaxVolume uint8 = 100

// ParseDirective decodes a directive envelope from raw JSON.
func ParseDirective(data []byte) (*Directive, error) {
	var d Directive
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse directive: %w", err)
	}
	if d.Header.Name == "" {
		return nil, fmt.Errorf("parse directive: missing header name")
	}
	return &d, nil
}

// DecodePayload decodes the directive payload into out, which must match
// the directive name.
func (d *Directive) DecodePayload(out interface{}) error {
	if len(d.Payload) == 0 {
		return fmt.Errorf("directive %s: missing payload", d.Header.Name)
	}
	if err := json.Unmarshal(d.Payload, out); err != nil {
		return fmt.Errorf("directive %s: %w", d.Header.Name, err)
	}
	return nil
}
