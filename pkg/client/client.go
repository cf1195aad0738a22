// Package client wires the transport, the secure channel, per-topic
// sequencers and the speaker controller into one connected endpoint. It
// decrypts and orders inbound traffic, dispatches directives to the
// controller, publishes the controller's events back to the service, and
// streams microphone capture upstream.
package client

import (
	"context"
	"fmt"
	"log"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/voicelink-ai/voicelink/pkg/protocol"
	"github.com/voicelink-ai/voicelink/pkg/securechannel"
	"github.com/voicelink-ai/voicelink/pkg/sequencer"
	"github.com/voicelink-ai/voicelink/pkg/speaker"
	"github.com/voicelink-ai/voicelink/pkg/trace"
	"github.com/voicelink-ai/voicelink/pkg/transport"
)

// Options configures a Client.
type Options struct {
	// TopicRoot is prepended to every protocol topic name, so multiple
	// devices can share one broker. Empty means bare topic names.
	TopicRoot string
	// Speaker configures the playback controller.
	Speaker speaker.Config
	// Sequencer configures reordering for each subscribed topic.
	Sequencer sequencer.Config
}

// DefaultOptions returns options matching the protocol defaults.
func DefaultOptions() Options {
	return Options{
		Speaker:   speaker.DefaultConfig(),
		Sequencer: sequencer.DefaultConfig(),
	}
}

// Client is one device's connection to the voice-assistant service.
//
// Client implements speaker.EventPublisher and speaker.Redeliverer for its
// own controller. Both are called with the controller lock held, so they
// only touch the channel, the sequencers and the transport, never the
// controller itself.
type Client struct {
	conn    transport.Connection
	channel *securechannel.Channel
	opts    Options

	speaker      *speaker.Controller
	speakerSeq   *sequencer.Sequencer
	directiveSeq *sequencer.Sequencer
}

// New builds a client over an established connection and secure channel.
// sink and volumeSink drive the local output device; observer may be nil.
func New(conn transport.Connection, channel *securechannel.Channel, opts Options, sink speaker.Sink, volumeSink speaker.VolumeSink, observer speaker.StateObserver) (*Client, error) {
	if conn == nil || channel == nil {
		return nil, fmt.Errorf("client: connection and channel are required")
	}
	c := &Client{conn: conn, channel: channel, opts: opts}

	ctrl, err := speaker.NewController(opts.Speaker, sink, volumeSink, c, c, observer)
	if err != nil {
		return nil, err
	}
	c.speaker = ctrl

	c.speakerSeq = sequencer.New(opts.Sequencer, func(payload []byte, seq uint32) {
		c.speaker.OnAudioMessage(payload, seq)
	}, c.resendRequester(protocol.TopicSpeaker))
	c.directiveSeq = sequencer.New(opts.Sequencer, c.dispatchDirective, c.resendRequester(protocol.TopicDirective))

	conn.Subscribe(c.topic(protocol.TopicDirective), c.inboundHandler(protocol.TopicDirective, c.directiveSeq))
	conn.Subscribe(c.topic(protocol.TopicSpeaker), c.inboundHandler(protocol.TopicSpeaker, c.speakerSeq))
	return c, nil
}

// Speaker exposes the playback controller for local control surfaces
// (volume buttons, barge-in).
func (c *Client) Speaker() *speaker.Controller {
	return c.speaker
}

// Run drives the speaker worker until ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	return c.speaker.Run(ctx)
}

// Close stops the controller and closes the connection.
func (c *Client) Close() error {
	c.speaker.Close()
	return c.conn.Close()
}

// PublishEvent seals an event envelope and publishes it on the event
// topic. Fire-and-forget: a full outbound queue drops the event.
func (c *Client) PublishEvent(event protocol.Event) error {
	_, span := trace.StartSpan(context.Background(), "client.publish_event")
	defer span.End()
	span.SetAttributes(trace.EventAttrs(event.Header.Name, event.Header.MessageID)...)

	data, err := event.Marshal()
	if err != nil {
		trace.RecordError(span, err)
		return fmt.Errorf("client: marshal event %s: %w", event.Header.Name, err)
	}
	return c.publish(protocol.TopicEvent, data)
}

// RequestRedelivery asks the speaker sequencer to accept and re-request
// one already-seen sequence number.
func (c *Client) RequestRedelivery(sequenceNumber uint32) {
	c.speakerSeq.Redeliver(sequenceNumber)
}

// inboundHandler opens and orders every arrival on one topic. It runs on
// the transport read goroutine.
func (c *Client) inboundHandler(topic protocol.Topic, seq *sequencer.Sequencer) transport.MessageHandler {
	return func(_ string, wire []byte) {
		payload, sequenceNumber, err := c.channel.Open(string(topic), wire)
		if err != nil {
			log.Printf("client: %s: %v", topic, err)
			c.emitException(protocol.ExceptionMalformedMessage, fmt.Sprintf("cannot open message on %s: %v", topic, err))
			return
		}
		_, span := trace.StartSpan(context.Background(), "client.receive")
		span.SetAttributes(trace.MessageAttrs(string(topic), sequenceNumber, len(payload))...)
		seq.OnMessage(payload, sequenceNumber)
		span.End()
	}
}

// dispatchDirective routes one in-order directive to the controller.
func (c *Client) dispatchDirective(payload []byte, sequenceNumber uint32) {
	d, err := protocol.ParseDirective(payload)
	if err != nil {
		log.Printf("client: directive seq %d: %v", sequenceNumber, err)
		c.emitException(protocol.ExceptionMalformedMessage, err.Error())
		return
	}

	_, span := trace.StartSpan(context.Background(), "client.dispatch_directive")
	defer span.End()
	span.SetAttributes(trace.DirectiveAttrs(d.Header.Name, d.Header.MessageID)...)

	switch d.Header.Name {
	case protocol.DirectiveOpenSpeaker:
		var p protocol.OpenSpeakerPayload
		if err := d.DecodePayload(&p); err != nil {
			c.rejectDirective(span, err)
			return
		}
		c.speaker.OnOpenDirective(p.Offset)
	case protocol.DirectiveCloseSpeaker:
		var p protocol.CloseSpeakerPayload
		if len(d.Payload) > 0 {
			if err := d.DecodePayload(&p); err != nil {
				c.rejectDirective(span, err)
				return
			}
		}
		c.speaker.OnCloseDirective(p.Offset)
	case protocol.DirectiveSetVolume:
		var p protocol.SetVolumePayload
		if err := d.DecodePayload(&p); err != nil {
			c.rejectDirective(span, err)
			return
		}
		c.speaker.OnSetVolumeDirective(p.Volume, p.Offset)
	default:
		c.rejectDirective(span, fmt.Errorf("unknown directive %q", d.Header.Name))
	}
}

func (c *Client) rejectDirective(span oteltrace.Span, err error) {
	trace.RecordError(span, err)
	log.Printf("client: %v", err)
	c.emitException(protocol.ExceptionMalformedMessage, err.Error())
}

// resendRequester publishes a redelivery request for one topic's gaps.
func (c *Client) resendRequester(topic protocol.Topic) sequencer.RequestFunc {
	return func(sequenceNumber uint32) {
		event := protocol.NewEvent(protocol.EventRedeliveryRequest, protocol.RedeliveryRequestPayload{
			Topic:          topic,
			SequenceNumber: sequenceNumber,
		})
		if err := c.PublishEvent(event); err != nil {
			log.Printf("client: redelivery request %s/%d: %v", topic, sequenceNumber, err)
		}
	}
}

func (c *Client) emitException(code protocol.ExceptionCode, description string) {
	event := protocol.NewEvent(protocol.EventExceptionEncountered, protocol.ExceptionEncounteredPayload{
		Code:        code,
		Description: description,
	})
	if err := c.PublishEvent(event); err != nil {
		log.Printf("client: publish exception: %v", err)
	}
}

// publish seals payload for topic and hands it to the transport.
func (c *Client) publish(topic protocol.Topic, payload []byte) error {
	wire, _ := c.channel.Seal(string(topic), payload)
	return c.conn.Publish(c.topic(topic), wire)
}

func (c *Client) topic(t protocol.Topic) string {
	if c.opts.TopicRoot == "" {
		return string(t)
	}
	return c.opts.TopicRoot + "/" + string(t)
}
