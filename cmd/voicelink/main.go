// Command voicelink connects a local speaker and microphone to the
// voice-assistant service: directives and audio arrive over an encrypted
// websocket, playback runs on the default output device, and capture is
// streamed back on the microphone topic.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/voicelink-ai/voicelink/pkg/client"
	"github.com/voicelink-ai/voicelink/pkg/config"
	"github.com/voicelink-ai/voicelink/pkg/securechannel"
	"github.com/voicelink-ai/voicelink/pkg/trace"
	"github.com/voicelink-ai/voicelink/pkg/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	key, err := cfg.Key()
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	traceCfg := trace.DefaultConfig()
	traceCfg.ExporterType = cfg.TraceExporter
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	if err := trace.Initialize(ctx, traceCfg); err != nil {
		log.Printf("trace init: %v", err)
	}
	defer trace.Shutdown(context.Background())

	channel, err := securechannel.NewClient(key, 0)
	if err != nil {
		log.Fatal(err)
	}

	conn, err := transport.Dial(cfg.Endpoint, &transport.NoOpConnectionEventHandler{})
	if err != nil {
		log.Fatal("connect: ", err)
	}

	sink, err := newPlaybackSink(cfg.InitialVolume)
	if err != nil {
		log.Fatal(err)
	}
	defer sink.Close()

	opts := client.DefaultOptions()
	opts.TopicRoot = cfg.TopicRoot
	opts.Speaker.BufferBytes = cfg.SpeakerBufferBytes
	opts.Speaker.OverrunWarnBytes = cfg.OverrunWarnBytes
	opts.Speaker.UnderrunWarnBytes = cfg.UnderrunWarnBytes
	opts.Speaker.TickInterval = cfg.SpeakerTickInterval
	opts.Speaker.InitialVolume = cfg.InitialVolume

	c, err := client.New(conn, channel, opts, sink, sink, nil)
	if err != nil {
		log.Fatal(err)
	}
	sink.SetReadyFunc(c.Speaker().SinkReady)

	mic, err := c.Microphone(captureFrameBytes)
	if err != nil {
		log.Fatal(err)
	}
	capture, err := newCaptureSource(mic)
	if err != nil {
		log.Fatal(err)
	}
	defer capture.Close()
	if err := capture.Start(); err != nil {
		log.Fatal(err)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("shutting down")
		cancel()
	}()

	log.Printf("connected to %s", cfg.Endpoint)
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("run: %v", err)
	}

	if err := capture.Stop(); err != nil {
		log.Printf("capture stop: %v", err)
	}
	if err := c.Close(); err != nil {
		log.Printf("close: %v", err)
	}
}
