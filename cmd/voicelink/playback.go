package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/hraban/opus"
)

const (
	playbackSampleRate = 48000
	playbackChannels   = 1

	// PCM bytes buffered ahead of the device. Above high water PushFrame
	// rejects frames; once the callback drains below low water the
	// controller is told the sink is ready again.
	playbackHighWater = playbackSampleRate * 2 * 200 / 1000 // 200ms
	playbackLowWater  = playbackSampleRate * 2 * 60 / 1000  // 60ms
)

// playbackSink plays opus frames on the default output device. It
// implements speaker.Sink and speaker.VolumeSink: frames are decoded,
// scaled to the current volume and queued for the malgo callback.
type playbackSink struct {
	audioContext *malgo.AllocatedContext
	device       *malgo.Device
	decoder      *opus.Decoder

	mu      sync.Mutex
	pcm     []byte
	volume  uint8
	blocked bool
	ready   func()

	decodeBuf []int16
}

func newPlaybackSink(initialVolume uint8) (*playbackSink, error) {
	audioContext, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize context: %v", err)
	}

	decoder, err := opus.NewDecoder(playbackSampleRate, playbackChannels)
	if err != nil {
		audioContext.Uninit()
		return nil, fmt.Errorf("failed to create opus decoder: %v", err)
	}

	s := &playbackSink{
		audioContext: audioContext,
		decoder:      decoder,
		volume:       initialVolume,
		decodeBuf:    make([]int16, playbackSampleRate*120/1000),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.PeriodSizeInMilliseconds = 20
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = playbackChannels
	deviceConfig.SampleRate = playbackSampleRate
	deviceConfig.Alsa.NoMMap = 1

	s.device, err = malgo.InitDevice(audioContext.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onDeviceData,
	})
	if err != nil {
		audioContext.Uninit()
		return nil, fmt.Errorf("failed to initialize playback device: %v", err)
	}
	if err := s.device.Start(); err != nil {
		s.device.Uninit()
		audioContext.Uninit()
		return nil, fmt.Errorf("failed to start playback device: %v", err)
	}
	return s, nil
}

// SetReadyFunc installs the callback invoked when a previously rejected
// sink can accept frames again.
func (s *playbackSink) SetReadyFunc(fn func()) {
	s.mu.Lock()
	s.ready = fn
	s.mu.Unlock()
}

func (s *playbackSink) PushFrame(frame []byte) bool {
	s.mu.Lock()
	if len(s.pcm) >= playbackHighWater {
		s.blocked = true
		s.mu.Unlock()
		return false
	}
	volume := s.volume
	s.mu.Unlock()

	n, err := s.decoder.Decode(frame, s.decodeBuf)
	if err != nil {
		log.Printf("playback: decode error: %v", err)
		return true
	}

	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		sample := int32(s.decodeBuf[i]) * int32(volume) / 100
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sample)))
	}

	s.mu.Lock()
	s.pcm = append(s.pcm, out...)
	s.mu.Unlock()
	return true
}

func (s *playbackSink) SetVolume(volume uint8) {
	s.mu.Lock()
	s.volume = volume
	s.mu.Unlock()
}

func (s *playbackSink) onDeviceData(outputSamples, inputSamples []byte, framecount uint32) {
	var ready func()

	s.mu.Lock()
	n := copy(outputSamples, s.pcm)
	s.pcm = s.pcm[n:]
	for i := n; i < len(outputSamples); i++ {
		outputSamples[i] = 0
	}
	if s.blocked && len(s.pcm) < playbackLowWater {
		s.blocked = false
		ready = s.ready
	}
	s.mu.Unlock()

	if ready != nil {
		ready()
	}
}

func (s *playbackSink) Close() {
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.audioContext != nil {
		s.audioContext.Uninit()
		s.audioContext = nil
	}
}
