package main

import (
	"fmt"
	"log"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/voicelink-ai/voicelink/pkg/client"
)

const (
	captureSampleRate = 16000
	captureChannels   = 1

	// 20ms of S16 mono at 16kHz.
	captureFrameBytes = captureSampleRate * 2 * 20 / 1000
)

// captureSource streams the default input device to the microphone topic
// as fixed 20ms PCM frames.
type captureSource struct {
	audioContext *malgo.AllocatedContext
	device       *malgo.Device
	mic          *client.Microphone

	mu      sync.Mutex
	staging []byte
}

func newCaptureSource(mic *client.Microphone) (*captureSource, error) {
	audioContext, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize context: %v", err)
	}

	s := &captureSource{audioContext: audioContext, mic: mic}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.PeriodSizeInMilliseconds = 20
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = captureChannels
	deviceConfig.SampleRate = captureSampleRate
	deviceConfig.Alsa.NoMMap = 1

	s.device, err = malgo.InitDevice(audioContext.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onDeviceData,
	})
	if err != nil {
		audioContext.Uninit()
		return nil, fmt.Errorf("failed to initialize capture device: %v", err)
	}
	return s, nil
}

// Start opens the microphone stream and the device.
func (s *captureSource) Start() error {
	if err := s.mic.Open(); err != nil {
		return err
	}
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %v", err)
	}
	return nil
}

// Stop stops the device and closes the microphone stream.
func (s *captureSource) Stop() error {
	if err := s.device.Stop(); err != nil {
		log.Printf("capture: stop device: %v", err)
	}
	return s.mic.Close()
}

func (s *captureSource) onDeviceData(outputSamples, inputSamples []byte, framecount uint32) {
	s.mu.Lock()
	s.staging = append(s.staging, inputSamples...)
	whole := len(s.staging) / captureFrameBytes * captureFrameBytes
	if whole == 0 {
		s.mu.Unlock()
		return
	}
	frames := append([]byte(nil), s.staging[:whole]...)
	s.staging = s.staging[whole:]
	s.mu.Unlock()

	if err := s.mic.WriteFrames(frames); err != nil {
		log.Printf("capture: %v", err)
	}
}

func (s *captureSource) Close() {
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.audioContext != nil {
		s.audioContext.Uninit()
		s.audioContext = nil
	}
}
