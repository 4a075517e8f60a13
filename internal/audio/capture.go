// Package audio bridges PortAudio devices to the realtime transport:
// a capture stream that forwards fixed-size PCM16-LE chunks and a playback
// sink for response audio. Capture and playback run on independent streams
// so rendering never stalls the microphone.
package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const (
	// SampleRate is the PCM16 rate the Realtime API expects.
	SampleRate = 24000
	// FramesPerBuffer is the capture chunk size in samples.
	FramesPerBuffer = 1024
)

// DeviceError wraps a failure to open or start an audio device. It is fatal
// to a session.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Initialize prepares the PortAudio host API. Call once per process, paired
// with Terminate.
func Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return &DeviceError{Op: "initialize", Err: err}
	}
	return nil
}

// Terminate releases the PortAudio host API.
func Terminate() {
	_ = portaudio.Terminate()
}

// Capture wraps a PortAudio default input stream.
type Capture struct {
	stream *portaudio.Stream
	buf    []int16

	mu      sync.Mutex
	running bool
}

// NewCapture opens the default input device at the Realtime API rate.
func NewCapture() (*Capture, error) {
	buf := make([]int16, FramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(SampleRate), FramesPerBuffer, buf)
	if err != nil {
		return nil, &DeviceError{Op: "open input stream", Err: err}
	}
	return &Capture{stream: stream, buf: buf}, nil
}

// Run starts the stream and forwards PCM16-LE chunks to w until ctx is
// cancelled or the device fails. Only one Run may be active at a time.
func (c *Capture) Run(ctx context.Context, w io.Writer) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("audio: capture already running")
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if err := c.stream.Start(); err != nil {
		return &DeviceError{Op: "start input stream", Err: err}
	}
	defer func() { _ = c.stream.Stop() }()

	var out bytes.Buffer
	out.Grow(len(c.buf) * 2)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.stream.Read(); err != nil {
			return &DeviceError{Op: "read input stream", Err: err}
		}
		out.Reset()
		if err := binary.Write(&out, binary.LittleEndian, c.buf); err != nil {
			return err
		}
		if _, err := w.Write(out.Bytes()); err != nil {
			return fmt.Errorf("forward captured chunk: %w", err)
		}
	}
}

// Close releases the input stream.
func (c *Capture) Close() error {
	return c.stream.Close()
}
