package audio

import (
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Player renders PCM16-LE response audio on the default output device.
// Deltas arrive in arbitrary sizes, so bytes are staged until a full
// device buffer is available; Flush drains the remainder padded with
// silence.
type Player struct {
	stream *portaudio.Stream
	buf    []int16

	mu      sync.Mutex
	pending []byte
}

// NewPlayer opens the default output device at the Realtime API rate.
func NewPlayer() (*Player, error) {
	buf := make([]int16, FramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(SampleRate), FramesPerBuffer, buf)
	if err != nil {
		return nil, &DeviceError{Op: "open output stream", Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, &DeviceError{Op: "start output stream", Err: err}
	}
	return &Player{stream: stream, buf: buf}, nil
}

// Play stages frame and writes every complete device buffer it yields.
func (p *Player) Play(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = append(p.pending, frame...)
	chunkBytes := len(p.buf) * 2
	for len(p.pending) >= chunkBytes {
		decodeSamples(p.pending[:chunkBytes], p.buf)
		p.pending = p.pending[chunkBytes:]
		if err := p.stream.Write(); err != nil {
			return &DeviceError{Op: "write output stream", Err: err}
		}
	}
	return nil
}

// Flush renders any staged remainder, padding the final buffer with silence.
func (p *Player) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return nil
	}
	for i := range p.buf {
		p.buf[i] = 0
	}
	decodeSamples(p.pending, p.buf)
	p.pending = p.pending[:0]
	if err := p.stream.Write(); err != nil {
		return &DeviceError{Op: "write output stream", Err: err}
	}
	return nil
}

// Close stops and releases the output stream.
func (p *Player) Close() error {
	_ = p.stream.Stop()
	return p.stream.Close()
}

// decodeSamples fills dst with little-endian int16 samples from src. Odd
// trailing bytes are ignored.
func decodeSamples(src []byte, dst []int16) {
	n := len(src) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(uint16(src[2*i]) | uint16(src[2*i+1])<<8)
	}
}
