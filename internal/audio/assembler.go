package audio

import "fmt"

// Audio format constants required by the speech engines.
const (
	// SampleRate is the required input sample rate in Hz.
	SampleRate = 16000
	// Channels is the required channel count (mono).
	Channels = 1
	// BitDepth is the required bits per sample.
	BitDepth = 16
	// FrameSamples is the number of samples per engine frame.
	FrameSamples = 512
	// FrameBytes is the byte length of one engine frame (16-bit samples).
	FrameBytes = FrameSamples * 2
)

// Assembler converts arbitrarily sized byte chunks into a strictly ordered
// sequence of fixed-size PCM frames. Incomplete trailing bytes are carried
// as a remainder between Feed calls and discarded on Flush.
//
// An Assembler is owned by exactly one session; callers must serialize
// access externally.
type Assembler struct {
	frameBytes int
	remainder  []byte

	// Statistics
	framesEmitted uint64
	bytesFed      uint64
}

// AssemblerStats represents assembler statistics for monitoring.
type AssemblerStats struct {
	FrameBytes    int    `json:"frame_bytes"`
	BufferedBytes int    `json:"buffered_bytes"`
	FramesEmitted uint64 `json:"frames_emitted"`
	BytesFed      uint64 `json:"bytes_fed"`
}

// NewAssembler creates a frame assembler producing frames of frameBytes bytes.
func NewAssembler(frameBytes int) (*Assembler, error) {
	if frameBytes <= 0 || frameBytes%2 != 0 {
		return nil, fmt.Errorf("frame size must be a positive even byte count, got %d", frameBytes)
	}

	return &Assembler{
		frameBytes: frameBytes,
		remainder:  make([]byte, 0, frameBytes),
	}, nil
}

// Feed appends buf to the remainder and returns every complete frame now
// available, in arrival order. The returned frames are copies; callers may
// retain them. An empty buf returns no frames and changes no state.
func (a *Assembler) Feed(buf []byte) [][]byte {
	if len(buf) == 0 {
		return nil
	}

	a.bytesFed += uint64(len(buf))
	a.remainder = append(a.remainder, buf...)

	if len(a.remainder) < a.frameBytes {
		return nil
	}

	numFrames := len(a.remainder) / a.frameBytes
	frames := make([][]byte, 0, numFrames)

	for i := 0; i < numFrames; i++ {
		frame := make([]byte, a.frameBytes)
		copy(frame, a.remainder[i*a.frameBytes:(i+1)*a.frameBytes])
		frames = append(frames, frame)
	}

	// Keep the tail as the new remainder.
	tail := len(a.remainder) - numFrames*a.frameBytes
	copy(a.remainder, a.remainder[numFrames*a.frameBytes:])
	a.remainder = a.remainder[:tail]

	a.framesEmitted += uint64(numFrames)

	return frames
}

// Flush discards any buffered partial frame and returns the number of bytes
// dropped. A trailing sub-frame fragment is never zero-padded into a frame,
// since that would feed synthetic silence into engine state.
func (a *Assembler) Flush() int {
	dropped := len(a.remainder)
	a.remainder = a.remainder[:0]
	return dropped
}

// Buffered returns the number of remainder bytes awaiting a complete frame.
// The value is always less than the frame size between Feed calls.
func (a *Assembler) Buffered() int {
	return len(a.remainder)
}

// FrameSize returns the configured frame size in bytes.
func (a *Assembler) FrameSize() int {
	return a.frameBytes
}

// Stats returns current assembler statistics.
func (a *Assembler) Stats() AssemblerStats {
	return AssemblerStats{
		FrameBytes:    a.frameBytes,
		BufferedBytes: len(a.remainder),
		FramesEmitted: a.framesEmitted,
		BytesFed:      a.bytesFed,
	}
}
