package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrPermissionDenied is returned by Open when the participant refuses the
// microphone. The session aborts before any trial runs; denial never happens
// mid-session because the stream is acquired exactly once.
var ErrPermissionDenied = errors.New("capture: microphone permission denied")

var errStreamNotOpen = errors.New("capture: stream not open")

// Error wraps a recording backend failure. Any Error mid-session is terminal
// for the whole session.
type Error struct {
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("capture: %v", e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Frame is one chunk of mono PCM16LE samples from the microphone backend.
type Frame struct {
	PCM        []byte
	SampleRate int
}

// Stream is the microphone backend: a real-time feed of capture frames.
// Read blocks until a frame arrives or the stream fails.
type Stream interface {
	Read(ctx context.Context) (Frame, error)
}

// Opener acquires the microphone. Implementations must surface a refusal as
// ErrPermissionDenied.
type Opener interface {
	Open(ctx context.Context) (Stream, error)
}

// Flusher is implemented by streams that buffer frames between captures.
// Flush discards everything buffered so far, so the next Read returns audio
// produced after the Flush call.
type Flusher interface {
	Flush()
}

// Blob is one fixed-window recording. It is owned exclusively by the trial
// that produced it until handed to the result assembler.
type Blob struct {
	ID         string
	PCM        []byte
	SampleRate int
}

// DurationMS reports the recorded length in milliseconds.
func (b Blob) DurationMS() int64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return int64(len(b.PCM)/2) * 1000 / int64(b.SampleRate)
}

// Recorder opens the microphone stream once per session and cuts one
// fixed-duration Blob per trial from it.
type Recorder struct {
	opener Opener
	stream Stream
	active atomic.Bool
}

func NewRecorder(opener Opener) *Recorder {
	return &Recorder{opener: opener}
}

// Open acquires the microphone stream. It must be called exactly once, before
// the first trial.
func (r *Recorder) Open(ctx context.Context) error {
	if r.stream != nil {
		return errors.New("capture: stream already open")
	}
	stream, err := r.opener.Open(ctx)
	if err != nil {
		return err
	}
	r.stream = stream
	return nil
}

// CaptureFor samples the stream for exactly d worth of audio and returns a
// self-contained Blob. Frames buffered before the call are discarded, so the
// blob starts at the invocation instant; audio from the start gate or a
// previous trial's ITI never leaks into a window. No state leaks between
// invocations. Overlapping calls are a programming error and panic.
func (r *Recorder) CaptureFor(ctx context.Context, d time.Duration) (Blob, error) {
	if r.stream == nil {
		return Blob{}, errStreamNotOpen
	}
	if !r.active.CompareAndSwap(false, true) {
		panic("capture: capture already in progress")
	}
	defer r.active.Store(false)

	if fl, ok := r.stream.(Flusher); ok {
		fl.Flush()
	}

	var (
		pcm        []byte
		sampleRate int
	)
	for {
		frame, err := r.stream.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Blob{}, err
			}
			return Blob{}, &Error{Err: err}
		}
		if len(frame.PCM) == 0 {
			continue
		}
		if sampleRate == 0 {
			if frame.SampleRate <= 0 {
				return Blob{}, &Error{Err: errors.New("frame without sample rate")}
			}
			sampleRate = frame.SampleRate
		} else if frame.SampleRate != sampleRate {
			return Blob{}, &Error{Err: fmt.Errorf("sample rate changed mid-capture: %d -> %d", sampleRate, frame.SampleRate)}
		}

		pcm = append(pcm, frame.PCM...)

		want := samplesFor(d, sampleRate) * 2
		if len(pcm) >= want {
			// Trim the final frame to the exact window; nothing is dropped
			// before that point and nothing past the window leaks out.
			pcm = pcm[:want]
			break
		}
	}

	blob := Blob{ID: uuid.NewString(), SampleRate: sampleRate, PCM: make([]byte, len(pcm))}
	copy(blob.PCM, pcm)
	return blob, nil
}

// Close releases the stream when the backend supports it.
func (r *Recorder) Close() error {
	if c, ok := r.stream.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func samplesFor(d time.Duration, sampleRate int) int {
	return int(d.Milliseconds()) * sampleRate / 1000
}
