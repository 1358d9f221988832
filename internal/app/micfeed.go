package app

import (
	"context"
	"errors"
	"sync"

	"github.com/mvaldez/elicit/internal/capture"
)

var errFeedClosed = errors.New("microphone feed closed")

// micFeed adapts the websocket mic-chunk stream to the recorder's Opener and
// Stream. Opening blocks until the client reports the permission prompt's
// outcome; a denial surfaces as capture.ErrPermissionDenied.
type micFeed struct {
	decision chan bool

	mu      sync.Mutex
	frames  chan capture.Frame
	closed  bool
	decided bool
}

func newMicFeed(buffer int) *micFeed {
	return &micFeed{
		decision: make(chan bool, 1),
		frames:   make(chan capture.Frame, buffer),
	}
}

// Decide delivers the permission outcome. Only the first decision counts.
func (f *micFeed) Decide(granted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decided {
		return
	}
	f.decided = true
	f.decision <- granted
}

// Push enqueues a frame from the client. It never blocks the websocket read
// loop: a saturated buffer drops the frame and reports false.
func (f *micFeed) Push(frame capture.Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.frames <- frame:
		return true
	default:
		return false
	}
}

// Flush discards every frame buffered so far. The browser streams chunks
// continuously once the microphone is granted, so without this a capture
// window would begin with audio recorded before the window opened.
func (f *micFeed) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for {
		select {
		case <-f.frames:
		default:
			return
		}
	}
}

// CloseFrames ends the stream; a blocked Read returns errFeedClosed.
func (f *micFeed) CloseFrames() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.frames)
}

func (f *micFeed) Open(ctx context.Context) (capture.Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case granted := <-f.decision:
		if !granted {
			return nil, capture.ErrPermissionDenied
		}
		return f, nil
	}
}

func (f *micFeed) Read(ctx context.Context) (capture.Frame, error) {
	select {
	case <-ctx.Done():
		return capture.Frame{}, ctx.Err()
	case frame, ok := <-f.frames:
		if !ok {
			return capture.Frame{}, errFeedClosed
		}
		return frame, nil
	}
}
