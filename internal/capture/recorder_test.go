package capture

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedStream struct {
	frames []Frame
	err    error
	pos    int
}

func (s *scriptedStream) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.pos < len(s.frames) {
		f := s.frames[s.pos]
		s.pos++
		return f, nil
	}
	if s.err != nil {
		return Frame{}, s.err
	}
	<-ctx.Done()
	return Frame{}, ctx.Err()
}

type fakeOpener struct {
	stream Stream
	err    error
}

func (o *fakeOpener) Open(context.Context) (Stream, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.stream, nil
}

// chunk builds n samples worth of PCM16 at the given rate, filled with v.
func chunk(n int, v byte) Frame {
	pcm := make([]byte, n*2)
	for i := range pcm {
		pcm[i] = v
	}
	return Frame{PCM: pcm, SampleRate: 1000}
}

func TestOpenSurfacesPermissionDenied(t *testing.T) {
	r := NewRecorder(&fakeOpener{err: ErrPermissionDenied})
	if err := r.Open(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Open() error = %v, want ErrPermissionDenied", err)
	}
}

func TestCaptureForCutsExactWindow(t *testing.T) {
	// 1000 Hz stream, 100ms window -> exactly 100 samples (200 bytes).
	stream := &scriptedStream{frames: []Frame{chunk(60, 1), chunk(60, 2), chunk(60, 3)}}
	r := NewRecorder(&fakeOpener{stream: stream})
	if err := r.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	blob, err := r.CaptureFor(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("CaptureFor() error = %v", err)
	}
	if len(blob.PCM) != 200 {
		t.Fatalf("captured %d bytes, want 200", len(blob.PCM))
	}
	if blob.DurationMS() != 100 {
		t.Fatalf("DurationMS() = %d, want 100", blob.DurationMS())
	}
	// The second frame was trimmed, not dropped: its first samples survive.
	if blob.PCM[119] != 1 || blob.PCM[120] != 2 {
		t.Fatalf("frame boundary corrupted: %d %d", blob.PCM[119], blob.PCM[120])
	}
	if blob.ID == "" {
		t.Fatalf("blob has no id")
	}
}

func TestCapturesAreIndependent(t *testing.T) {
	stream := &scriptedStream{frames: []Frame{chunk(30, 7), chunk(30, 8), chunk(30, 9), chunk(30, 10)}}
	r := NewRecorder(&fakeOpener{stream: stream})
	if err := r.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	first, err := r.CaptureFor(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("first CaptureFor() error = %v", err)
	}
	second, err := r.CaptureFor(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("second CaptureFor() error = %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("blobs share an id")
	}
	if len(first.PCM) != 100 || len(second.PCM) != 100 {
		t.Fatalf("windows = %d/%d bytes, want 100/100", len(first.PCM), len(second.PCM))
	}
	// No leakage: the trimmed remainder of the first window is discarded, so
	// the second capture starts from a fresh frame.
	if second.PCM[0] != 9 {
		t.Fatalf("second capture starts with %d, want 9", second.PCM[0])
	}
}

// bufferedStream queues pushed frames like a client-fed feed and supports
// Flush. flushed signals each Flush so tests can order pushes around it.
type bufferedStream struct {
	frames  chan Frame
	flushed chan struct{}
}

func newBufferedStream(buffer int) *bufferedStream {
	return &bufferedStream{
		frames:  make(chan Frame, buffer),
		flushed: make(chan struct{}, 1),
	}
}

func (s *bufferedStream) Read(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case f := <-s.frames:
		return f, nil
	}
}

func (s *bufferedStream) Flush() {
	for {
		select {
		case <-s.frames:
		default:
			select {
			case s.flushed <- struct{}{}:
			default:
			}
			return
		}
	}
}

func TestCaptureForDiscardsBacklog(t *testing.T) {
	stream := newBufferedStream(16)
	r := NewRecorder(&fakeOpener{stream: stream})
	if err := r.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	// A full window's worth of audio is already queued when the capture
	// starts. None of it may reach the blob.
	stream.frames <- chunk(100, 0xAA)
	stream.frames <- chunk(100, 0xAA)

	type result struct {
		blob Blob
		err  error
	}
	done := make(chan result, 1)
	go func() {
		blob, err := r.CaptureFor(context.Background(), 100*time.Millisecond)
		done <- result{blob, err}
	}()

	<-stream.flushed
	stream.frames <- chunk(60, 0xBB)
	stream.frames <- chunk(60, 0xBB)

	res := <-done
	if res.err != nil {
		t.Fatalf("CaptureFor() error = %v", res.err)
	}
	if len(res.blob.PCM) != 200 {
		t.Fatalf("captured %d bytes, want 200", len(res.blob.PCM))
	}
	for i, b := range res.blob.PCM {
		if b != 0xBB {
			t.Fatalf("byte %d = %#x, want only post-invocation audio", i, b)
		}
	}
}

func TestCaptureForWrapsStreamFailure(t *testing.T) {
	stream := &scriptedStream{frames: []Frame{chunk(10, 1)}, err: errors.New("device vanished")}
	r := NewRecorder(&fakeOpener{stream: stream})
	if err := r.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	_, err := r.CaptureFor(context.Background(), 100*time.Millisecond)
	var capErr *Error
	if !errors.As(err, &capErr) {
		t.Fatalf("CaptureFor() error = %v, want *Error", err)
	}
}

func TestConcurrentCapturePanics(t *testing.T) {
	r := NewRecorder(&fakeOpener{stream: &scriptedStream{}})
	if err := r.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	r.active.Store(true) // simulate an in-flight capture

	defer func() {
		if recover() == nil {
			t.Fatalf("overlapping capture did not panic")
		}
	}()
	_, _ = r.CaptureFor(context.Background(), time.Millisecond)
}

func TestDoubleOpenRejected(t *testing.T) {
	r := NewRecorder(&fakeOpener{stream: &scriptedStream{}})
	if err := r.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := r.Open(context.Background()); err == nil {
		t.Fatalf("second Open() should fail")
	}
}
