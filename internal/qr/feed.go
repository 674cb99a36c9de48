package qr

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
)

var (
	ErrCameraBusy   = errors.New("camera already in use")
	ErrNotCapturing = errors.New("camera is not capturing")
	ErrFrameDropped = errors.New("frame dropped, scanner is behind")
)

// FrameSource is the camera capability. Open fails when capture is not permitted.
type FrameSource interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream yields frames until closed. Close must be safe to call more than once.
type Stream interface {
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

// Feed is a FrameSource filled by Push, used when frames arrive from a remote client.
type Feed struct {
	mu     sync.Mutex
	buffer int
	active *feedStream
}

func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 4
	}
	return &Feed{buffer: buffer}
}

func (f *Feed) Open(ctx context.Context) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active != nil {
		return nil, ErrCameraBusy
	}
	s := &feedStream{feed: f, frames: make(chan image.Image, f.buffer), done: make(chan struct{})}
	f.active = s
	return s, nil
}

// Push hands a frame to the open stream without blocking.
func (f *Feed) Push(img image.Image) error {
	f.mu.Lock()
	s := f.active
	f.mu.Unlock()
	if s == nil {
		return ErrNotCapturing
	}
	select {
	case <-s.done:
		return ErrNotCapturing
	case s.frames <- img:
		return nil
	default:
		return ErrFrameDropped
	}
}

// Capturing reports whether a stream is open.
func (f *Feed) Capturing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active != nil
}

type feedStream struct {
	feed   *Feed
	frames chan image.Image
	done   chan struct{}
	once   sync.Once
}

func (s *feedStream) Next(ctx context.Context) (image.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, io.EOF
	case img := <-s.frames:
		return img, nil
	}
}

func (s *feedStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.feed.mu.Lock()
		if s.feed.active == s {
			s.feed.active = nil
		}
		s.feed.mu.Unlock()
	})
	return nil
}
