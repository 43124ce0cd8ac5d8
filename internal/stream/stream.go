// Package stream turns an open backend response into a pull-based sequence
// of canonical events.
//
// A Stream owns the response body, a frame decoder, a normalizer and a
// heartbeat monitor. Next returns one event at a time; the sequence always
// ends with a stream-end event followed by io.EOF, or with an error.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tjfontaine/trialmatch/internal/codec"
	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/core/ports"
	"github.com/tjfontaine/trialmatch/internal/heartbeat"
	"github.com/tjfontaine/trialmatch/internal/sse"
)

// DefaultReadBufferSize is the size of a single body read.
const DefaultReadBufferSize = 32 * 1024

// Config holds the stream policy.
type Config struct {
	Heartbeat heartbeat.Config
	// ReadBufferSize is the size of a single body read.
	ReadBufferSize int
	// MaxBuffered caps an incomplete frame; 0 means unlimited.
	MaxBuffered int
	// Stages is the canonical stage order used for folding.
	Stages []string
}

// Observer receives frame accounting and heartbeat timeouts.
type Observer interface {
	codec.Observer
	HeartbeatTimeout(vocabulary string)
}

type nopObserver struct{}

func (nopObserver) FrameDecoded(string)         {}
func (nopObserver) FrameDropped(string, string) {}
func (nopObserver) HeartbeatTimeout(string)     {}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver sets the accounting sink.
func WithObserver(o Observer) Option {
	return func(s *Stream) {
		if o != nil {
			s.observer = o
		}
	}
}

// Stream is one open backend stream, consumed by a single goroutine. To
// abort a blocked Next from elsewhere, cancel the context given to Open.
type Stream struct {
	cfg      Config
	body     io.ReadCloser
	cancel   context.CancelFunc
	decoder  *sse.Decoder
	norm     *codec.Normalizer
	monitor  *heartbeat.Monitor
	logger   *slog.Logger
	observer Observer

	buf     []byte
	pending []domain.StreamEvent
	ended   bool
	err     error

	closeOnce sync.Once
}

// Open asks backend for a new stream and starts supervising it. The
// returned Stream must be closed.
func Open(ctx context.Context, backend ports.Backend, req *domain.MatchRequest, cfg Config, opts ...Option) (*Stream, error) {
	s := &Stream{
		cfg:      cfg,
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}

	norm, err := codec.NewNormalizer(backend.Vocabulary(),
		codec.WithLogger(s.logger),
		codec.WithObserver(s.observer),
		codec.WithStages(cfg.Stages),
	)
	if err != nil {
		return nil, err
	}
	s.norm = norm

	sctx, cancel := context.WithCancel(ctx)
	body, err := backend.Open(sctx, req)
	if err != nil {
		cancel()
		return nil, err
	}
	s.body = body
	s.cancel = cancel

	size := cfg.ReadBufferSize
	if size <= 0 {
		size = DefaultReadBufferSize
	}
	s.buf = make([]byte, size)
	s.decoder = sse.NewDecoder(cfg.MaxBuffered)

	s.monitor = heartbeat.Start(cfg.Heartbeat, func() {
		s.observer.HeartbeatTimeout(norm.Vocabulary())
		cancel()
		body.Close()
	})

	return s, nil
}

// Next returns the next canonical event. After stream-end it returns
// io.EOF. A silent stream fails with a connection_lost error; any other
// transport failure with a stream_error.
func (s *Stream) Next(ctx context.Context) (domain.StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			if ev.Type == domain.EventStreamEnd {
				s.finish(nil)
			}
			return ev, nil
		}

		if s.ended {
			if s.err != nil {
				return domain.StreamEvent{}, s.err
			}
			return domain.StreamEvent{}, io.EOF
		}

		if err := ctx.Err(); err != nil {
			s.finish(domain.ErrStream(err))
			continue
		}

		n, readErr := s.body.Read(s.buf)
		if n > 0 {
			s.feed(s.buf[:n])
		}
		if readErr == nil {
			continue
		}

		switch {
		case s.monitor.Dead():
			s.finish(domain.ErrConnectionLost(fmt.Sprintf(
				"no data from the backend for %s; the matching job may still be processing",
				s.monitor.Timeout())).WithCause(readErr))
		case errors.Is(readErr, io.EOF):
			// A stream that closes without its own end marker still ends.
			if len(s.pending) == 0 || s.pending[len(s.pending)-1].Type != domain.EventStreamEnd {
				s.pending = append(s.pending, domain.StreamEnd())
			}
			s.logger.Debug("backend stream closed", slog.String("vocabulary", s.norm.Vocabulary()))
		default:
			s.finish(domain.ErrStream(readErr))
		}
	}
}

func (s *Stream) feed(chunk []byte) {
	invalid, overflows := s.decoder.Invalid(), s.decoder.Overflows()
	frames := s.decoder.Feed(chunk)

	vocab := s.norm.Vocabulary()
	for range s.decoder.Invalid() - invalid {
		s.observer.FrameDropped(vocab, codec.DropInvalidText)
		s.logger.Warn("dropping stream frame", slog.String("vocabulary", vocab), slog.String("reason", codec.DropInvalidText))
	}
	for range s.decoder.Overflows() - overflows {
		s.observer.FrameDropped(vocab, codec.DropOverflow)
		s.logger.Warn("dropping oversized stream frame", slog.String("vocabulary", vocab), slog.Int("max_buffered", s.cfg.MaxBuffered))
	}

	if len(frames) > 0 || s.decoder.Invalid() != invalid {
		s.monitor.Beat()
	}

	for _, raw := range frames {
		s.pending = append(s.pending, s.norm.Normalize(raw)...)
	}
}

// finish records the outcome and drops anything queued after it.
func (s *Stream) finish(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	s.pending = nil
	s.Close()
}

// Close releases the body and stops the heartbeat monitor. Any partial
// frame still buffered is discarded. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.monitor.Stop()
		s.cancel()
		err = s.body.Close()
		if lost := s.decoder.Close(); lost > 0 {
			s.logger.Debug("discarding partial frame",
				slog.String("vocabulary", s.norm.Vocabulary()),
				slog.Int("bytes", lost),
			)
		}
	})
	return err
}

// Vocabulary returns the backend vocabulary being decoded.
func (s *Stream) Vocabulary() string { return s.norm.Vocabulary() }
