// Package bridge relays raw bytes between one WebTransport stream and one
// backend TCP connection after the startup handshake has admitted the
// connection. No re-framing happens here: post-handshake, the Postgres
// protocol multiplexes nothing else on the connection, so a byte-for-byte
// relay preserves message boundaries.
package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/justjake/pgwarp/pkg/observability"
)

// defaultBufferSize is the per-direction copy buffer. Reads block once
// the opposite writer stalls, so this is also the backpressure bound: a
// slow reader on one side pauses the other side's reader instead of
// buffering unbounded data.
const defaultBufferSize = 32 * 1024

// defaultGracePeriod bounds how long the surviving direction may run on
// after the other direction terminates.
const defaultGracePeriod = 5 * time.Second

// ErrIdleTimeout is returned by Run when the bridge closed because
// neither direction moved any bytes for the configured idle timeout.
var ErrIdleTimeout = errors.New("bridge idle timeout")

// Options configures a Bridge.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// IdleTimeout closes the bridge after this long with no bytes in
	// either direction. Zero disables the idle check.
	IdleTimeout time.Duration

	// GracePeriod bounds teardown of the second direction once the
	// first terminates. Zero means defaultGracePeriod.
	GracePeriod time.Duration

	// BufferSize is the per-direction copy buffer. Zero means
	// defaultBufferSize.
	BufferSize int

	// ClientExcess and BackendExcess are bytes that arrived behind the
	// handshake and were buffered by the interceptor's decoder. They
	// are flushed to the opposite side before the pumps start so
	// pipelined traffic is not reordered or lost.
	ClientExcess  []byte
	BackendExcess []byte
}

// Bridge pumps bytes bidirectionally between a client stream and a
// backend connection. Both legs are exclusively owned by the bridge for
// its lifetime; no other task touches them.
type Bridge struct {
	client  io.ReadWriteCloser
	backend io.ReadWriteCloser
	opts    Options

	lastActive atomic.Int64 // unix nanos of the last byte moved
	closed     atomic.Bool
}

// New creates a Bridge between the two legs.
func New(client, backend io.ReadWriteCloser, opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	return &Bridge{client: client, backend: backend, opts: opts}
}

// Run relays until either leg closes or errors, the context is cancelled,
// or the idle timeout fires. Both legs are closed before Run returns, and
// it returns exactly once, so the caller can release the stream's
// resources unconditionally.
//
// A clean EOF from either side returns nil; everything else returns the
// first error observed.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.closeBoth()

	b.touch()

	if len(b.opts.BackendExcess) > 0 {
		if _, err := b.client.Write(b.opts.BackendExcess); err != nil {
			return err
		}
		b.opts.Metrics.RecordBytesRelayed(observability.DirectionBackendToClient, int64(len(b.opts.BackendExcess)))
	}
	if len(b.opts.ClientExcess) > 0 {
		if _, err := b.backend.Write(b.opts.ClientExcess); err != nil {
			return err
		}
		b.opts.Metrics.RecordBytesRelayed(observability.DirectionClientToBackend, int64(len(b.opts.ClientExcess)))
	}

	type pumpResult struct {
		direction string
		err       error
	}
	results := make(chan pumpResult, 2)

	go func() {
		err := b.pump(b.backend, b.client, observability.DirectionClientToBackend)
		results <- pumpResult{observability.DirectionClientToBackend, err}
	}()
	go func() {
		err := b.pump(b.client, b.backend, observability.DirectionBackendToClient)
		results <- pumpResult{observability.DirectionBackendToClient, err}
	}()

	idle := b.watchIdle(ctx)

	var first pumpResult
	var idleClosed bool
	select {
	case first = <-results:
	case <-idle:
		idleClosed = true
		b.closeBoth()
		first = <-results
	case <-ctx.Done():
		b.closeBoth()
		first = <-results
	}

	// The finished pump has written everything it read, so in-flight
	// bytes for that direction are already flushed. Closing both legs
	// unblocks the other pump; the grace timer is a backstop against a
	// leg whose Close does not interrupt a pending read.
	b.closeBoth()
	select {
	case <-results:
	case <-time.After(b.opts.GracePeriod):
		b.opts.Logger.Warn("surviving bridge pump did not exit within grace period", "finished", first.direction)
	}

	switch {
	case idleClosed:
		return ErrIdleTimeout
	case ctx.Err() != nil:
		return ctx.Err()
	case first.err != nil && !isClosedErr(first.err):
		b.opts.Logger.Debug("bridge terminated", "direction", first.direction, "error", first.err)
		return first.err
	default:
		return nil
	}
}

// pump copies src to dst through a bounded buffer, recording activity and
// byte counts. Returns nil on clean EOF.
func (b *Bridge) pump(dst io.Writer, src io.Reader, direction string) error {
	buf := make([]byte, b.opts.BufferSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			b.touch()
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			b.opts.Metrics.RecordBytesRelayed(direction, int64(n))
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}

// watchIdle returns a channel that is closed when the idle timeout
// elapses with no activity. Disabled when IdleTimeout is zero.
func (b *Bridge) watchIdle(ctx context.Context) <-chan struct{} {
	fired := make(chan struct{})
	if b.opts.IdleTimeout <= 0 {
		return fired
	}

	go func() {
		ticker := time.NewTicker(b.opts.IdleTimeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				last := time.Unix(0, b.lastActive.Load())
				if time.Since(last) >= b.opts.IdleTimeout {
					close(fired)
					return
				}
			}
		}
	}()
	return fired
}

func (b *Bridge) touch() {
	b.lastActive.Store(time.Now().UnixNano())
}

// closeBoth closes both legs, once.
func (b *Bridge) closeBoth() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	if err := b.client.Close(); err != nil && !isClosedErr(err) {
		b.opts.Logger.Debug("error closing client leg", "error", err)
	}
	if err := b.backend.Close(); err != nil && !isClosedErr(err) {
		b.opts.Logger.Debug("error closing backend leg", "error", err)
	}
}

// isClosedErr reports whether err is the expected noise of tearing down a
// connection that the peer or the bridge itself already closed.
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
