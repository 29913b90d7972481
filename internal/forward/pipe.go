package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// copyBufferSize is the largest single read; it is also the limiter burst
// so one read never asks for more tokens than the bucket holds.
const copyBufferSize = 32 * 1024

// PipeConfig controls a bidirectional copy.
type PipeConfig struct {
	// IdleTimeout closes both sides when neither direction moved a byte
	// for this long. Zero disables it.
	IdleTimeout time.Duration

	// Limiter caps combined throughput of both directions. It may be
	// shared by several pipes. Nil means unlimited.
	Limiter *rate.Limiter
}

// PipeStats reports what a finished pipe carried.
type PipeStats struct {
	AToB     int64
	BToA     int64
	Duration time.Duration
	IdleOut  bool
}

// halfCloser is implemented by connections that support half-close.
type halfCloser interface {
	CloseWrite() error
}

type pipe struct {
	a, b     net.Conn
	cfg      PipeConfig
	ctx      context.Context
	lastIO   atomic.Int64
	abortOne sync.Once
}

// Pipe copies a to b and b to a until both directions reach EOF, either
// side fails, ctx ends, or the idle timeout fires. EOF in one direction is
// forwarded as a half-close so replies still flow the other way. Both
// connections are closed before Pipe returns.
func Pipe(ctx context.Context, a, b net.Conn, cfg PipeConfig) PipeStats {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := &pipe{a: a, b: b, cfg: cfg, ctx: ctx}
	start := time.Now()
	p.lastIO.Store(start.UnixNano())

	var stats PipeStats
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stats.AToB = p.copy(b, a)
	}()
	go func() {
		defer wg.Done()
		stats.BToA = p.copy(a, b)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var idle <-chan time.Time
	var timer *time.Timer
	if cfg.IdleTimeout > 0 {
		timer = time.NewTimer(cfg.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

wait:
	for {
		select {
		case <-done:
			break wait
		case <-ctx.Done():
			p.abort()
			<-done
			break wait
		case <-idle:
			since := time.Since(time.Unix(0, p.lastIO.Load()))
			if since >= cfg.IdleTimeout {
				stats.IdleOut = true
				p.abort()
				<-done
				break wait
			}
			timer.Reset(cfg.IdleTimeout - since)
		}
	}

	a.Close()
	b.Close()
	stats.Duration = time.Since(start)
	return stats
}

// copy moves bytes from src to dst and returns how many it wrote.
func (p *pipe) copy(dst, src net.Conn) int64 {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if p.cfg.Limiter != nil {
				if werr := p.cfg.Limiter.WaitN(p.ctx, n); werr != nil {
					p.abort()
					return written
				}
			}
			m, werr := dst.Write(buf[:n])
			written += int64(m)
			p.lastIO.Store(time.Now().UnixNano())
			if werr != nil {
				p.abort()
				return written
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if hc, ok := dst.(halfCloser); ok {
					hc.CloseWrite()
				}
			} else {
				p.abort()
			}
			return written
		}
	}
}

// abort unblocks both copy loops.
func (p *pipe) abort() {
	p.abortOne.Do(func() {
		p.a.Close()
		p.b.Close()
	})
}

// NewLimiter returns a token bucket for bytesPerSecond, or nil when the
// rate is zero or negative.
func NewLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), copyBufferSize)
}
