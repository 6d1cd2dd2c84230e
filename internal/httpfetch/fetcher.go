package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	perrors "github.com/NamanBalaji/piecework/internal/errors"
	"github.com/NamanBalaji/piecework/internal/logger"
	"github.com/NamanBalaji/piecework/internal/segment"
	httpPkg "github.com/NamanBalaji/piecework/pkg/http"
)

var (
	ErrSegmentFailed = errors.New("segment failed after max retries")
	ErrIncomplete    = errors.New("connections stopped before the transfer completed")
)

// Sink receives segment data. *transfer.Session implements it.
type Sink interface {
	NextSegment(conn string) (segment.Segment, bool)
	OnSegmentData(conn string, id uuid.UUID, data []byte) (accepted int, done bool, err error)
	OnConnectionLost(conn string)
	IsComplete() bool
}

// Fetcher runs parallel range connections for one resource.
type Fetcher struct {
	client  *httpPkg.Client
	info    *Info
	config  *Config
	limiter *rate.Limiter

	fetched atomic.Int64
}

func New(client *httpPkg.Client, info *Info, opts ...ConfigOption) *Fetcher {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	f := &Fetcher{
		client: client,
		info:   info,
		config: cfg,
	}

	if cfg.RateLimit > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.BufferSize, int(cfg.RateLimit)))
	}

	return f
}

// Fetched returns the bytes handed to the sink so far.
func (f *Fetcher) Fetched() int64 { return f.fetched.Load() }

// Download runs connections until the sink is complete. Servers without range
// support get a single connection. Segments that come back after a failed
// verification are picked up by the connections still running, or by a new
// round of connections once all of them have stopped.
func (f *Fetcher) Download(ctx context.Context, sink Sink) error {
	n := f.config.Connections
	if !f.info.SupportsRanges {
		n = 1
	}

	for round := 0; !sink.IsComplete(); round++ {
		if round > f.config.MaxRetries {
			return perrors.NewNetworkError(ErrIncomplete, f.info.URL, false)
		}

		if err := f.runRound(ctx, sink, round, n); err != nil {
			return err
		}
	}

	logger.Infof("Fetched %d bytes of %s", f.Fetched(), f.info.URL)

	return nil
}

func (f *Fetcher) runRound(ctx context.Context, sink Sink, round, n int) error {
	g, groupCtx := errgroup.WithContext(ctx)

	for i := range n {
		conn := fmt.Sprintf("http-%d-%d", round, i)

		g.Go(func() error {
			defer sink.OnConnectionLost(conn)
			return f.runConnection(groupCtx, sink, conn)
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return perrors.NewContextError(ctx.Err(), f.info.URL)
	}

	return err
}

func (f *Fetcher) runConnection(ctx context.Context, sink Sink, conn string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		seg, ok := sink.NextSegment(conn)
		if !ok {
			logger.Debugf("Connection %s has no more segments", conn)
			return nil
		}

		if err := f.fetchSegmentWithRetries(ctx, sink, conn, seg); err != nil {
			return err
		}
	}
}

func (f *Fetcher) fetchSegmentWithRetries(ctx context.Context, sink Sink, conn string, seg segment.Segment) error {
	var lastErr error

	pos := seg.Position()
	attempt := 0
	for {
		next, err := f.fetchSegment(ctx, sink, conn, seg, pos)
		if err == nil {
			return nil
		}

		if next > pos {
			attempt = 0
		}
		pos = next
		lastErr = err

		if errors.Is(err, context.Canceled) || !httpPkg.IsRetryable(err) {
			return wrapError(err, f.info.URL)
		}

		if attempt >= f.config.MaxRetries {
			break
		}

		backoff := calculateBackoff(attempt, f.config.RetryDelay)
		attempt++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			logger.Debugf("Retrying segment %s at %d, attempt %d", seg.ID, pos, attempt+1)
		}
	}

	logger.Errorf("Segment %s failed after max retries: %v", seg.ID, lastErr)

	return perrors.NewNetworkError(fmt.Errorf("%w: %w", ErrSegmentFailed, lastErr), f.info.URL, false)
}

// fetchSegment streams bytes from pos into the sink until the segment is done.
// It returns the position reached.
func (f *Fetcher) fetchSegment(ctx context.Context, sink Sink, conn string, seg segment.Segment, pos int64) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := f.open(ctx, pos, seg.End)
	if err != nil {
		return pos, err
	}
	defer closeBody(resp, f.info.URL)

	buf := make([]byte, f.config.BufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if f.limiter != nil {
				if err := f.limiter.WaitN(ctx, n); err != nil {
					return pos, err
				}
			}

			acc, done, err := sink.OnSegmentData(conn, seg.ID, buf[:n])
			if errors.Is(err, segment.ErrNotOwner) || errors.Is(err, segment.ErrUnknownSegment) {
				logger.Debugf("Connection %s lost segment %s", conn, seg.ID)
				return pos, nil
			}
			if err != nil {
				return pos, err
			}

			pos += int64(acc)
			f.fetched.Add(int64(acc))

			if done {
				return pos, nil
			}
		}

		if errors.Is(rerr, io.EOF) {
			return pos, httpPkg.ErrUnexpectedEOF
		}
		if rerr != nil {
			return pos, httpPkg.ClassifyError(rerr)
		}
	}
}

// open requests [start, end]. Without range support the body is read from
// the beginning and the bytes before start are discarded.
func (f *Fetcher) open(ctx context.Context, start, end int64) (*http.Response, error) {
	if f.info.SupportsRanges {
		return f.client.Range(ctx, f.info.URL, start, end, f.config.Headers)
	}

	resp, err := f.client.Get(ctx, f.info.URL, f.config.Headers)
	if err != nil {
		return nil, err
	}

	if start > 0 {
		if _, err := io.CopyN(io.Discard, resp.Body, start); err != nil {
			closeBody(resp, f.info.URL)
			return nil, httpPkg.ClassifyError(err)
		}
	}

	return resp, nil
}

func wrapError(err error, url string) error {
	var te *perrors.TransferError
	if errors.As(err, &te) || errors.Is(err, context.Canceled) {
		return err
	}

	return perrors.NewNetworkError(err, url, httpPkg.IsRetryable(err))
}

func calculateBackoff(retryCount int, baseDelay time.Duration) time.Duration {
	delay := baseDelay * (1 << uint(retryCount))

	jitter := time.Duration(rand.Float64() * float64(delay) * 0.2) // +/- 10%
	finalDelay := delay + jitter - (time.Duration(float64(delay) * 0.1))

	maxDelay := 2 * time.Minute
	if finalDelay > maxDelay {
		finalDelay = maxDelay
	}

	return finalDelay
}
