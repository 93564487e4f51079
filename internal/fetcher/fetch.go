package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

var (
	// ErrStatus is wrapped by errors for non-200 upstream responses.
	ErrStatus = errors.New("unexpected upstream status")
	// ErrTooLarge is returned when a response body exceeds MaxBytes.
	ErrTooLarge = errors.New("upstream response too large")
)

// DefaultMaxBytes caps a channel list download.
const DefaultMaxBytes = 64 << 20

// Fetcher downloads and parses source channel lists.
type Fetcher struct {
	Client    *http.Client
	UserAgent string
	// Retries is how many extra attempts a transient failure gets.
	Retries uint64
	// Backoff is the base delay between attempts.
	Backoff time.Duration
	// MaxBytes caps the response body; larger lists fail without retry.
	MaxBytes int64
}

// New returns a Fetcher with the given defaults.
func New(userAgent string, timeout time.Duration, retries uint64) *Fetcher {
	return &Fetcher{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: userAgent,
		Retries:   retries,
		Backoff:   500 * time.Millisecond,
		MaxBytes:  DefaultMaxBytes,
	}
}

// Fetch downloads url and parses it. userAgent overrides the fetcher default when set.
// Network errors and 5xx/429 responses are retried; other failures are returned at once.
func (f *Fetcher) Fetch(ctx context.Context, url, userAgent string) ([]Record, error) {
	if userAgent == "" {
		userAgent = f.UserAgent
	}

	var body []byte
	backoff := retry.WithMaxRetries(f.Retries, retry.NewExponential(f.backoff()))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		b, err := f.get(ctx, url, userAgent)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	records, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}
	return records, nil
}

func (f *Fetcher) backoff() time.Duration {
	if f.Backoff <= 0 {
		return time.Millisecond
	}
	return f.Backoff
}

func (f *Fetcher) get(ctx context.Context, url, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("NewRequest: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("Do: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: HTTP %d", ErrStatus, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, retry.RetryableError(err)
		}
		return nil, err
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("ReadAll: %w", err))
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return body, nil
}
