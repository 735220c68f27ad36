package arxiv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scrypster/citegraph/internal/metrics"
	"github.com/scrypster/citegraph/pkg/types"
)

const (
	// DefaultArxivURL is the arXiv export API query endpoint.
	DefaultArxivURL = "https://export.arxiv.org/api/query"

	// DefaultScholarURL is the Semantic Scholar Graph API paper endpoint.
	DefaultScholarURL = "https://api.semanticscholar.org/graph/v1/paper"

	upstreamArxiv   = "arxiv"
	upstreamScholar = "semantic_scholar"

	maxResponseBytes = 16 << 20
)

var tracer = otel.Tracer("citegraph.arxiv")

var (
	// errAttemptTimeout marks a single HTTP attempt that ran out of its own budget.
	errAttemptTimeout = errors.New("attempt timed out")

	// errConnection marks transport failures (refused, reset, DNS).
	errConnection = errors.New("connection failed")

	// errMalformed marks a response that does not match the expected schema.
	errMalformed = errors.New("malformed response")
)

// StatusError is a non-200 HTTP answer from an upstream.
// A 404 unwraps to types.ErrNotFound, everything else to types.ErrUpstream.
type StatusError struct {
	Upstream   string
	StatusCode int
	RetryAfter string // Raw Retry-After header, if any
}

func (e *StatusError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("%s returned HTTP %d (Retry-After: %s)", e.Upstream, e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("%s returned HTTP %d", e.Upstream, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return types.ErrNotFound
	}
	return types.ErrUpstream
}

// Config holds metadata source client configuration.
type Config struct {
	// ArxivURL is the arXiv export API query endpoint (default: DefaultArxivURL)
	ArxivURL string

	// ScholarURL is the Semantic Scholar paper endpoint (default: DefaultScholarURL)
	ScholarURL string

	// ScholarAPIKey is sent as x-api-key when set.
	ScholarAPIKey string

	// UserAgent identifies the client to both upstreams.
	UserAgent string

	// AttemptTimeout bounds each HTTP attempt (default: 10s)
	AttemptTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt for
	// transient failures (default: 3). Negative disables retries.
	MaxRetries int

	// RetryBaseDelay is the first exponential backoff interval (default: 500ms)
	RetryBaseDelay time.Duration

	// MaxRetryAfter caps how long a Retry-After header may make us wait.
	// Longer waits fail the request instead (default: 30s)
	MaxRetryAfter time.Duration

	// RequestsPerSecond and Burst configure the limiter shared by every
	// outbound request (default: 3 rps, burst 1)
	RequestsPerSecond float64
	Burst             int

	// FetchCitations also requests incoming citations from Semantic Scholar.
	FetchCitations bool

	// Breaker configures the per-upstream circuit breakers.
	Breaker CircuitBreakerConfig

	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
}

// Client fetches paper records from arXiv and Semantic Scholar.
//
// All requests issued by a Client, from any goroutine, share one rate
// limiter; each upstream has its own circuit breaker. Client is safe for
// concurrent use.
type Client struct {
	arxivURL       string
	scholarURL     string
	apiKey         string
	userAgent      string
	attemptTimeout time.Duration
	maxRetries     int
	retryBase      time.Duration
	maxRetryAfter  time.Duration
	fetchCitations bool

	http           *http.Client
	limiter        *rate.Limiter
	arxivBreaker   *CircuitBreaker
	scholarBreaker *CircuitBreaker
	logger         *zap.Logger
}

// NewClient creates a metadata source client, applying defaults for unset fields.
func NewClient(config Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ArxivURL == "" {
		config.ArxivURL = DefaultArxivURL
	}
	if config.ScholarURL == "" {
		config.ScholarURL = DefaultScholarURL
	}
	if config.UserAgent == "" {
		config.UserAgent = "citegraph/1.0"
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 10 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 500 * time.Millisecond
	}
	if config.MaxRetryAfter <= 0 {
		config.MaxRetryAfter = 30 * time.Second
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 3
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	return &Client{
		arxivURL:       strings.TrimSuffix(config.ArxivURL, "/"),
		scholarURL:     strings.TrimSuffix(config.ScholarURL, "/"),
		apiKey:         config.ScholarAPIKey,
		userAgent:      config.UserAgent,
		attemptTimeout: config.AttemptTimeout,
		maxRetries:     config.MaxRetries,
		retryBase:      config.RetryBaseDelay,
		maxRetryAfter:  config.MaxRetryAfter,
		fetchCitations: config.FetchCitations,
		http:           config.HTTPClient,
		limiter:        rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		arxivBreaker:   NewCircuitBreaker(upstreamArxiv, config.Breaker, logger),
		scholarBreaker: NewCircuitBreaker(upstreamScholar, config.Breaker, logger),
		logger:         logger,
	}
}

// BreakerStates reports the circuit state of each upstream.
func (c *Client) BreakerStates() map[string]string {
	return map[string]string{
		c.arxivBreaker.Name():   c.arxivBreaker.State(),
		c.scholarBreaker.Name(): c.scholarBreaker.State(),
	}
}

// Fetch retrieves metadata and the reference list for a canonical identifier.
//
// The record is returned even when only the reference list fails; in that
// case ReferencesError summarizes the failure and the lists are empty.
// Errors wrap types.ErrNotFound, types.ErrFetchTimeout or types.ErrUpstream.
func (c *Client) Fetch(ctx context.Context, id types.PaperID) (*types.PaperRecord, error) {
	ctx, span := tracer.Start(ctx, "arxiv.Fetch", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("paper.id", id.String()))

	rec, err := c.fetchMetadata(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	refs, cites, err := c.fetchNeighbors(ctx, id)
	if err != nil {
		// Our own deadline or cancellation is not an upstream fact about the paper.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, contextError(ctxErr, upstreamScholar)
		}
		rec.ReferencesError = summarizeReferencesError(err)
		c.logger.Debug("reference list unavailable",
			zap.String("paper_id", id.String()),
			zap.Error(err),
		)
		span.SetAttributes(attribute.String("references.error", rec.ReferencesError))
		return rec, nil
	}

	rec.References = refs
	rec.Citations = cites
	span.SetAttributes(
		attribute.Int("references.count", len(refs)),
		attribute.Int("citations.count", len(cites)),
	)
	span.SetStatus(codes.Ok, "")
	return rec, nil
}

// Search runs a free-text arXiv query and returns metadata-only records.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]types.PaperRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", types.ErrInvalidOptions)
	}
	if maxResults < 1 {
		maxResults = 10
	}
	if maxResults > 100 {
		maxResults = 100
	}

	ctx, span := tracer.Start(ctx, "arxiv.Search", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("query", query), attribute.Int("max_results", maxResults))

	params := url.Values{}
	params.Set("search_query", "all:"+query)
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(maxResults))

	body, err := c.get(ctx, c.arxivBreaker, upstreamArxiv, c.arxivURL+"?"+params.Encode(), nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	feed, err := decodeFeed(body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	records := make([]types.PaperRecord, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		if entry.isError() {
			continue
		}
		rec, err := entry.record()
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// get issues a GET through the limiter, breaker and retry policy and returns
// the response body of a 200 answer.
func (c *Client) get(ctx context.Context, breaker *CircuitBreaker, upstream, rawURL string, header http.Header) ([]byte, error) {
	var lastErr error
	attempts := 0

	operation := func() ([]byte, error) {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, backoff.Permanent(fmt.Errorf("%w: %s: rate limiter: %v", types.ErrFetchTimeout, upstream, err))
		}

		var body []byte
		err := breaker.Execute(ctx, func() error {
			var err error
			body, err = c.do(ctx, upstream, rawURL, header)
			return err
		})
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !isTransient(err) {
			return nil, backoff.Permanent(err)
		}

		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
			if wait, ok := parseRetryAfter(se.RetryAfter, time.Now()); ok {
				if wait > c.maxRetryAfter {
					return nil, backoff.Permanent(err)
				}
				return nil, &backoff.RetryAfterError{Duration: wait}
			}
		}
		c.logger.Debug("retrying upstream request",
			zap.String("upstream", upstream),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryBase
	policy.MaxInterval = 8 * c.retryBase

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
	)
	if err == nil {
		return body, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, contextError(ctxErr, upstream)
	}
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %s: %w", types.ErrUpstream, upstream, err)
	}
	if lastErr != nil && isTransient(lastErr) {
		return nil, fmt.Errorf("%w: %s gave up after %d attempts: %w", types.ErrFetchTimeout, upstream, attempts, lastErr)
	}
	return nil, err
}

// do performs a single HTTP attempt bounded by the per-attempt timeout.
func (c *Client) do(ctx context.Context, upstream, rawURL string, header http.Header) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", types.ErrUpstream, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, upstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, c.transportError(ctx, upstream, err)
		}
		metrics.UpstreamRequests.WithLabelValues(upstream, "ok").Inc()
		return body, nil

	case resp.StatusCode == http.StatusNotFound:
		metrics.UpstreamRequests.WithLabelValues(upstream, "not_found").Inc()
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.UpstreamRequests.WithLabelValues(upstream, "rate_limited").Inc()
	case resp.StatusCode >= 500:
		metrics.UpstreamRequests.WithLabelValues(upstream, "server_error").Inc()
	default:
		metrics.UpstreamRequests.WithLabelValues(upstream, "error").Inc()
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return nil, &StatusError{
		Upstream:   upstream,
		StatusCode: resp.StatusCode,
		RetryAfter: strings.TrimSpace(resp.Header.Get("Retry-After")),
	}
}

func (c *Client) transportError(ctx context.Context, upstream string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		metrics.UpstreamRequests.WithLabelValues(upstream, "timeout").Inc()
		return fmt.Errorf("%w after %s: %v", errAttemptTimeout, c.attemptTimeout, err)
	}
	metrics.UpstreamRequests.WithLabelValues(upstream, "error").Inc()
	return fmt.Errorf("%w: %v", errConnection, err)
}

// isTransient reports whether a failed attempt is worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, errAttemptTimeout) || errors.Is(err, errConnection) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return false
}

func contextError(ctxErr error, upstream string) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", types.ErrFetchTimeout, upstream, ctxErr)
	}
	return ctxErr
}

// parseRetryAfter accepts both forms of the header: delay seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
