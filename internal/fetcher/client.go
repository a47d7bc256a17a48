package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alvmarrod/wiki-harvester/internal/ratelimit"
	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"
)

// Options configures a Client
type Options struct {
	Endpoint           string
	Token              string
	UserAgent          string
	BaseURLFilter      string
	IncludeUserDetails bool
	Timeout            time.Duration
	// MaxBodyBytes of 0 reads responses of any size
	MaxBodyBytes int
}

// Client fetches batches of page nodes from the GraphQL endpoint
type Client struct {
	opts      Options
	query     string
	collector *colly.Collector
	logger    logrus.FieldLogger
}

// NewClient creates a client with a synchronous collector shared by all fetches
func NewClient(opts Options, logger logrus.FieldLogger) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	options := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.MaxBodySize(opts.MaxBodyBytes),
	}
	if opts.UserAgent != "" {
		options = append(options, colly.UserAgent(opts.UserAgent))
	}
	collector := colly.NewCollector(options...)
	if opts.Timeout > 0 {
		collector.SetRequestTimeout(opts.Timeout)
	}

	return &Client{
		opts:      opts,
		query:     BuildQuery(opts.IncludeUserDetails),
		collector: collector,
		logger:    logger,
	}, nil
}

// Fetch issues one request for req.First nodes after req.Cursor
func (c *Client) Fetch(ctx context.Context, req Request) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(graphQLRequest{
		Query:     c.query,
		Variables: buildVariables(c.opts.BaseURLFilter, req),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	// Clones share the HTTP backend but not callbacks
	col := c.collector.Clone()
	col.Context = ctx
	var resp *colly.Response
	var respErr error

	col.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Content-Type", "application/json")
		r.Headers.Set("Accept", "application/json")
		if c.opts.Token != "" {
			r.Headers.Set("Authorization", "Bearer "+c.opts.Token)
		}
	})
	col.OnResponse(func(r *colly.Response) {
		resp = r
	})
	col.OnError(func(r *colly.Response, err error) {
		resp = r
		respErr = err
	})

	start := time.Now()
	postErr := col.PostRaw(c.opts.Endpoint, body)
	elapsed := time.Since(start)

	fail := func(kind ErrorKind, status int, budget ratelimit.Budget, err error) (*Page, error) {
		return nil, &FetchError{
			Kind:       kind,
			Batch:      req.Batch,
			Cursor:     req.Cursor,
			StatusCode: status,
			Budget:     budget,
			Err:        err,
		}
	}

	if respErr == nil {
		respErr = postErr
	}
	if respErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if resp == nil || resp.StatusCode == 0 {
			return fail(KindTransport, 0, ratelimit.Budget{}, respErr)
		}
		return c.classifyStatus(resp, respErr, fail)
	}
	if resp == nil {
		return fail(KindTransport, 0, ratelimit.Budget{}, errors.New("no response received"))
	}

	var decoded graphQLResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return fail(KindMalformed, resp.StatusCode, ratelimit.Budget{}, fmt.Errorf("decode response: %w", err))
	}
	budget := decoded.budget()

	if len(decoded.Errors) > 0 {
		msg := joinMessages(decoded)
		if isRateLimitMessage(msg) {
			return fail(KindQuotaExhausted, resp.StatusCode, budget, errors.New(msg))
		}
		if decoded.Data == nil || decoded.Data.Pages == nil {
			return fail(KindMalformed, resp.StatusCode, budget, fmt.Errorf("graphql errors: %s", msg))
		}
		c.logger.WithField("batch", req.Batch).Warnf("Partial response with GraphQL errors: %s", msg)
	}
	if decoded.Data == nil || decoded.Data.Pages == nil {
		return fail(KindMalformed, resp.StatusCode, budget, errors.New("response has no pages field"))
	}

	info := decoded.Data.Pages.PageInfo
	if info.HasNextPage && info.EndCursor == "" {
		return fail(KindMalformed, resp.StatusCode, budget, errors.New("hasNextPage without endCursor"))
	}

	page := &Page{
		Nodes:       make([]RawNode, 0, len(decoded.Data.Pages.Edges)),
		NextCursor:  info.EndCursor,
		HasNextPage: info.HasNextPage,
		Budget:      budget,
		Duration:    elapsed,
	}
	for _, edge := range decoded.Data.Pages.Edges {
		page.Nodes = append(page.Nodes, edge.Node)
	}

	c.logger.WithFields(logrus.Fields{
		"batch":     req.Batch,
		"nodes":     len(page.Nodes),
		"remaining": budget.Remaining,
		"duration":  elapsed.Round(time.Millisecond),
	}).Debug("Fetched batch")

	return page, nil
}

func (c *Client) classifyStatus(
	resp *colly.Response,
	err error,
	fail func(ErrorKind, int, ratelimit.Budget, error) (*Page, error),
) (*Page, error) {
	status := resp.StatusCode

	// Error bodies may still carry the budget and a rate limit message
	var decoded graphQLResponse
	budget := ratelimit.Budget{}
	msg := ""
	if json.Unmarshal(resp.Body, &decoded) == nil {
		budget = decoded.budget()
		msg = joinMessages(decoded)
	}
	if msg != "" {
		err = fmt.Errorf("%w: %s", err, msg)
	}

	switch {
	case status == http.StatusTooManyRequests || isRateLimitMessage(msg):
		if budget.ResetAt.IsZero() {
			budget.ResetAt = retryAfter(resp.Headers)
		}
		return fail(KindQuotaExhausted, status, budget, err)
	case status >= 500:
		return fail(KindServer, status, budget, err)
	case status == http.StatusBadRequest,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusNotFound:
		return fail(KindRejected, status, budget, err)
	default:
		return fail(KindServer, status, budget, err)
	}
}

func joinMessages(r graphQLResponse) string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		if e.Message != "" {
			msgs = append(msgs, e.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

func isRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "ratelimit")
}

// retryAfter converts a Retry-After header in seconds into an absolute reset time
func retryAfter(h *http.Header) time.Time {
	if h == nil {
		return time.Time{}
	}
	secs, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After")))
	if err != nil || secs < 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(secs) * time.Second)
}
