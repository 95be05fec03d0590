// Package ytlive reads YouTube live chat through the web client's InnerTube
// endpoints. It needs no API key.
package ytlive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/chatrelay/internal/backoff"
	"github.com/you/chatrelay/internal/core"
)

const (
	defaultBaseURL       = "https://www.youtube.com"
	defaultClientVersion = "2.20240101.00.00"
	defaultPollTimeout   = 15 * time.Second
	defaultPollDelay     = 1500 * time.Millisecond
	userAgent            = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// minRequestGap is the floor between any two requests to YouTube.
	minRequestGap = 500 * time.Millisecond
	// rebootstrapAfter consecutive unparseable responses forces a fresh page scrape.
	rebootstrapAfter = 3
	// endedAfter consecutive bootstraps without a continuation mean the chat is gone.
	endedAfter = 3
)

var errNoContinuation = errors.New("ytlive: continuation not found in initial data")

type Config struct {
	VideoID         string
	// BaseURL overrides https://www.youtube.com, for tests.
	BaseURL         string
	PollTimeoutSecs int
	HTTPClient      *http.Client
}

type Client struct {
	cfg     Config
	base    string
	http    *http.Client
	limiter *rate.Limiter
	skips   *skipLogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(cfg Config) *Client {
	timeout := defaultPollTimeout
	if cfg.PollTimeoutSecs > 0 {
		timeout = time.Duration(cfg.PollTimeoutSecs) * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		cfg:     cfg,
		base:    base,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Every(minRequestGap), 1),
		skips:   newSkipLogger(time.Now(), readSkipDebugEnv(), 0),
		now:     time.Now,
		sleep:   backoff.Sleep,
	}
}

func (c *Client) Mode() core.Mode { return core.ModeInnertube }

type session struct {
	apiKey        string
	clientVersion string
	continuation  string
}

func (s session) ready() bool { return s.continuation != "" }

// Run polls until ctx is cancelled or the chat ends. Transient failures are
// retried with backoff; a resumed cursor is tried before a fresh one.
func (c *Client) Run(ctx context.Context, resume *core.ContinuationState, out core.Output) error {
	videoID := strings.TrimSpace(c.cfg.VideoID)
	if videoID == "" {
		return core.NewAdapterError(core.ModeInnertube, core.ErrMisconfigured, errors.New("video id is required"))
	}

	bo := backoff.New()
	var (
		sess          session
		resumeCursor  string
		parseFailures int
		misses        int
		connected     bool
		total         int
		lastLog       = c.now()
	)
	if resume != nil {
		resumeCursor = resume.Cursor
	}
	defer c.skips.flush(c.now())

	retry := func(err error) error {
		kind := core.KindOf(err)
		if !kind.Retryable() {
			return err
		}
		d := bo.NextFor(kind)
		slog.Warn("ytlive: request failed, backing off", "err", err, "kind", kind, "delay", d)
		out.Notify(core.StatusEvent{Kind: core.StatusError, Mode: core.ModeInnertube, Message: err.Error(), Retrying: true})
		if !c.sleep(ctx, d) {
			return ctx.Err()
		}
		return nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !sess.ready() {
			next, err := c.bootstrap(ctx, videoID)
			switch {
			case errors.Is(err, errNoContinuation):
				misses++
				if misses >= endedAfter {
					return core.NewAdapterError(core.ModeInnertube, core.ErrStreamEnded, err)
				}
				if rerr := retry(err); rerr != nil {
					return rerr
				}
				continue
			case err != nil:
				if rerr := retry(err); rerr != nil {
					return rerr
				}
				continue
			}
			misses = 0
			if resumeCursor != "" {
				next.continuation = resumeCursor
				resumeCursor = ""
			}
			sess = next
			slog.Info("ytlive: bootstrap succeeded", "video", videoID, "version", sess.clientVersion)
		}

		body, err := c.poll(ctx, sess)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if rerr := retry(err); rerr != nil {
				return rerr
			}
			continue
		}

		now := c.now()
		res, err := parseResponse(body, now)
		if err != nil {
			parseFailures++
			if derr := out.Deliver(ctx, core.RawBatch{ParseFailed: true, LiveChatID: videoID}); derr != nil {
				return derr
			}
			if parseFailures%rebootstrapAfter == 0 {
				slog.Warn("ytlive: repeated parse failures, re-bootstrapping", "failures", parseFailures)
				sess = session{}
			}
			if rerr := retry(core.NewAdapterError(core.ModeInnertube, core.ErrParseFailure, err)); rerr != nil {
				return rerr
			}
			continue
		}
		parseFailures = 0
		bo.Reset()

		if !connected {
			connected = true
			out.Notify(core.StatusEvent{Kind: core.StatusConnected, Mode: core.ModeInnertube})
		}
		skipped := 0
		for _, s := range res.skips {
			c.skips.note(now, s)
			if s.reason != "system" {
				skipped++
			}
		}

		batch := core.RawBatch{
			Messages:   res.messages,
			Removed:    res.removed,
			Skipped:    skipped,
			LiveChatID: videoID,
			Cursor:     res.continuation,
			IntervalMS: int(res.wait.Duration / time.Millisecond),
			Wait:       res.wait,
		}
		if err := out.Deliver(ctx, batch); err != nil {
			return err
		}

		total += len(res.messages)
		if now.Sub(lastLog) >= time.Minute {
			slog.Info("ytlive: receiving", "video", videoID, "total", total)
			lastLog = now
		}

		if res.continuation == "" {
			slog.Info("ytlive: missing continuation, re-bootstrapping")
			sess = session{}
			continue
		}
		sess.continuation = res.continuation

		if !c.sleep(ctx, backoff.WaitFor(res.wait, defaultPollDelay)) {
			return ctx.Err()
		}
	}
}

func (c *Client) bootstrap(ctx context.Context, videoID string) (session, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return session{}, err
	}
	pageURL := c.base + "/live_chat?" + url.Values{"is_popout": {"1"}, "v": {videoID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return session{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := c.http.Do(req)
	if err != nil {
		return session{}, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return session{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return session{}, err
	}
	text := string(body)

	sess := session{
		apiKey:        extractQuoted(text, "INNERTUBE_API_KEY"),
		clientVersion: extractQuoted(text, "INNERTUBE_CLIENT_VERSION"),
	}
	if sess.clientVersion == "" {
		sess.clientVersion = defaultClientVersion
	}

	var data map[string]any
	if !decodeAssignment(text, "ytInitialData", &data) {
		return session{}, errNoContinuation
	}
	sess.continuation = findInitialContinuation(data)
	if sess.continuation == "" {
		return session{}, errNoContinuation
	}
	return sess, nil
}

func (c *Client) poll(ctx context.Context, sess session) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	endpoint := c.base + "/youtubei/v1/live_chat/get_live_chat"
	if sess.apiKey != "" {
		endpoint += "?key=" + url.QueryEscape(sess.apiKey)
	}

	payload := map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName":    "WEB",
				"clientVersion": sess.clientVersion,
				"hl":            "en",
			},
		},
		"continuation": sess.continuation,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Origin", defaultBaseURL)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

// classifyStatus maps an HTTP failure onto the shared error taxonomy.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
	err := fmt.Errorf("status %s: %s", resp.Status, redactSample(string(body), skipSampleMaxLen))

	kind := core.ErrTransient
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden:
		kind = core.ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		kind = core.ErrStreamEnded
	case resp.StatusCode >= 500:
		kind = core.ErrServerSide
	case resp.StatusCode >= 400:
		kind = core.ErrMisconfigured
	}
	ae := core.NewAdapterError(core.ModeInnertube, kind, err)
	ae.Status = resp.StatusCode
	return ae
}

// extractQuoted finds "KEY":"value" allowing whitespace around the colon.
func extractQuoted(text, key string) string {
	marker := `"` + key + `"`
	idx := strings.Index(text, marker)
	if idx == -1 {
		return ""
	}
	rest := strings.TrimLeft(text[idx+len(marker):], " \t\r\n")
	if !strings.HasPrefix(rest, ":") {
		return ""
	}
	rest = strings.TrimLeft(rest[1:], " \t\r\n")
	if !strings.HasPrefix(rest, `"`) {
		return ""
	}
	rest = rest[1:]
	end := strings.IndexByte(rest, '"')
	if end == -1 {
		return ""
	}
	return rest[:end]
}

// findInitialContinuation walks ytInitialData breadth first and returns the
// first continuation found under a live chat node.
func findInitialContinuation(data map[string]any) string {
	type queueItem struct {
		value      any
		inLiveChat bool
	}

	queue := []queueItem{{value: data}}
	for len(queue) > 0 {
		var item queueItem
		item, queue = queue[0], queue[1:]
		switch v := item.value.(type) {
		case map[string]any:
			currentLiveChat := item.inLiveChat || mapHasLiveChatKey(v)
			if currentLiveChat {
				if cont, _ := continuationOf(v); cont != "" {
					return cont
				}
				if endpoint := digMap(v, "continuationEndpoint", "continuationCommand"); endpoint != nil {
					if s := stringField(endpoint, "token"); s != "" {
						return s
					}
				}
			}
			for key, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: currentLiveChat || isLiveChatKey(key)})
			}
		case []any:
			for _, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: item.inLiveChat})
			}
		}
	}
	return ""
}

func isLiveChatKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "livechat")
}

func mapHasLiveChatKey(m map[string]any) bool {
	for key := range m {
		if isLiveChatKey(key) {
			return true
		}
	}
	return false
}
