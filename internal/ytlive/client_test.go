package ytlive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/chatrelay/internal/core"
)

type recordingOutput struct {
	mu      sync.Mutex
	batches []core.RawBatch
	events  []core.StatusEvent
}

func (o *recordingOutput) Deliver(_ context.Context, b core.RawBatch) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, b)
	return nil
}

func (o *recordingOutput) Notify(ev core.StatusEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

const chatPage = `<html><script>
ytcfg.set({"INNERTUBE_API_KEY": "test-key", "INNERTUBE_CLIENT_VERSION":"2.20240501.01.00"});
window["ytInitialData"] = {"contents":{"liveChatRenderer":{"continuations":[{"invalidationContinuationData":{"continuation":"boot-token","timeoutMs":5000}}]}}};
</script></html>`

const endedPage = `<html><script>window["ytInitialData"] = {"contents":{"messageRenderer":{"text":"Chat is disabled"}}};</script></html>`

func pollBody(id, continuation string, timeout string) string {
	return fmt.Sprintf(`{"continuationContents":{"liveChatContinuation":{
		"continuations":[{"timedContinuationData":{"continuation":%q,"timeoutMs":%s}}],
		"actions":[{"addChatItemAction":{"item":{"liveChatTextMessageRenderer":{
			"id":%q,"authorName":{"simpleText":"Viewer"},"message":{"simpleText":"hello"}}}}}]}}}`, continuation, timeout, id)
}

// testClient points a client at srv with pacing disabled and a sleep hook
// that records every requested delay.
func testClient(srv *httptest.Server, cancelAfter int, cancel context.CancelFunc) (*Client, *[]time.Duration) {
	c := New(Config{VideoID: "dQw4w9WgXcQ", BaseURL: srv.URL})
	c.limiter = rate.NewLimiter(rate.Inf, 1)
	var sleeps []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		if len(sleeps) >= cancelAfter {
			cancel()
			return false
		}
		return ctx.Err() == nil
	}
	return c, &sleeps
}

func TestNewNormalizesTimingDefaults(t *testing.T) {
	client := New(Config{})
	if client.http.Timeout != defaultPollTimeout {
		t.Fatalf("expected http timeout %v, got %v", defaultPollTimeout, client.http.Timeout)
	}
	if client.base != defaultBaseURL {
		t.Fatalf("expected default base url, got %q", client.base)
	}

	client = New(Config{PollTimeoutSecs: 5, BaseURL: "http://local/"})
	if client.http.Timeout != 5*time.Second {
		t.Fatalf("expected http timeout 5s, got %v", client.http.Timeout)
	}
	if client.base != "http://local" {
		t.Fatalf("expected trimmed base url, got %q", client.base)
	}
}

func TestRunHonorsMandatoryWait(t *testing.T) {
	var gotKey, gotVersion, gotContinuation atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/live_chat":
			if r.URL.Query().Get("v") != "dQw4w9WgXcQ" {
				t.Errorf("unexpected video query %q", r.URL.RawQuery)
			}
			io.WriteString(w, chatPage)
		case "/youtubei/v1/live_chat/get_live_chat":
			gotKey.Store(r.URL.Query().Get("key"))
			var req struct {
				Context struct {
					Client struct {
						ClientVersion string `json:"clientVersion"`
					} `json:"client"`
				} `json:"context"`
				Continuation string `json:"continuation"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			gotVersion.Store(req.Context.Client.ClientVersion)
			gotContinuation.Store(req.Continuation)
			io.WriteString(w, pollBody("m1", "next-token", `"8000"`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, sleeps := testClient(srv, 1, cancel)
	out := &recordingOutput{}

	err := c.Run(ctx, nil, out)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 8*time.Second {
		t.Fatalf("sleeps = %v, want [8s]", *sleeps)
	}
	if gotKey.Load() != "test-key" || gotVersion.Load() != "2.20240501.01.00" || gotContinuation.Load() != "boot-token" {
		t.Fatalf("unexpected poll request: key=%v version=%v continuation=%v", gotKey.Load(), gotVersion.Load(), gotContinuation.Load())
	}
	if len(out.batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(out.batches))
	}
	b := out.batches[0]
	if b.Cursor != "next-token" || b.Wait.Kind != core.WaitMandatory || len(b.Messages) != 1 || b.Messages[0].ID != "m1" {
		t.Fatalf("unexpected batch: %+v", b)
	}
	if len(out.events) == 0 || out.events[0].Kind != core.StatusConnected {
		t.Fatalf("expected connected event, got %+v", out.events)
	}
}

func TestRunResumesFromSavedCursor(t *testing.T) {
	var first atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/live_chat" {
			io.WriteString(w, chatPage)
			return
		}
		var req struct {
			Continuation string `json:"continuation"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		first.CompareAndSwap(nil, req.Continuation)
		io.WriteString(w, pollBody("m1", "after-resume", "1000"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, _ := testClient(srv, 1, cancel)

	resume := &core.ContinuationState{Mode: core.ModeInnertube, Target: "dQw4w9WgXcQ", Cursor: "saved-token"}
	_ = c.Run(ctx, resume, &recordingOutput{})
	if first.Load() != "saved-token" {
		t.Fatalf("first poll used %v, want saved-token", first.Load())
	}
}

func TestRunRebootstrapsAfterParseFailures(t *testing.T) {
	var bootstraps atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/live_chat" {
			bootstraps.Add(1)
			io.WriteString(w, chatPage)
			return
		}
		io.WriteString(w, `{"responseContext":{"serviceTrackingParams":[]}}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, _ := testClient(srv, rebootstrapAfter+1, cancel)
	out := &recordingOutput{}

	_ = c.Run(ctx, nil, out)
	if got := bootstraps.Load(); got != 2 {
		t.Fatalf("bootstraps = %d, want 2", got)
	}
	failed := 0
	for _, b := range out.batches {
		if b.ParseFailed {
			failed++
		}
	}
	if failed != rebootstrapAfter+1 {
		t.Fatalf("parse-failed batches = %d, want %d", failed, rebootstrapAfter+1)
	}
}

func TestRunReportsStreamEndedWithoutContinuation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, endedPage)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, sleeps := testClient(srv, 100, cancel)

	err := c.Run(ctx, nil, &recordingOutput{})
	if core.KindOf(err) != core.ErrStreamEnded {
		t.Fatalf("Run() error = %v, want stream_ended", err)
	}
	if len(*sleeps) != endedAfter-1 {
		t.Fatalf("expected %d retries before giving up, got %d", endedAfter-1, len(*sleeps))
	}
}

func TestRunBacksOffOnRateLimit(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/live_chat" {
			io.WriteString(w, chatPage)
			return
		}
		if polls.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, pollBody("m1", "next", "1000"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, _ := testClient(srv, 2, cancel)
	out := &recordingOutput{}

	_ = c.Run(ctx, nil, out)
	if len(out.batches) != 1 {
		t.Fatalf("expected the retried poll to deliver, got %d batches", len(out.batches))
	}
	var retrying bool
	for _, ev := range out.events {
		if ev.Kind == core.StatusError && ev.Retrying {
			retrying = true
		}
	}
	if !retrying {
		t.Fatalf("expected a retrying error event, got %+v", out.events)
	}
}

// firstRetryDelay runs a client whose first poll fails with status and
// returns the delay it chose before retrying.
func firstRetryDelay(t *testing.T, status int) time.Duration {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/live_chat" {
			io.WriteString(w, chatPage)
			return
		}
		http.Error(w, "nope", status)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, sleeps := testClient(srv, 1, cancel)
	_ = c.Run(ctx, nil, &recordingOutput{})
	if len(*sleeps) != 1 {
		t.Fatalf("status %d: sleeps = %v, want one retry", status, *sleeps)
	}
	return (*sleeps)[0]
}

func TestRateLimitWaitsLongerThanServerError(t *testing.T) {
	limited := firstRetryDelay(t, http.StatusTooManyRequests)
	unavailable := firstRetryDelay(t, http.StatusServiceUnavailable)
	// Jitter keeps the first delay within 750ms..1250ms.
	if unavailable > 1250*time.Millisecond {
		t.Fatalf("503 retry delay = %v, want the plain first step", unavailable)
	}
	if limited < 1500*time.Millisecond || limited <= unavailable {
		t.Fatalf("429 retry delay = %v, want longer than 503's %v", limited, unavailable)
	}
}

func TestRunRequiresVideoID(t *testing.T) {
	err := New(Config{}).Run(context.Background(), nil, &recordingOutput{})
	if core.KindOf(err) != core.ErrMisconfigured {
		t.Fatalf("Run() error = %v, want misconfigured", err)
	}
}

func TestFindInitialContinuationPrefersLiveChat(t *testing.T) {
	var data map[string]any
	raw := `{"other":{"continuations":[{"reloadContinuationData":{"continuation":"wrong"}}]},
		"contents":{"liveChatRenderer":{"continuations":[{"reloadContinuationData":{"continuation":"right"}}]}}}`
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		t.Fatal(err)
	}
	if got := findInitialContinuation(data); got != "right" {
		t.Fatalf("findInitialContinuation() = %q", got)
	}
}
