package ytgrpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protowire"

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

type fakeResolver struct{ id string }

func (f fakeResolver) LiveChatID(context.Context, string) (string, error) { return f.id, nil }

// streamCall is what the fake server saw on one StreamList call.
type streamCall struct {
	method string
	apiKey string
	req    map[protowire.Number]string
}

// fakeServer answers StreamList calls with the scripted handler for each call.
func fakeServer(t *testing.T, script ...func(grpc.ServerStream) error) (*bufconn.Listener, *[]streamCall) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	var (
		mu    sync.Mutex
		calls []streamCall
	)
	handler := func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		md, _ := metadata.FromIncomingContext(stream.Context())
		var f frame
		if err := stream.RecvMsg(&f); err != nil {
			return err
		}
		call := streamCall{method: method, req: decodeStrings(f.data)}
		if keys := md.Get(apiKeyHeader); len(keys) > 0 {
			call.apiKey = keys[0]
		}
		mu.Lock()
		n := len(calls)
		calls = append(calls, call)
		mu.Unlock()
		if n >= len(script) {
			<-stream.Context().Done()
			return nil
		}
		return script[n](stream)
	}
	srv := grpc.NewServer(grpc.ForceServerCodec(rawCodec{}), grpc.UnknownServiceHandler(handler))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis, &calls
}

func decodeStrings(b []byte) map[protowire.Number]string {
	out := map[protowire.Number]string{}
	_ = walk(b, func(num protowire.Number, typ protowire.Type, _ uint64, raw []byte) error {
		if typ == protowire.BytesType {
			if _, seen := out[num]; !seen {
				out[num] = string(raw)
			}
		}
		return nil
	})
	return out
}

func bytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func varintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func textItem(id, text string) []byte {
	var snippet []byte
	snippet = varintField(snippet, snippetType, uint64(typeTextMessage))
	snippet = bytesField(snippet, snippetPublishedAt, []byte("2024-05-01T12:00:00Z"))
	snippet = bytesField(snippet, snippetDisplayMessage, []byte(text))
	var author []byte
	author = bytesField(author, authorChannelID, []byte("UC"+id))
	author = bytesField(author, authorDisplayName, []byte("viewer "+id))
	author = varintField(author, authorIsChatSponsor, 1)
	var msg []byte
	msg = bytesField(msg, msgID, []byte(id))
	msg = bytesField(msg, msgSnippet, snippet)
	msg = bytesField(msg, msgAuthorDetails, author)
	return msg
}

func response(token string, items ...[]byte) *frame {
	var b []byte
	for _, it := range items {
		b = bytesField(b, respItems, it)
	}
	if token != "" {
		b = bytesField(b, respNextPageToken, []byte(token))
	}
	return &frame{data: b}
}

func testClient(lis *bufconn.Listener, cfg Config, cancelAfter int, cancel context.CancelFunc) (*Client, *[]time.Duration) {
	cfg.Target = "passthrough:///bufnet"
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	c := New(cfg)
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

func TestRunReconnectsWithLastPageToken(t *testing.T) {
	lis, calls := fakeServer(t,
		func(s grpc.ServerStream) error {
			return s.SendMsg(response("tok-1", textItem("m1", "first")))
		},
		func(s grpc.ServerStream) error {
			if err := s.SendMsg(response("tok-2", textItem("m2", "second"))); err != nil {
				return err
			}
			return status.Error(codes.Unauthenticated, "API key not valid")
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, sleeps := testClient(lis, Config{APIKey: "primary-key", LiveChatID: "chat-1"}, 10, cancel)
	out := &recordingOutput{}

	err := c.Run(ctx, nil, out)
	if core.KindOf(err) != core.ErrAuthRejected {
		t.Fatalf("Run() error = %v, want auth_rejected", err)
	}
	if len(*calls) != 2 {
		t.Fatalf("expected 2 stream calls, got %d", len(*calls))
	}
	first, second := (*calls)[0], (*calls)[1]
	if first.method != streamMethod || first.apiKey != "primary-key" || first.req[reqLiveChatID] != "chat-1" {
		t.Fatalf("unexpected first call: %+v", first)
	}
	if _, ok := first.req[reqPageToken]; ok {
		t.Fatalf("first call must not carry a page token")
	}
	if second.req[reqPageToken] != "tok-1" {
		t.Fatalf("reconnect used page token %q, want tok-1", second.req[reqPageToken])
	}
	if len(*sleeps) != 1 {
		t.Fatalf("expected one reconnect delay, got %v", *sleeps)
	}

	if len(out.batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(out.batches))
	}
	msg := out.batches[0].Messages[0]
	if msg.ID != "m1" || msg.Text != "first" || msg.Source != core.ModeGRPC || !msg.Badges.Member {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if out.batches[1].Cursor != "tok-2" {
		t.Fatalf("cursor = %q", out.batches[1].Cursor)
	}
	if out.events[0].Kind != core.StatusConnected {
		t.Fatalf("expected connected first, got %+v", out.events)
	}
}

func TestRunResolvesLiveChatAndResumes(t *testing.T) {
	lis, calls := fakeServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	c, _ := testClient(lis, Config{APIKey: "k", VideoID: "dQw4w9WgXcQ", Resolver: fakeResolver{id: "resolved"}}, 10, cancel)

	_ = c.Run(ctx, &core.ContinuationState{Cursor: "saved"}, &recordingOutput{})
	if len(*calls) == 0 {
		t.Fatalf("expected a stream call")
	}
	got := (*calls)[0].req
	if got[reqLiveChatID] != "resolved" || got[reqPageToken] != "saved" {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestRunStopsWhenChatEnds(t *testing.T) {
	ended := func(s grpc.ServerStream) error {
		var snippet, msg []byte
		snippet = varintField(snippet, snippetType, uint64(typeChatEnded))
		msg = bytesField(msg, msgID, []byte("end"))
		msg = bytesField(msg, msgSnippet, snippet)
		return s.SendMsg(response("", msg))
	}
	lis, _ := fakeServer(t, ended)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, _ := testClient(lis, Config{APIKey: "k", LiveChatID: "chat"}, 10, cancel)

	if err := c.Run(ctx, nil, &recordingOutput{}); core.KindOf(err) != core.ErrStreamEnded {
		t.Fatalf("Run() error = %v, want stream_ended", err)
	}
}

func TestClassifyStatusCodes(t *testing.T) {
	c := New(Config{})
	c.now = func() time.Time { return time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC) }
	tests := []struct {
		err  error
		want core.ErrorKind
	}{
		{status.Error(codes.Unauthenticated, "bad key"), core.ErrAuthRejected},
		{status.Error(codes.NotFound, "no chat"), core.ErrStreamEnded},
		{status.Error(codes.ResourceExhausted, "slow down"), core.ErrRateLimited},
		{status.Error(codes.PermissionDenied, "Quota exceeded for quota metric"), core.ErrQuotaExhausted},
		{status.Error(codes.PermissionDenied, "chat disabled"), core.ErrMisconfigured},
		{status.Error(codes.Unavailable, "connection reset"), core.ErrTransient},
		{status.Error(codes.Internal, "oops"), core.ErrServerSide},
		{errors.New("plain"), core.ErrTransient},
	}
	for _, tc := range tests {
		if got := core.KindOf(c.classify(tc.err)); got != tc.want {
			t.Fatalf("classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	var ae *core.AdapterError
	if !errors.As(c.classify(status.Error(codes.PermissionDenied, "quota")), &ae) || ae.Until.IsZero() {
		t.Fatalf("quota errors must carry the reset time")
	}
}

func TestRequestMarshal(t *testing.T) {
	req := listRequest{LiveChatID: "chat", HL: "en", ProfileImageSize: 64, MaxResults: 500, PageToken: "tok", Parts: []string{"id", "snippet"}}
	var parts []string
	var maxRes uint64
	err := walk(req.marshal(), func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case reqPart:
			parts = append(parts, string(raw))
		case reqMaxResults:
			maxRes = v
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk() error = %v", err)
	}
	if len(parts) != 2 || parts[1] != "snippet" || maxRes != 500 {
		t.Fatalf("unexpected request encoding: parts=%v max=%d", parts, maxRes)
	}
}
