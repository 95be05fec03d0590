// Package ytgrpc streams live chat over YouTube's server-streaming
// V3DataLiveChatMessageService.StreamList endpoint.
package ytgrpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/you/chatrelay/internal/backoff"
	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/ytapi"
)

const (
	DefaultTarget = "dns:///youtube.googleapis.com:443"

	streamMethod     = "/youtube.api.v3.V3DataLiveChatMessageService/StreamList"
	apiKeyHeader     = "x-goog-api-key"
	profileImageSize = 64
	maxResults       = 500
)

// ChatResolver finds the live chat id for a video.
type ChatResolver interface {
	LiveChatID(ctx context.Context, videoID string) (string, error)
}

type Config struct {
	APIKey     string
	VideoID    string
	LiveChatID string
	Resolver   ChatResolver
	Lang       string

	// Target and DialOptions override the endpoint and transport, for tests.
	Target      string
	DialOptions []grpc.DialOption
}

type Client struct {
	cfg Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(cfg Config) *Client {
	if cfg.Target == "" {
		cfg.Target = DefaultTarget
	}
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}
	return &Client{cfg: cfg, now: time.Now, sleep: backoff.Sleep}
}

func (c *Client) Mode() core.Mode { return core.ModeGRPC }

// Run holds a StreamList stream open, reconnecting with the last page token
// whenever the server closes it or the transport drops.
func (c *Client) Run(ctx context.Context, resume *core.ContinuationState, out core.Output) error {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return core.NewAdapterError(core.ModeGRPC, core.ErrMisconfigured, errors.New("api key is required"))
	}
	liveChatID, cursor := c.cfg.LiveChatID, ""
	if resume != nil {
		if resume.LiveChatID != "" {
			liveChatID = resume.LiveChatID
		}
		cursor = resume.Cursor
	}
	if liveChatID == "" {
		if c.cfg.Resolver == nil || c.cfg.VideoID == "" {
			return core.NewAdapterError(core.ModeGRPC, core.ErrMisconfigured, errors.New("live chat id or video id with resolver is required"))
		}
		id, err := c.cfg.Resolver.LiveChatID(ctx, c.cfg.VideoID)
		if err != nil {
			return err
		}
		liveChatID = id
	}

	opts := c.cfg.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}))}
	}
	conn, err := grpc.NewClient(c.cfg.Target, opts...)
	if err != nil {
		return core.NewAdapterError(core.ModeGRPC, core.ErrMisconfigured, fmt.Errorf("dial %s: %w", c.cfg.Target, err))
	}
	defer conn.Close()

	s := &streamState{liveChatID: liveChatID, cursor: cursor, bo: backoff.New()}
	for {
		err := c.stream(ctx, conn, s, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			kind := core.KindOf(err)
			if !kind.Retryable() {
				return err
			}
			out.Notify(core.StatusEvent{Kind: core.StatusError, Mode: core.ModeGRPC, Message: err.Error(), Retrying: true})
		}

		var kind core.ErrorKind
		if err != nil {
			kind = core.KindOf(err)
		}
		d := s.bo.NextFor(kind)
		slog.Info("ytgrpc: reconnecting", "delay", d, "err", err)
		if !c.sleep(ctx, d) {
			return ctx.Err()
		}
	}
}

type streamState struct {
	liveChatID string
	cursor     string
	connected  bool
	bo         *backoff.Backoff
}

// stream runs one StreamList call. It returns nil when the server ends the
// stream cleanly.
func (c *Client) stream(ctx context.Context, conn *grpc.ClientConn, s *streamState, out core.Output) error {
	sctx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(ctx, apiKeyHeader, c.cfg.APIKey))
	defer cancel()

	desc := &grpc.StreamDesc{StreamName: "StreamList", ServerStreams: true}
	st, err := conn.NewStream(sctx, desc, streamMethod, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		return c.classify(err)
	}
	req := listRequest{
		LiveChatID:       s.liveChatID,
		HL:               c.cfg.Lang,
		ProfileImageSize: profileImageSize,
		MaxResults:       maxResults,
		PageToken:        s.cursor,
		Parts:            []string{"id", "snippet", "authorDetails"},
	}
	if err := st.SendMsg(&frame{data: req.marshal()}); err != nil {
		return c.classify(err)
	}
	if err := st.CloseSend(); err != nil {
		return c.classify(err)
	}
	slog.Info("ytgrpc: stream open", "live_chat_id", s.liveChatID, "resumed", s.cursor != "")

	for {
		var f frame
		if err := st.RecvMsg(&f); err != nil {
			if errors.Is(err, io.EOF) {
				slog.Info("ytgrpc: stream closed by server")
				return nil
			}
			return c.classify(err)
		}

		resp, err := unmarshalResponse(f.data)
		if err != nil {
			slog.Warn("ytgrpc: undecodable frame", "err", err, "size", len(f.data))
			if derr := out.Deliver(ctx, core.RawBatch{ParseFailed: true, LiveChatID: s.liveChatID}); derr != nil {
				return derr
			}
			continue
		}

		s.bo.Reset()
		if !s.connected {
			s.connected = true
			out.Notify(core.StatusEvent{Kind: core.StatusConnected, Mode: core.ModeGRPC})
		}

		conv := ytapi.Convert(resp, core.ModeGRPC, c.now())
		if resp.NextPageToken != "" {
			s.cursor = resp.NextPageToken
		}
		batch := core.RawBatch{
			Messages:   conv.Messages,
			Removed:    conv.Removed,
			Skipped:    conv.Skipped,
			LiveChatID: s.liveChatID,
			Cursor:     s.cursor,
		}
		if err := out.Deliver(ctx, batch); err != nil {
			return err
		}
		if conv.Ended {
			return core.NewAdapterError(core.ModeGRPC, core.ErrStreamEnded, errors.New("live chat ended"))
		}
	}
}

// classify maps a gRPC status onto the shared error taxonomy.
func (c *Client) classify(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return core.NewAdapterError(core.ModeGRPC, core.ErrTransient, err)
	}
	kind := core.ErrTransient
	switch st.Code() {
	case codes.Unauthenticated:
		kind = core.ErrAuthRejected
	case codes.NotFound:
		kind = core.ErrStreamEnded
	case codes.ResourceExhausted:
		kind = core.ErrRateLimited
	case codes.PermissionDenied:
		if strings.Contains(strings.ToLower(st.Message()), "quota") {
			ae := core.NewAdapterError(core.ModeGRPC, core.ErrQuotaExhausted, err)
			ae.Until = ytapi.NextReset(c.now())
			return ae
		}
		kind = core.ErrMisconfigured
	case codes.Internal, codes.Unknown, codes.DataLoss:
		kind = core.ErrServerSide
	case codes.InvalidArgument, codes.FailedPrecondition, codes.Unimplemented, codes.OutOfRange:
		kind = core.ErrMisconfigured
	}
	return core.NewAdapterError(core.ModeGRPC, kind, err)
}
