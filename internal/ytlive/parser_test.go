package ytlive

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/you/chatrelay/internal/core"
)

var parseNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func wrapActions(actions string, continuation string) []byte {
	return []byte(`{"continuationContents":{"liveChatContinuation":{` + continuation + `"actions":[` + actions + `]}}}`)
}

func TestParseTextMessageWithEmoji(t *testing.T) {
	body := wrapActions(`{"addChatItemAction":{"item":{"liveChatTextMessageRenderer":{
		"id":"msg-1",
		"timestampUsec":"1714564800000000",
		"authorName":{"simpleText":"Alice"},
		"authorExternalChannelId":"UC123",
		"authorPhoto":{"thumbnails":[{"url":"https://yt/a.png"}]},
		"authorBadges":[{"liveChatAuthorBadgeRenderer":{"icon":{"iconType":"MODERATOR"}}},
		                {"liveChatAuthorBadgeRenderer":{"customThumbnail":{"thumbnails":[{"url":"x"}]}}}],
		"message":{"runs":[{"text":"hi "},{"emoji":{"emojiId":"UCx/abc","shortcuts":[":wave:"],"isCustomEmoji":true,
			"image":{"thumbnails":[{"url":"//yt/small.png"},{"url":"//yt/big.png"}]}}}]}
	}}}}`, "")

	res, err := parseResponse(body, parseNow)
	if err != nil {
		t.Fatalf("parseResponse() error = %v", err)
	}
	if len(res.messages) != 1 {
		t.Fatalf("expected 1 message, got %d (skips %+v)", len(res.messages), res.skips)
	}
	msg := res.messages[0]
	if msg.ID != "msg-1" || msg.Author.Name != "Alice" || msg.Author.ChannelID != "UC123" {
		t.Fatalf("unexpected identity: %+v", msg)
	}
	if msg.Text != "hi :wave:" {
		t.Fatalf("text = %q", msg.Text)
	}
	if len(msg.Runs) != 2 || msg.Runs[1].Emoji == nil || msg.Runs[1].Emoji.ImageURL != "https://yt/big.png" || !msg.Runs[1].Emoji.Custom {
		t.Fatalf("unexpected runs: %+v", msg.Runs)
	}
	if !msg.Badges.Moderator || !msg.Badges.Member || msg.Badges.Owner {
		t.Fatalf("unexpected badges: %+v", msg.Badges)
	}
	if msg.Payload.Kind != core.PayloadText || msg.Source != core.ModeInnertube {
		t.Fatalf("unexpected payload/source: %+v %s", msg.Payload, msg.Source)
	}
	if !msg.PublishedAt.Equal(time.Unix(1714564800, 0)) {
		t.Fatalf("published = %v", msg.PublishedAt)
	}
}

func TestParsePaidAndStickerMessages(t *testing.T) {
	body := wrapActions(`
		{"addChatItemAction":{"item":{"liveChatPaidMessageRenderer":{"id":"sc-1","authorName":{"simpleText":"Bob"},
			"purchaseAmountText":{"simpleText":"$5.00"},"message":{"runs":[{"text":"gg"}]}}}}},
		{"addChatItemAction":{"item":{"liveChatPaidStickerRenderer":{"id":"st-1","authorName":{"simpleText":"Cat"},
			"purchaseAmountText":{"simpleText":"¥1,000"},
			"sticker":{"thumbnails":[{"url":"//yt/sticker.png"}],"accessibility":{"accessibilityData":{"label":"cat waving"}}}}}}}`, "")

	res, err := parseResponse(body, parseNow)
	if err != nil {
		t.Fatalf("parseResponse() error = %v", err)
	}
	if len(res.messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(res.messages))
	}
	sc := res.messages[0].Payload
	if sc.Kind != core.PayloadSuperChat || sc.Currency != "USD" || sc.AmountMicros != 5_000_000 || sc.AmountDisplay != "$5.00" {
		t.Fatalf("unexpected superchat payload: %+v", sc)
	}
	if sc.Tier != 0 {
		t.Fatalf("parser must leave tier assignment to the pipeline, got %d", sc.Tier)
	}
	st := res.messages[1].Payload
	if st.Kind != core.PayloadSuperSticker || st.Currency != "JPY" || st.StickerURL != "https://yt/sticker.png" || st.StickerAlt != "cat waving" {
		t.Fatalf("unexpected sticker payload: %+v", st)
	}
}

func TestParseMembershipAndGift(t *testing.T) {
	body := wrapActions(`
		{"addChatItemAction":{"item":{"liveChatMembershipItemRenderer":{"id":"mem-1","authorName":{"simpleText":"Dee"},
			"headerPrimaryText":{"runs":[{"text":"Member for 6 months"}]},"headerSubtext":{"simpleText":"Gold"}}}}},
		{"addChatItemAction":{"item":{"liveChatSponsorshipsGiftPurchaseAnnouncementRenderer":{"id":"gift-1",
			"header":{"liveChatSponsorshipsHeaderRenderer":{"authorName":{"simpleText":"Eve"},
				"primaryText":{"runs":[{"text":"Gifted "},{"text":"5"},{"text":" memberships"}]}}}}}}}`, "")

	res, err := parseResponse(body, parseNow)
	if err != nil {
		t.Fatalf("parseResponse() error = %v", err)
	}
	if len(res.messages) != 2 {
		t.Fatalf("expected 2 messages, got %d (%+v)", len(res.messages), res.skips)
	}
	mem := res.messages[0]
	if mem.Payload.Kind != core.PayloadMembership || mem.Payload.Level != "Gold" || !mem.Payload.Milestone || !mem.Badges.Member {
		t.Fatalf("unexpected membership: %+v", mem)
	}
	gift := res.messages[1]
	if gift.Payload.Kind != core.PayloadMembershipGift || gift.Payload.GiftCount != 5 || gift.Author.Name != "Eve" {
		t.Fatalf("unexpected gift: %+v", gift)
	}
}

func TestParseRemovalsReplayAndSkips(t *testing.T) {
	body := wrapActions(`
		{"markChatItemAsDeletedAction":{"targetItemId":"gone-1"}},
		{"removeChatItemAction":{"targetItemId":"gone-2"}},
		{"replayChatItemAction":{"actions":[{"addChatItemAction":{"item":{"liveChatTextMessageRenderer":{
			"id":"replayed","authorName":{"simpleText":"Fay"},"message":{"simpleText":"old"}}}}}]}},
		{"addChatItemAction":{"item":{"liveChatViewerEngagementMessageRenderer":{"id":"sys"}}}},
		{"addChatItemAction":{"item":{"liveChatTextMessageRenderer":{"authorName":{"simpleText":"NoID"}}}}},
		{"someFutureAction":{"token":"x"}}`, "")

	res, err := parseResponse(body, parseNow)
	if err != nil {
		t.Fatalf("parseResponse() error = %v", err)
	}
	if strings.Join(res.removed, ",") != "gone-1,gone-2" {
		t.Fatalf("removed = %v", res.removed)
	}
	if len(res.messages) != 1 || res.messages[0].ID != "replayed" {
		t.Fatalf("expected replayed message, got %+v", res.messages)
	}
	reasons := map[string]int{}
	for _, s := range res.skips {
		reasons[s.reason]++
	}
	if reasons["system"] != 1 || reasons["malformed"] != 1 || reasons["unrecognized"] != 1 {
		t.Fatalf("unexpected skip reasons: %v", reasons)
	}
}

func TestParseContinuationKinds(t *testing.T) {
	tests := []struct {
		name string
		cont string
		kind core.WaitKind
		wait time.Duration
	}{
		{"invalidation", `{"invalidationContinuationData":{"continuation":"inv","timeoutMs":10000}}`, core.WaitRecommended, 10 * time.Second},
		{"timed string timeout", `{"timedContinuationData":{"continuation":"timed","timeoutMs":"8000"}}`, core.WaitMandatory, 8 * time.Second},
		{"reload", `{"reloadContinuationData":{"continuation":"reload"}}`, core.WaitRecommended, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body := wrapActions("", `"continuations":[`+tc.cont+`],`)
			res, err := parseResponse(body, parseNow)
			if err != nil {
				t.Fatalf("parseResponse() error = %v", err)
			}
			if res.continuation == "" {
				t.Fatalf("expected continuation")
			}
			if res.wait.Kind != tc.kind || res.wait.Duration != tc.wait {
				t.Fatalf("wait = %+v, want %s/%v", res.wait, tc.kind, tc.wait)
			}
		})
	}
}

func TestParseRejectsMalformedEnvelope(t *testing.T) {
	if _, err := parseResponse([]byte("<html>"), parseNow); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := parseResponse([]byte(`{"responseContext":{}}`), parseNow); !errors.Is(err, errNoLiveChat) {
		t.Fatalf("expected errNoLiveChat, got %v", err)
	}
}

func TestRedactSampleMasksLongTokens(t *testing.T) {
	in := `{"continuation":"` + strings.Repeat("A", 48) + `"}`
	out := redactSample(in, 200)
	if strings.Contains(out, strings.Repeat("A", 32)) {
		t.Fatalf("token leaked: %s", out)
	}
}

func TestFormatByKindIsSorted(t *testing.T) {
	got := formatByKind(map[string]int{"ticker": 2, "banner": 1}, "%s:%d")
	if got != "{banner:1 ticker:2}" {
		t.Fatalf("formatByKind = %s", got)
	}
	if got := formatByKind(map[string]string{}, "%s:%q"); got != "{}" {
		t.Fatalf("empty = %s", got)
	}
}
