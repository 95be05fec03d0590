package ytlive

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/tier"
)

var errNoLiveChat = errors.New("ytlive: response has no liveChatContinuation")

// Renderer keys that are known but carry no chat content.
var systemRenderers = map[string]bool{
	"liveChatViewerEngagementMessageRenderer":                true,
	"liveChatPlaceholderItemRenderer":                        true,
	"liveChatModeChangeMessageRenderer":                      true,
	"liveChatSponsorshipsGiftRedemptionAnnouncementRenderer": true,
	"liveChatBannerRenderer":                                 true,
	"liveChatTickerPaidMessageItemRenderer":                  true,
}

// Actions that only affect the YouTube UI.
var systemActions = map[string]bool{
	"addLiveChatTickerItemAction":          true,
	"addBannerToLiveChatCommand":           true,
	"removeBannerForLiveChatCommand":       true,
	"updateLiveChatPollAction":             true,
	"showLiveChatTooltipCommand":           true,
	"liveChatReportModerationStateCommand": true,
	"clickTrackingParams":                  true,
}

// skip describes one record the parser did not turn into a message.
type skip struct {
	reason string
	kind   string
	sample string
}

type parsed struct {
	messages     []core.Message
	removed      []string
	skips        []skip
	continuation string
	wait         core.WaitHint
}

// parseResponse decodes a get_live_chat response. A body that is not JSON or
// lacks the liveChatContinuation envelope is an error; individual records
// that cannot be understood are skipped and reported.
func parseResponse(body []byte, now time.Time) (parsed, error) {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return parsed{}, fmt.Errorf("ytlive: decode poll response: %w", err)
	}
	lc := digMap(root, "continuationContents", "liveChatContinuation")
	if lc == nil {
		return parsed{}, errNoLiveChat
	}

	var p parsed
	p.continuation, p.wait = continuationOf(lc)
	for _, action := range gatherActions(root) {
		p.action(action, now)
	}
	return p, nil
}

func gatherActions(payload map[string]any) []map[string]any {
	var out []map[string]any
	collect := func(arr []any) {
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	if arr, ok := payload["actions"].([]any); ok {
		collect(arr)
	}
	if arr, ok := payload["onResponseReceivedActions"].([]any); ok {
		collect(arr)
	}
	if lc := digMap(payload, "continuationContents", "liveChatContinuation"); lc != nil {
		if arr, ok := lc["actions"].([]any); ok {
			collect(arr)
		}
	}
	return out
}

func (p *parsed) action(action map[string]any, now time.Time) {
	for key, raw := range action {
		body, _ := raw.(map[string]any)
		switch {
		case key == "addChatItemAction":
			if item := digMap(body, "item"); item != nil {
				p.item(item, now)
			} else {
				p.skips = append(p.skips, skip{reason: "malformed", kind: key})
			}
		case key == "replayChatItemAction":
			if inner, ok := body["actions"].([]any); ok {
				for _, a := range inner {
					if m, ok := a.(map[string]any); ok {
						p.action(m, now)
					}
				}
			}
		case key == "removeChatItemAction" || key == "markChatItemAsDeletedAction":
			if id := stringField(body, "targetItemId"); id != "" {
				p.removed = append(p.removed, id)
			}
		case key == "appendContinuationItemsAction":
			if items, ok := body["continuationItems"].([]any); ok {
				for _, it := range items {
					if m, ok := it.(map[string]any); ok {
						p.item(m, now)
					}
				}
			}
		case systemActions[key]:
			if key != "clickTrackingParams" {
				p.skips = append(p.skips, skip{reason: "system", kind: key})
			}
		default:
			p.skips = append(p.skips, skip{reason: "unrecognized", kind: key, sample: sampleOf(raw)})
		}
	}
}

func (p *parsed) item(item map[string]any, now time.Time) {
	for key, raw := range item {
		r, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		var (
			msg   core.Message
			valid bool
		)
		switch key {
		case "liveChatTextMessageRenderer":
			msg, valid = textMessage(r, now)
		case "liveChatPaidMessageRenderer":
			msg, valid = paidMessage(r, now)
		case "liveChatPaidStickerRenderer":
			msg, valid = stickerMessage(r, now)
		case "liveChatMembershipItemRenderer":
			msg, valid = membershipMessage(r, now)
		case "liveChatSponsorshipsGiftPurchaseAnnouncementRenderer", "liveChatSponsorGiftAnnouncementRenderer":
			msg, valid = giftMessage(r, now)
		default:
			reason := "unrecognized"
			if systemRenderers[key] {
				reason = "system"
			}
			p.skips = append(p.skips, skip{reason: reason, kind: key, sample: sampleOf(raw)})
			continue
		}
		if !valid {
			p.skips = append(p.skips, skip{reason: "malformed", kind: key, sample: sampleOf(raw)})
			continue
		}
		p.messages = append(p.messages, msg)
	}
}

// baseMessage fills the fields every renderer shares. It fails without an id.
func baseMessage(r map[string]any, now time.Time) (core.Message, bool) {
	id := stringField(r, "id")
	if id == "" {
		return core.Message{}, false
	}
	msg := core.Message{
		ID: id,
		Author: core.Author{
			ChannelID: stringField(r, "authorExternalChannelId"),
			Name:      textField(r, "authorName"),
			ImageURL:  firstThumbnail(digMap(r, "authorPhoto")),
		},
		Badges:      badgesOf(r),
		PublishedAt: timestampField(r, "timestampUsec", now),
		ReceivedAt:  now,
		Source:      core.ModeInnertube,
	}
	if runs := runsOf(digMap(r, "message")); len(runs) > 0 {
		msg.Runs = runs
		msg.Text = core.PlainText(runs)
	}
	return msg, true
}

func textMessage(r map[string]any, now time.Time) (core.Message, bool) {
	msg, ok := baseMessage(r, now)
	if !ok {
		return msg, false
	}
	msg.Payload = core.Payload{Kind: core.PayloadText}
	return msg, msg.Text != ""
}

func paidMessage(r map[string]any, now time.Time) (core.Message, bool) {
	msg, ok := baseMessage(r, now)
	if !ok {
		return msg, false
	}
	display := textField(r, "purchaseAmountText")
	micros, currency := tier.ParseAmount(display)
	msg.Payload = core.Payload{
		Kind:          core.PayloadSuperChat,
		AmountDisplay: display,
		AmountMicros:  micros,
		Currency:      currency,
	}
	return msg, true
}

func stickerMessage(r map[string]any, now time.Time) (core.Message, bool) {
	msg, ok := baseMessage(r, now)
	if !ok {
		return msg, false
	}
	display := textField(r, "purchaseAmountText")
	micros, currency := tier.ParseAmount(display)
	stickerURL := absoluteURL(firstThumbnail(digMap(r, "sticker")))
	msg.Payload = core.Payload{
		Kind:          core.PayloadSuperSticker,
		AmountDisplay: display,
		AmountMicros:  micros,
		Currency:      currency,
		StickerID:     stickerURL,
		StickerURL:    stickerURL,
		StickerAlt:    stringField(digMap(r, "sticker", "accessibility", "accessibilityData"), "label"),
	}
	return msg, true
}

func membershipMessage(r map[string]any, now time.Time) (core.Message, bool) {
	msg, ok := baseMessage(r, now)
	if !ok {
		return msg, false
	}
	msg.Badges.Member = true
	level := textField(r, "headerSubtext")
	milestone := textField(r, "headerPrimaryText")
	if level == "" {
		level = "New member"
	}
	msg.Payload = core.Payload{Kind: core.PayloadMembership, Level: level, Milestone: milestone != ""}
	return msg, true
}

func giftMessage(r map[string]any, now time.Time) (core.Message, bool) {
	source := r
	if header := digMap(r, "header", "liveChatSponsorshipsHeaderRenderer"); header != nil {
		source = header
	}
	msg, ok := baseMessage(r, now)
	if !ok {
		return msg, false
	}
	if msg.Author.Name == "" {
		msg.Author.Name = textField(source, "authorName")
		msg.Author.ImageURL = firstThumbnail(digMap(source, "authorPhoto"))
		msg.Badges = badgesOf(source)
	}
	msg.Badges.Member = true
	text := textField(source, "primaryText")
	msg.Text = text
	msg.Payload = core.Payload{Kind: core.PayloadMembershipGift, GiftCount: giftCount(text)}
	return msg, true
}

// giftCount pulls the first number out of texts like "Gifted 5 memberships".
func giftCount(text string) int {
	var digits strings.Builder
	for _, r := range text {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		} else if digits.Len() > 0 {
			break
		}
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

func badgesOf(r map[string]any) core.Badges {
	var b core.Badges
	list, _ := r["authorBadges"].([]any)
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		renderer := digMap(m, "liveChatAuthorBadgeRenderer")
		if renderer == nil {
			continue
		}
		switch stringField(digMap(renderer, "icon"), "iconType") {
		case "OWNER":
			b.Owner = true
		case "MODERATOR":
			b.Moderator = true
		case "VERIFIED":
			b.Verified = true
		}
		if digMap(renderer, "customThumbnail") != nil {
			b.Member = true
		}
	}
	return b
}

func runsOf(node map[string]any) []core.Run {
	if node == nil {
		return nil
	}
	if s, ok := node["simpleText"].(string); ok && s != "" {
		return []core.Run{{Text: s}}
	}
	raw, _ := node["runs"].([]any)
	out := make([]core.Run, 0, len(raw))
	for _, item := range raw {
		part, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := part["text"].(string); ok {
			out = append(out, core.Run{Text: text})
			continue
		}
		emoji := digMap(part, "emoji")
		if emoji == nil {
			continue
		}
		id := stringField(emoji, "emojiId")
		if id == "" {
			continue
		}
		shortcode := ""
		if shortcuts, ok := emoji["shortcuts"].([]any); ok && len(shortcuts) > 0 {
			shortcode, _ = shortcuts[0].(string)
		}
		if shortcode == "" {
			shortcode = ":" + id + ":"
		}
		custom, _ := emoji["isCustomEmoji"].(bool)
		out = append(out, core.Run{Emoji: &core.Emoji{
			ID:        id,
			Shortcode: shortcode,
			ImageURL:  absoluteURL(lastThumbnail(digMap(emoji, "image"))),
			Custom:    custom,
		}})
	}
	return out
}

// continuationOf reads the next token and how long YouTube asks us to wait.
func continuationOf(lc map[string]any) (string, core.WaitHint) {
	list, _ := lc["continuations"].([]any)
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for _, kind := range []struct {
			key  string
			wait core.WaitKind
		}{
			{"invalidationContinuationData", core.WaitRecommended},
			{"timedContinuationData", core.WaitMandatory},
			{"reloadContinuationData", core.WaitRecommended},
			{"liveChatReplayContinuationData", core.WaitRecommended},
		} {
			data := digMap(m, kind.key)
			if data == nil {
				continue
			}
			cont := stringField(data, "continuation")
			if cont == "" {
				continue
			}
			ms, _ := numberField(data, "timeoutMs")
			return cont, core.WaitHint{Kind: kind.wait, Duration: time.Duration(ms) * time.Millisecond}
		}
	}
	return "", core.WaitHint{}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func numberField(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case float64:
		return int64(v), v > 0
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil && n > 0
	}
	return 0, false
}

func textField(m map[string]any, key string) string {
	return core.PlainText(runsOf(digMap(m, key)))
}

func firstThumbnail(node map[string]any) string {
	thumbs, _ := node["thumbnails"].([]any)
	if len(thumbs) == 0 {
		return ""
	}
	t, _ := thumbs[0].(map[string]any)
	return stringField(t, "url")
}

func lastThumbnail(node map[string]any) string {
	thumbs, _ := node["thumbnails"].([]any)
	if len(thumbs) == 0 {
		return ""
	}
	t, _ := thumbs[len(thumbs)-1].(map[string]any)
	return stringField(t, "url")
}

func absoluteURL(u string) string {
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return u
}

func timestampField(m map[string]any, key string, now time.Time) time.Time {
	if usec, ok := numberField(m, key); ok {
		return time.UnixMicro(usec).UTC()
	}
	return now.UTC()
}

func digMap(m map[string]any, keys ...string) map[string]any {
	current := m
	for _, key := range keys {
		if current == nil {
			return nil
		}
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

func sampleOf(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
