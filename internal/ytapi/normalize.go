package ytapi

import (
	"fmt"
	"time"

	"google.golang.org/api/youtube/v3"

	"github.com/you/chatrelay/internal/core"
)

// Converted is the result of normalizing one page of LiveChatMessage
// resources, whichever transport delivered them.
type Converted struct {
	Messages []core.Message
	Removed  []string
	Skipped  int
	// Ended is set when the page carried a chat-ended event or an offline time.
	Ended bool
}

// Convert normalizes a list response. The gRPC stream decodes into the same
// resource types, so both transports share this path.
func Convert(resp *youtube.LiveChatMessageListResponse, source core.Mode, now time.Time) Converted {
	var out Converted
	if resp == nil {
		return out
	}
	if resp.OfflineAt != "" {
		out.Ended = true
	}
	for _, item := range resp.Items {
		if item == nil || item.Id == "" || item.Snippet == nil {
			out.Skipped++
			continue
		}
		switch item.Snippet.Type {
		case "messageDeletedEvent":
			if d := item.Snippet.MessageDeletedDetails; d != nil && d.DeletedMessageId != "" {
				out.Removed = append(out.Removed, d.DeletedMessageId)
			}
			continue
		case "messageRetractedEvent":
			if d := item.Snippet.MessageRetractedDetails; d != nil && d.RetractedMessageId != "" {
				out.Removed = append(out.Removed, d.RetractedMessageId)
			}
			continue
		case "chatEndedEvent":
			out.Ended = true
			continue
		}
		msg, ok := convertMessage(item, source, now)
		if !ok {
			out.Skipped++
			continue
		}
		out.Messages = append(out.Messages, msg)
	}
	return out
}

func convertMessage(item *youtube.LiveChatMessage, source core.Mode, now time.Time) (core.Message, bool) {
	sn := item.Snippet
	msg := core.Message{
		ID:          item.Id,
		Text:        sn.DisplayMessage,
		PublishedAt: parsePublished(sn.PublishedAt, now),
		ReceivedAt:  now,
		Source:      source,
	}
	if msg.Text == "" && sn.TextMessageDetails != nil {
		msg.Text = sn.TextMessageDetails.MessageText
	}
	if a := item.AuthorDetails; a != nil {
		msg.Author = core.Author{ChannelID: a.ChannelId, Name: a.DisplayName, ImageURL: a.ProfileImageUrl}
		msg.Badges = core.Badges{
			Owner:     a.IsChatOwner,
			Moderator: a.IsChatModerator,
			Member:    a.IsChatSponsor,
			Verified:  a.IsVerified,
		}
	}

	switch sn.Type {
	case "textMessageEvent", "":
		msg.Payload = core.Payload{Kind: core.PayloadText}
		return msg, msg.Text != ""
	case "superChatEvent":
		d := sn.SuperChatDetails
		if d == nil {
			msg.Payload = core.Payload{Kind: core.PayloadText}
			return msg, msg.Text != ""
		}
		msg.Payload = core.Payload{
			Kind:          core.PayloadSuperChat,
			AmountDisplay: d.AmountDisplayString,
			AmountMicros:  int64(d.AmountMicros),
			Currency:      d.Currency,
		}
		if msg.Text == "" {
			msg.Text = d.UserComment
		}
	case "superStickerEvent":
		d := sn.SuperStickerDetails
		if d == nil {
			return msg, false
		}
		msg.Payload = core.Payload{
			Kind:          core.PayloadSuperSticker,
			AmountDisplay: d.AmountDisplayString,
			AmountMicros:  int64(d.AmountMicros),
			Currency:      d.Currency,
		}
		if meta := d.SuperStickerMetadata; meta != nil {
			msg.Payload.StickerID = meta.StickerId
			msg.Payload.StickerAlt = meta.AltText
		}
	case "newSponsorEvent":
		level := "New member"
		if d := sn.NewSponsorDetails; d != nil && d.MemberLevelName != "" {
			level = d.MemberLevelName
		}
		msg.Badges.Member = true
		msg.Payload = core.Payload{Kind: core.PayloadMembership, Level: level}
	case "memberMilestoneChatEvent":
		level := "Member"
		var months int64
		if d := sn.MemberMilestoneChatDetails; d != nil {
			if d.MemberLevelName != "" {
				level = d.MemberLevelName
			}
			months = d.MemberMonth
			if msg.Text == "" {
				msg.Text = d.UserComment
			}
		}
		msg.Badges.Member = true
		msg.Payload = core.Payload{Kind: core.PayloadMembership, Level: fmt.Sprintf("%s (%d months)", level, months), Milestone: true}
	case "membershipGiftingEvent":
		count := 1
		if d := sn.MembershipGiftingDetails; d != nil && d.GiftMembershipsCount > 0 {
			count = int(d.GiftMembershipsCount)
		}
		msg.Badges.Member = true
		msg.Payload = core.Payload{Kind: core.PayloadMembershipGift, GiftCount: count}
	default:
		return msg, false
	}
	return msg, true
}

func parsePublished(s string, now time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return now.UTC()
}
