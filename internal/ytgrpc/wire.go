package ytgrpc

import (
	"fmt"

	"google.golang.org/api/youtube/v3"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from YouTube's published stream_list.proto
// (package youtube.api.v3). Only the fields we read or send are listed.
const (
	reqLiveChatID       protowire.Number = 1
	reqHL               protowire.Number = 2
	reqProfileImageSize protowire.Number = 3
	reqMaxResults       protowire.Number = 98
	reqPageToken        protowire.Number = 99
	reqPart             protowire.Number = 100

	respOfflineAt     protowire.Number = 2
	respNextPageToken protowire.Number = 100602
	respItems         protowire.Number = 1007

	msgID            protowire.Number = 101
	msgSnippet       protowire.Number = 2
	msgAuthorDetails protowire.Number = 3

	authorChannelID       protowire.Number = 10101
	authorDisplayName     protowire.Number = 103
	authorProfileImageURL protowire.Number = 104
	authorIsVerified      protowire.Number = 4
	authorIsChatOwner     protowire.Number = 5
	authorIsChatSponsor   protowire.Number = 6
	authorIsChatModerator protowire.Number = 7

	snippetType                  protowire.Number = 1
	snippetPublishedAt           protowire.Number = 4
	snippetDisplayMessage        protowire.Number = 16
	snippetTextMessageDetails    protowire.Number = 19
	snippetMessageDeletedDetails protowire.Number = 20
	snippetSuperChatDetails      protowire.Number = 27
	snippetSuperStickerDetails   protowire.Number = 28
	snippetNewSponsorDetails     protowire.Number = 29
	snippetMilestoneDetails      protowire.Number = 30
	snippetGiftingDetails        protowire.Number = 31

	textMessageText protowire.Number = 1

	deletedMessageID protowire.Number = 101

	superAmountMicros  protowire.Number = 1
	superCurrency      protowire.Number = 2
	superAmountDisplay protowire.Number = 3
	superChatComment   protowire.Number = 4
	superStickerMeta   protowire.Number = 5
	stickerMetaID      protowire.Number = 1
	stickerMetaAltText protowire.Number = 2
	sponsorLevelName   protowire.Number = 1
	milestoneLevelName protowire.Number = 1
	milestoneMonth     protowire.Number = 2
	milestoneComment   protowire.Number = 3
	giftingCount       protowire.Number = 1
	giftingLevelName   protowire.Number = 2
)

// eventType mirrors LiveChatMessageSnippet.TypeWrapper.Type.
type eventType int32

const (
	typeInvalid         eventType = 0
	typeTextMessage     eventType = 1
	typeTombstone       eventType = 2
	typeChatEnded       eventType = 4
	typeNewSponsor      eventType = 7
	typeMessageDeleted  eventType = 8
	typeMessageRetract  eventType = 9
	typeUserBanned      eventType = 10
	typeSuperChat       eventType = 15
	typeSuperSticker    eventType = 16
	typeMemberMilestone eventType = 17
	typeGifting         eventType = 18
	typeGiftReceived    eventType = 19
	typePoll            eventType = 20
)

type listRequest struct {
	LiveChatID       string
	HL               string
	ProfileImageSize uint32
	MaxResults       uint32
	PageToken        string
	Parts            []string
}

func (r listRequest) marshal() []byte {
	var b []byte
	b = appendString(b, reqLiveChatID, r.LiveChatID)
	b = appendString(b, reqHL, r.HL)
	if r.ProfileImageSize > 0 {
		b = protowire.AppendTag(b, reqProfileImageSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.ProfileImageSize))
	}
	if r.MaxResults > 0 {
		b = protowire.AppendTag(b, reqMaxResults, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.MaxResults))
	}
	b = appendString(b, reqPageToken, r.PageToken)
	for _, p := range r.Parts {
		b = protowire.AppendTag(b, reqPart, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// walk calls fn for every field in b. fn receives the raw value bytes for
// length-delimited fields and the decoded varint otherwise.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("ytgrpc: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("ytgrpc: field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}

// typeNames maps the enum onto the REST resource's snippet.type strings.
var typeNames = map[eventType]string{
	typeTextMessage:     "textMessageEvent",
	typeTombstone:       "tombstone",
	typeChatEnded:       "chatEndedEvent",
	typeNewSponsor:      "newSponsorEvent",
	typeMessageDeleted:  "messageDeletedEvent",
	typeMessageRetract:  "messageRetractedEvent",
	typeUserBanned:      "userBannedEvent",
	typeSuperChat:       "superChatEvent",
	typeSuperSticker:    "superStickerEvent",
	typeMemberMilestone: "memberMilestoneChatEvent",
	typeGifting:         "membershipGiftingEvent",
	typeGiftReceived:    "giftMembershipReceivedEvent",
	typePoll:            "pollEvent",
}

// unmarshalResponse decodes a StreamList frame into the REST resource types,
// which carry the same fields under the same names.
func unmarshalResponse(b []byte) (*youtube.LiveChatMessageListResponse, error) {
	resp := &youtube.LiveChatMessageListResponse{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, _ uint64, raw []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case respOfflineAt:
			resp.OfflineAt = string(raw)
		case respNextPageToken:
			resp.NextPageToken = string(raw)
		case respItems:
			msg, err := unmarshalMessage(raw)
			if err != nil {
				return err
			}
			resp.Items = append(resp.Items, msg)
		}
		return nil
	})
	return resp, err
}

func unmarshalMessage(b []byte) (*youtube.LiveChatMessage, error) {
	msg := &youtube.LiveChatMessage{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, _ uint64, raw []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		var err error
		switch num {
		case msgID:
			msg.Id = string(raw)
		case msgSnippet:
			msg.Snippet, err = unmarshalSnippet(raw)
		case msgAuthorDetails:
			msg.AuthorDetails, err = unmarshalAuthor(raw)
		}
		return err
	})
	return msg, err
}

func unmarshalAuthor(b []byte) (*youtube.LiveChatMessageAuthorDetails, error) {
	a := &youtube.LiveChatMessageAuthorDetails{}
	err := walk(b, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case authorChannelID:
			a.ChannelId = string(raw)
		case authorDisplayName:
			a.DisplayName = string(raw)
		case authorProfileImageURL:
			a.ProfileImageUrl = string(raw)
		case authorIsVerified:
			a.IsVerified = v != 0
		case authorIsChatOwner:
			a.IsChatOwner = v != 0
		case authorIsChatSponsor:
			a.IsChatSponsor = v != 0
		case authorIsChatModerator:
			a.IsChatModerator = v != 0
		}
		return nil
	})
	return a, err
}

func unmarshalSnippet(b []byte) (*youtube.LiveChatMessageSnippet, error) {
	s := &youtube.LiveChatMessageSnippet{}
	err := walk(b, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case snippetType:
			s.Type = typeNames[eventType(v)]
		case snippetPublishedAt:
			s.PublishedAt = string(raw)
		case snippetDisplayMessage:
			s.DisplayMessage = string(raw)
		case snippetTextMessageDetails:
			d := &youtube.LiveChatTextMessageDetails{}
			s.TextMessageDetails = d
			return walk(raw, func(n protowire.Number, _ protowire.Type, _ uint64, r []byte) error {
				if n == textMessageText {
					d.MessageText = string(r)
				}
				return nil
			})
		case snippetMessageDeletedDetails:
			d := &youtube.LiveChatMessageDeletedDetails{}
			s.MessageDeletedDetails = d
			return walk(raw, func(n protowire.Number, _ protowire.Type, _ uint64, r []byte) error {
				if n == deletedMessageID {
					d.DeletedMessageId = string(r)
				}
				return nil
			})
		case snippetSuperChatDetails:
			d := &youtube.LiveChatSuperChatDetails{}
			s.SuperChatDetails = d
			return walk(raw, func(n protowire.Number, _ protowire.Type, v uint64, r []byte) error {
				switch n {
				case superAmountMicros:
					d.AmountMicros = v
				case superCurrency:
					d.Currency = string(r)
				case superAmountDisplay:
					d.AmountDisplayString = string(r)
				case superChatComment:
					d.UserComment = string(r)
				}
				return nil
			})
		case snippetSuperStickerDetails:
			d := &youtube.LiveChatSuperStickerDetails{}
			s.SuperStickerDetails = d
			return walk(raw, func(n protowire.Number, _ protowire.Type, v uint64, r []byte) error {
				switch n {
				case superAmountMicros:
					d.AmountMicros = v
				case superCurrency:
					d.Currency = string(r)
				case superAmountDisplay:
					d.AmountDisplayString = string(r)
				case superStickerMeta:
					meta := &youtube.SuperStickerMetadata{}
					d.SuperStickerMetadata = meta
					return walk(r, func(mn protowire.Number, _ protowire.Type, _ uint64, mr []byte) error {
						switch mn {
						case stickerMetaID:
							meta.StickerId = string(mr)
						case stickerMetaAltText:
							meta.AltText = string(mr)
						}
						return nil
					})
				}
				return nil
			})
		case snippetNewSponsorDetails:
			d := &youtube.LiveChatNewSponsorDetails{}
			s.NewSponsorDetails = d
			return walk(raw, func(n protowire.Number, _ protowire.Type, _ uint64, r []byte) error {
				if n == sponsorLevelName {
					d.MemberLevelName = string(r)
				}
				return nil
			})
		case snippetMilestoneDetails:
			d := &youtube.LiveChatMemberMilestoneChatDetails{}
			s.MemberMilestoneChatDetails = d
			return walk(raw, func(n protowire.Number, _ protowire.Type, v uint64, r []byte) error {
				switch n {
				case milestoneLevelName:
					d.MemberLevelName = string(r)
				case milestoneMonth:
					d.MemberMonth = int64(v)
				case milestoneComment:
					d.UserComment = string(r)
				}
				return nil
			})
		case snippetGiftingDetails:
			d := &youtube.LiveChatMembershipGiftingDetails{}
			s.MembershipGiftingDetails = d
			return walk(raw, func(n protowire.Number, _ protowire.Type, v uint64, r []byte) error {
				switch n {
				case giftingCount:
					d.GiftMembershipsCount = int64(int32(v))
				case giftingLevelName:
					d.GiftMembershipsLevelName = string(r)
				}
				return nil
			})
		}
		return nil
	})
	return s, err
}

// frame carries pre-encoded message bytes through the grpc codec.
type frame struct {
	data []byte
}

// rawCodec passes frames through untouched. It registers under the "proto"
// name so the wire content-type matches what the server expects.
type rawCodec struct{}

func (rawCodec) Name() string { return "proto" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("ytgrpc: cannot marshal %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("ytgrpc: cannot unmarshal into %T", v)
	}
	f.data = append(f.data[:0], data...)
	return nil
}
