package httpapi

import (
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/chatrelay/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order is the chronological direction of a message listing.
type Order string

const (
	OrderDesc Order = "desc"
	OrderAsc  Order = "asc"
)

// Filters narrows GET /messages and GET /count.
type Filters struct {
	Kinds   []core.PayloadKind
	Authors []string
	Since   *time.Time
	Limit   int
	Order   Order
}

// kindAliases maps every accepted ?kind= spelling to its payload kind. The
// empty kind lifts the filter.
var kindAliases = map[string]core.PayloadKind{
	"text": core.PayloadText, "chat": core.PayloadText,
	"superchat": core.PayloadSuperChat, "sc": core.PayloadSuperChat,
	"supersticker": core.PayloadSuperSticker, "sticker": core.PayloadSuperSticker,
	"membership": core.PayloadMembership, "member": core.PayloadMembership,
	"membership_gift": core.PayloadMembershipGift, "gift": core.PayloadMembershipGift,
	"all": "", "*": "",
}

var (
	errBadLimit = errors.New("limit must be a positive integer")
	errBadOrder = errors.New("order must be asc or desc")
	errBadKind  = errors.New("invalid kind filter")
	errBadSince = errors.New("invalid since parameter")
)

// ParseFilters reads limit, order, since, kind and author from a query
// string. kind and author accept repeats and comma lists.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{Limit: defaultLimit, Order: OrderDesc}
	var err error

	if f.Limit, err = parseLimit(values.Get("limit")); err != nil {
		return Filters{}, err
	}
	switch o := Order(strings.ToLower(values.Get("order"))); o {
	case "":
	case OrderAsc, OrderDesc:
		f.Order = o
	default:
		return Filters{}, errBadOrder
	}
	if raw := values.Get("since"); raw != "" {
		since, err := parseSince(raw, time.Now())
		if err != nil {
			return Filters{}, err
		}
		f.Since = &since
	}
	if f.Kinds, err = parseKinds(listValues(values["kind"])); err != nil {
		return Filters{}, err
	}
	for _, a := range listValues(values["author"]) {
		if a = strings.ToLower(a); !slices.Contains(f.Authors, a) {
			f.Authors = append(f.Authors, a)
		}
	}
	return f, nil
}

// FiltersFromRequest parses the request's query string.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errBadLimit
	}
	return min(n, maxLimit), nil
}

// parseKinds returns nil when no kind was named or when "all" appears
// anywhere in the list.
func parseKinds(parts []string) ([]core.PayloadKind, error) {
	var kinds []core.PayloadKind
	all := false
	for _, p := range parts {
		kind, ok := kindAliases[strings.ToLower(p)]
		switch {
		case !ok:
			return nil, errBadKind
		case kind == "":
			all = true
		case !slices.Contains(kinds, kind):
			kinds = append(kinds, kind)
		}
	}
	if all {
		return nil, nil
	}
	return kinds, nil
}

func listValues(raw []string) []string {
	var out []string
	for _, v := range raw {
		for part := range strings.SplitSeq(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// parseSince accepts RFC 3339, unix seconds, or a duration counted back
// from now.
func parseSince(raw string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(-d).UTC(), nil
	}
	return time.Time{}, errBadSince
}

// Matches applies the filters to one message. Author filters are
// case-insensitive substring matches; a message without a kind counts as
// text.
func (f Filters) Matches(msg core.Message) bool {
	if f.Since != nil && msg.PublishedAt.Before(*f.Since) {
		return false
	}
	if len(f.Kinds) > 0 {
		kind := msg.Payload.Kind
		if kind == "" {
			kind = core.PayloadText
		}
		if !slices.Contains(f.Kinds, kind) {
			return false
		}
	}
	if len(f.Authors) > 0 {
		name := strings.ToLower(msg.Author.Name)
		return slices.ContainsFunc(f.Authors, func(a string) bool {
			return strings.Contains(name, a)
		})
	}
	return true
}
