package ytlive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotLive is returned when the target has no active stream.
	ErrNotLive = errors.New("ytlive: target is not live")
	// ErrBadTarget means the input is neither a video id, a handle nor a
	// YouTube URL.
	ErrBadTarget = errors.New("ytlive: unrecognized target")
)

// Resolver turns a channel handle or any YouTube URL into the video id of
// the stream currently live there.
type Resolver struct {
	http *http.Client
	base string
}

// NewResolver creates a resolver backed by client. A nil client gets a 10s
// timeout.
func NewResolver(client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{http: client, base: defaultBaseURL}
}

// VideoID resolves raw to a live video id. Bare ids and URLs that already
// name a video are answered without a request.
func (r *Resolver) VideoID(ctx context.Context, raw string) (string, error) {
	if id, ok := ParseVideoID(raw); ok {
		return id, nil
	}
	page, err := r.livePage(raw)
	if err != nil {
		return "", err
	}
	id, live, err := r.fetchLive(ctx, page)
	if err != nil {
		return "", err
	}
	if !live || id == "" {
		return "", ErrNotLive
	}
	return id, nil
}

// livePage maps a handle, channel or /live URL onto the page YouTube
// redirects to the current broadcast.
func (r *Resolver) livePage(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrBadTarget
	}
	if strings.HasPrefix(s, "@") {
		return r.base + "/" + s + "/live", nil
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || !isYouTubeHost(u.Host) {
		return "", fmt.Errorf("%w: %q", ErrBadTarget, raw)
	}
	p := strings.TrimSuffix(u.Path, "/")
	switch {
	case strings.HasPrefix(p, "/@"), strings.HasPrefix(p, "/channel/"), strings.HasPrefix(p, "/c/"):
		return r.base + strings.TrimSuffix(p, "/live") + "/live", nil
	case p == "/watch" && u.Query().Get("v") != "":
		return r.base + "/watch?" + url.Values{"v": {u.Query().Get("v")}}.Encode(), nil
	}
	return "", fmt.Errorf("%w: %q", ErrBadTarget, raw)
}

func (r *Resolver) fetchLive(ctx context.Context, page string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page, nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", false, ErrNotLive
	}
	if resp.StatusCode >= 400 {
		return "", false, fmt.Errorf("ytlive: resolve %s: %s", page, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return "", false, err
	}
	id, live := liveVideo(string(body))
	return id, live, nil
}

type playerResponse struct {
	VideoDetails struct {
		VideoID    string `json:"videoId"`
		IsLive     bool   `json:"isLive"`
		IsUpcoming bool   `json:"isUpcoming"`
	} `json:"videoDetails"`
	PlayabilityStatus struct {
		LiveStreamability json.RawMessage `json:"liveStreamability"`
	} `json:"playabilityStatus"`
}

// liveVideo reads the embedded player response. Scheduled streams are not
// live yet even though they already have an id.
func liveVideo(body string) (id string, live bool) {
	var pr playerResponse
	if !decodeAssignment(body, "ytInitialPlayerResponse", &pr) {
		return "", false
	}
	d := pr.VideoDetails
	if d.IsUpcoming {
		return d.VideoID, false
	}
	return d.VideoID, d.IsLive || len(pr.PlayabilityStatus.LiveStreamability) > 0
}

// decodeAssignment finds `marker = {...}` in a page script and decodes the
// object into v. Both `var marker =` and `window["marker"] =` forms match.
// json.Decoder stops after one value, so trailing script is ignored.
func decodeAssignment(body, marker string, v any) bool {
	for from := 0; ; {
		i := strings.Index(body[from:], marker)
		if i < 0 {
			return false
		}
		from += i + len(marker)

		rest := strings.TrimLeft(body[from:], " \t\r\n\"']).")
		if !strings.HasPrefix(rest, "=") {
			continue
		}
		rest = strings.TrimLeft(rest[1:], " \t\r\n")
		if !strings.HasPrefix(rest, "{") {
			continue
		}
		if err := json.NewDecoder(strings.NewReader(rest)).Decode(v); err == nil {
			return true
		}
	}
}

// ParseVideoID extracts a video id from a bare id, a watch, live, shorts or
// embed URL, or a youtu.be link.
func ParseVideoID(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if isVideoID(s) {
		return s, true
	}
	if strings.HasPrefix(s, "@") {
		return "", false
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(u.Host)
	if host == "youtu.be" {
		id := strings.Trim(u.Path, "/")
		return id, isVideoID(id)
	}
	if !isYouTubeHost(host) {
		return "", false
	}
	if id := u.Query().Get("v"); isVideoID(id) {
		return id, true
	}
	for _, prefix := range []string{"/live/", "/shorts/", "/embed/"} {
		if rest, ok := strings.CutPrefix(u.Path, prefix); ok {
			id := strings.Trim(rest, "/")
			return id, isVideoID(id)
		}
	}
	return "", false
}

func isYouTubeHost(host string) bool {
	switch strings.ToLower(host) {
	case "youtube.com", "www.youtube.com", "m.youtube.com":
		return true
	}
	return false
}

func isVideoID(s string) bool {
	if len(s) != 11 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
