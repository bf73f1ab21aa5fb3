package frame

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"
)

// Number decodes a JSON number or a numeric string. Unparseable and
// non-finite input ("NaN", "Infinity") decodes to zero.
type Number float64

// UnmarshalJSON accepts 2.5, "2.5" and null
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	s := string(data)
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		*n = 0
		return nil
	}
	*n = Number(v)
	return nil
}

// BidDetails is one row of the remote bidDetailsMap
type BidDetails struct {
	Ecpm        Number `json:"ecpm"`
	CreativeTag string `json:"creative_tag"`
	TrackingURL string `json:"tracking_url"`
	Width       Number `json:"width"`
	Height      Number `json:"height"`
}

// Response is what the remote content leaves in the frame's global scope:
// two maps keyed by the same composite slot key.
type Response struct {
	ProgKeyValueMap map[string]string     `json:"progKeyValueMap"`
	BidDetailsMap   map[string]BidDetails `json:"bidDetailsMap"`
}

// Empty reports whether the response carries no bid rows
func (r Response) Empty() bool {
	return len(r.BidDetailsMap) == 0
}

// Window holds the global scope of a frame
type Window struct {
	mu        sync.RWMutex
	response  Response
	populated bool
}

// Populate replaces the window's maps. The maps are copied.
func (w *Window) Populate(resp Response) {
	prog := make(map[string]string, len(resp.ProgKeyValueMap))
	for k, v := range resp.ProgKeyValueMap {
		prog[k] = v
	}
	bids := make(map[string]BidDetails, len(resp.BidDetailsMap))
	for k, v := range resp.BidDetailsMap {
		bids[k] = v
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.response = Response{ProgKeyValueMap: prog, BidDetailsMap: bids}
	w.populated = true
}

// Response returns the window's maps; both are nil until populated.
// Callers must not mutate them.
func (w *Window) Response() Response {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.response
}

// Populated reports whether remote content has written the maps
func (w *Window) Populated() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.populated
}
