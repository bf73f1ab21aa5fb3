package pubmatic

import (
	"strings"
	"unicode/utf8"
)

// AffirmativeBidStatus is the bid status of a usable bid
const AffirmativeBidStatus = "1"

// Status is the decoded progKeyValueMap entry of one slot.
//
// The raw form looks like "bidstatus=1;wdeal=PM-1234". A value starts one
// separator character after the first occurrence of its name anywhere in
// the string and runs to the next ";" or the end. Values are not trimmed.
// An empty wdeal means no deal.
type Status struct {
	BidStatus string
	DealID    string
}

// ParseStatus decodes a raw status string. Missing fields decode to empty
// values, which classify the slot as a pass.
func ParseStatus(raw string) Status {
	return Status{
		BidStatus: fieldValue(raw, "bidstatus"),
		DealID:    fieldValue(raw, "wdeal"),
	}
}

// Affirmative reports whether the status marks a bid
func (s Status) Affirmative() bool {
	return s.BidStatus == AffirmativeBidStatus
}

// HasDeal reports whether the bid is a private marketplace bid
func (s Status) HasDeal() bool {
	return s.DealID != ""
}

func fieldValue(raw, name string) string {
	i := strings.Index(raw, name)
	if i < 0 {
		return ""
	}
	rest := raw[i+len(name):]
	if rest == "" {
		return ""
	}
	_, sep := utf8.DecodeRuneInString(rest)
	rest = rest[sep:]
	if end := strings.IndexByte(rest, ';'); end >= 0 {
		rest = rest[:end]
	}
	return rest
}
