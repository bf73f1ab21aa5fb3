// Package parcel defines the slot requests exchanged between the partner base
// and demand partner modules, and the policies that group them for dispatch.
package parcel

import (
	"fmt"
	"strconv"
	"strings"
)

// TargetingTypeSlot marks slot-level targeting on a parcel
const TargetingTypeSlot = "slot"

// Size is a width x height pair
type Size struct {
	W int `json:"w"`
	H int `json:"h"`
}

// String renders the canonical "WxH" form
func (s Size) String() string {
	return strconv.Itoa(s.W) + "x" + strconv.Itoa(s.H)
}

// IsZero reports whether the size is unset
func (s Size) IsZero() bool {
	return s.W == 0 && s.H == 0
}

// ParseSize parses the canonical "WxH" form
func ParseSize(s string) (Size, error) {
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return Size{}, fmt.Errorf("invalid size %q: missing separator", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width < 0 {
		return Size{}, fmt.Errorf("invalid size %q: bad width", s)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height < 0 {
		return Size{}, fmt.Errorf("invalid size %q: bad height", s)
	}
	return Size{W: width, H: height}, nil
}

// XSlotRef is the partner-side slot reference a parcel was generated for
type XSlotRef struct {
	AdUnitName string `json:"adUnitName"`
	Size       Size   `json:"size"`
}

// Parcel is one slot request handed to a partner module. The partner module
// annotates it in place with the outcome; ownership stays with the caller.
type Parcel struct {
	// Inputs
	HTSlotID  string   `json:"htSlotId"`
	RequestID string   `json:"requestId"`
	XSlotName string   `json:"xSlotName"`
	XSlotRef  XSlotRef `json:"xSlotRef"`

	// Outcome
	Pass          bool                `json:"pass"`
	Price         float64             `json:"price,omitempty"`
	DealID        string              `json:"dealId,omitempty"`
	Size          Size                `json:"size,omitempty"`
	TargetingType string              `json:"targetingType,omitempty"`
	Targeting     map[string][]string `json:"targeting,omitempty"`
	Adm           string              `json:"adm,omitempty"`
	AdID          string              `json:"pubKitAdId,omitempty"`

	// WinNotice fires the partner's win notification. Nil when the bid
	// carried no tracking URL.
	WinNotice func() `json:"-"`
}

// MarkPass clears any bid outcome and marks the parcel as a pass
func (p *Parcel) MarkPass() {
	p.Pass = true
	p.Price = 0
	p.DealID = ""
	p.Size = Size{}
	p.TargetingType = ""
	p.Targeting = nil
	p.Adm = ""
	p.AdID = ""
	p.WinNotice = nil
}

// Resolved reports whether the parcel carries a bid or pass outcome
func (p *Parcel) Resolved() bool {
	return p.Pass || p.Targeting != nil
}

// SlotNames groups xSlot names by htSlot id and request id. It mirrors the
// shape the analytics pipeline expects for per-slot stats events.
type SlotNames map[string]map[string][]string

// NewSlotNames indexes the parcels' xSlot names
func NewSlotNames(parcels []*Parcel) SlotNames {
	names := make(SlotNames)
	for _, p := range parcels {
		names.Add(p.HTSlotID, p.RequestID, p.XSlotName)
	}
	return names
}

// Add records one xSlot name
func (n SlotNames) Add(htSlotID, requestID, xSlotName string) {
	byRequest, ok := n[htSlotID]
	if !ok {
		byRequest = make(map[string][]string)
		n[htSlotID] = byRequest
	}
	byRequest[requestID] = append(byRequest[requestID], xSlotName)
}

// Remove deletes the first occurrence of an xSlot name. Empty entries are kept
// so that stats consumers still see the htSlot.
func (n SlotNames) Remove(htSlotID, requestID, xSlotName string) bool {
	names := n[htSlotID][requestID]
	for i, name := range names {
		if name == xSlotName {
			n[htSlotID][requestID] = append(names[:i:i], names[i+1:]...)
			return true
		}
	}
	return false
}

// Count returns the number of xSlot names
func (n SlotNames) Count() int {
	total := 0
	for _, byRequest := range n {
		for _, names := range byRequest {
			total += len(names)
		}
	}
	return total
}
