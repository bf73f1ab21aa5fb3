package pubmatic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw         string
		want        Status
		affirmative bool
	}{
		{"bidstatus=1;wdeal=", Status{BidStatus: "1"}, true},
		{"bidstatus=1;wdeal=PM-1", Status{BidStatus: "1", DealID: "PM-1"}, true},
		{"wdeal:D9; bidstatus:1", Status{BidStatus: "1", DealID: "D9"}, true},
		{"bidstatus=0;wdeal=PM-1", Status{BidStatus: "0", DealID: "PM-1"}, false},
		{"pubid=1;bidstatus=1;bidstatus=0", Status{BidStatus: "1"}, true},
		{"bidstatus=10", Status{BidStatus: "10"}, false},
		{"bidstatus", Status{}, false},
		{"pm_bidstatus=1;x_wdeal=D2", Status{BidStatus: "1", DealID: "D2"}, true},
		{"pubid=5bidstatus=1", Status{BidStatus: "1"}, true},
		{"bidstatus= 1", Status{BidStatus: " 1"}, false},
		{"bidstatus=1;wdeal", Status{BidStatus: "1"}, true},
		{"", Status{}, false},
		{"garbage", Status{}, false},
	}
	for _, tt := range tests {
		got := ParseStatus(tt.raw)
		assert.Equal(t, tt.want, got, "raw %q", tt.raw)
		assert.Equal(t, tt.affirmative, got.Affirmative(), "raw %q", tt.raw)
		assert.Equal(t, tt.want.DealID != "", got.HasDeal(), "raw %q", tt.raw)
	}
}

func TestDecodeComponent(t *testing.T) {
	assert.Equal(t, "<div>a b</div>", decodeComponent("%3Cdiv%3Ea%20b%3C%2Fdiv%3E"))
	assert.Equal(t, "a+b", decodeComponent("a+b"))
	assert.Equal(t, "100%", decodeComponent("100%"))
}
