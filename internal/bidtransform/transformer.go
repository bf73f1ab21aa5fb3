// Package bidtransform converts raw partner bid values into targeting price
// tiers and reported prices
package bidtransform

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Rounding types
const (
	RoundingFloor = "FLOOR"
	RoundingNone  = "NONE"
)

// Bucket covers values below Max (in cents) with tiers Step cents apart
type Bucket struct {
	Max  int64 `mapstructure:"max" json:"max"`
	Step int64 `mapstructure:"step" json:"step"`
}

// Config describes one transformation
type Config struct {
	// InputCentsMultiplier converts one raw bid unit into cents
	InputCentsMultiplier float64  `mapstructure:"inputCentsMultiplier" json:"inputCentsMultiplier"`
	OutputCentsDivisor   float64  `mapstructure:"outputCentsDivisor" json:"outputCentsDivisor"`
	OutputPrecision      int32    `mapstructure:"outputPrecision" json:"outputPrecision"`
	RoundingType         string   `mapstructure:"roundingType" json:"roundingType"`
	Floor                int64    `mapstructure:"floor" json:"floor"`
	Buckets              []Bucket `mapstructure:"buckets" json:"buckets"`
}

// TargetingDefaults is the price-tier configuration for bids quoted in
// units of bidUnitInCents cents
func TargetingDefaults(bidUnitInCents float64) Config {
	return Config{
		InputCentsMultiplier: bidUnitInCents,
		OutputCentsDivisor:   1,
		OutputPrecision:      0,
		RoundingType:         RoundingFloor,
		Buckets: []Bucket{
			{Max: 2000, Step: 5},
			{Max: 5000, Step: 100},
		},
	}
}

// PriceDefaults reports prices in bid units without tiering
func PriceDefaults(bidUnitInCents float64) Config {
	return Config{
		InputCentsMultiplier: bidUnitInCents,
		OutputCentsDivisor:   bidUnitInCents,
		OutputPrecision:      0,
		RoundingType:         RoundingNone,
	}
}

// Transformer applies a Config
type Transformer struct {
	multiplier decimal.Decimal
	divisor    decimal.Decimal
	precision  int32
	floor      bool
	minimum    decimal.Decimal
	buckets    []Bucket
}

// New validates cfg and builds a transformer
func New(cfg Config) (*Transformer, error) {
	var problems []string
	if cfg.InputCentsMultiplier <= 0 {
		problems = append(problems, "inputCentsMultiplier must be positive")
	}
	if cfg.OutputCentsDivisor <= 0 {
		problems = append(problems, "outputCentsDivisor must be positive")
	}
	if cfg.OutputPrecision < 0 {
		problems = append(problems, "outputPrecision must not be negative")
	}
	rounding := strings.ToUpper(cfg.RoundingType)
	if rounding == "" {
		rounding = RoundingFloor
	}
	if rounding != RoundingFloor && rounding != RoundingNone {
		problems = append(problems, fmt.Sprintf("unknown roundingType %q", cfg.RoundingType))
	}
	var last int64
	for i, b := range cfg.Buckets {
		if b.Step <= 0 {
			problems = append(problems, fmt.Sprintf("bucket %d: step must be positive", i))
		}
		if b.Max <= last {
			problems = append(problems, fmt.Sprintf("bucket %d: max must increase", i))
		}
		last = b.Max
	}
	if len(problems) > 0 {
		return nil, errors.New("invalid bid transformer config: " + strings.Join(problems, "; "))
	}

	return &Transformer{
		multiplier: decimal.NewFromFloat(cfg.InputCentsMultiplier),
		divisor:    decimal.NewFromFloat(cfg.OutputCentsDivisor),
		precision:  cfg.OutputPrecision,
		floor:      rounding == RoundingFloor,
		minimum:    decimal.NewFromInt(cfg.Floor),
		buckets:    append([]Bucket(nil), cfg.Buckets...),
	}, nil
}

// MustNew is New for known-good configurations
func MustNew(cfg Config) *Transformer {
	t, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return t
}

// Apply transforms a raw bid value into its output string
func (t *Transformer) Apply(raw float64) string {
	return t.format(t.transform(fromFloat(raw)))
}

// ApplyFloat is Apply returning a number
func (t *Transformer) ApplyFloat(raw float64) float64 {
	v, _ := t.transform(fromFloat(raw)).Float64()
	return v
}

// fromFloat treats NaN and infinities as zero
func fromFloat(raw float64) decimal.Decimal {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(raw)
}

func (t *Transformer) transform(raw decimal.Decimal) decimal.Decimal {
	cents := raw.Mul(t.multiplier)
	if cents.LessThan(t.minimum) || cents.IsNegative() {
		return decimal.Zero
	}
	if len(t.buckets) > 0 {
		cents = t.bucket(cents)
	}
	out := cents.Div(t.divisor)
	if t.floor {
		out = out.RoundFloor(t.precision)
	}
	return out
}

// bucket floors cents to the step of the bucket it falls in; values at or
// above the last max are capped there
func (t *Transformer) bucket(cents decimal.Decimal) decimal.Decimal {
	for _, b := range t.buckets {
		limit := decimal.NewFromInt(b.Max)
		if cents.LessThan(limit) {
			step := decimal.NewFromInt(b.Step)
			return cents.Div(step).Floor().Mul(step)
		}
	}
	return decimal.NewFromInt(t.buckets[len(t.buckets)-1].Max)
}

func (t *Transformer) format(v decimal.Decimal) string {
	if t.floor {
		return v.StringFixed(t.precision)
	}
	return v.String()
}
