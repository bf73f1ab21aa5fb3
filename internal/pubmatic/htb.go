// Package pubmatic implements the PubMatic header-tag partner. Slot requests
// are dispatched into frames that run the PubMatic loader script; the loader
// reports back through a path-addressed callback, racing a timeout, and the
// reported maps are normalized into bid or pass parcels.
package pubmatic

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"github.com/thenexusengine/pubmatic_htb/internal/bidtransform"
	"github.com/thenexusengine/pubmatic_htb/internal/callbacks"
	"github.com/thenexusengine/pubmatic_htb/internal/frame"
	"github.com/thenexusengine/pubmatic_htb/internal/metrics"
	"github.com/thenexusengine/pubmatic_htb/internal/parcel"
	"github.com/thenexusengine/pubmatic_htb/internal/pending"
	"github.com/thenexusengine/pubmatic_htb/internal/pixel"
	"github.com/thenexusengine/pubmatic_htb/internal/render"
	"github.com/thenexusengine/pubmatic_htb/internal/telemetry"
	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

// Partner profile
const (
	PartnerID      = "PubmaticHtb"
	Namespace      = "PubmaticHtb"
	StatsID        = "PUBM"
	Version        = "2.1.2"
	BidUnitInCents = 100
)

// ErrCodeInvalidConfig is the code carried by every ConfigError
const ErrCodeInvalidConfig = "INVALID_CONFIG"

// ConfigError is returned by New when the configuration is unusable
type ConfigError struct {
	Code     string
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, strings.Join(e.Problems, "; "))
}

// TargetingKeys names the targeting keys set on bids
type TargetingKeys struct {
	// OM carries the price tier of open marketplace bids
	OM string `mapstructure:"om" json:"om"`
	// PM and PMID carry the price tier and deal id of private marketplace bids
	PM   string `mapstructure:"pm" json:"pm"`
	PMID string `mapstructure:"pmid" json:"pmid"`
	// ID carries the request id of every bid
	ID string `mapstructure:"id" json:"id"`
}

// DefaultTargetingKeys returns the partner's standard key names
func DefaultTargetingKeys() TargetingKeys {
	return TargetingKeys{
		OM:   "ix_pubm_om",
		PM:   "ix_pubm_pm",
		PMID: "ix_pubm_pmid",
		ID:   "ix_pubm_id",
	}
}

func (k TargetingKeys) withDefaults() TargetingKeys {
	d := DefaultTargetingKeys()
	if k.OM == "" {
		k.OM = d.OM
	}
	if k.PM == "" {
		k.PM = d.PM
	}
	if k.PMID == "" {
		k.PMID = d.PMID
	}
	if k.ID == "" {
		k.ID = d.ID
	}
	return k
}

// EnabledAnalytics gates optional analytics
type EnabledAnalytics struct {
	// RequestTime enables the per-slot hs_slot_* stats events
	RequestTime bool `mapstructure:"requestTime" json:"requestTime"`
}

// BidTransformers configures price conversion. Zero values select the
// partner defaults.
type BidTransformers struct {
	Targeting *bidtransform.Config `mapstructure:"targeting" json:"targeting,omitempty"`
	Price     *bidtransform.Config `mapstructure:"price" json:"price,omitempty"`
}

// Config is the construction-time partner configuration
type Config struct {
	PublisherID string `mapstructure:"publisherId" json:"publisherId"`
	// Timeout arms a per-request timeout when positive
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout"`
	TargetingKeys TargetingKeys `mapstructure:"targetingKeys" json:"targetingKeys"`
	// DemandExpiry enables demand expiry on registered creatives when positive
	DemandExpiry     time.Duration       `mapstructure:"demandExpiry" json:"demandExpiry"`
	EnabledAnalytics EnabledAnalytics    `mapstructure:"enabledAnalytics" json:"enabledAnalytics"`
	Architecture     parcel.Architecture `mapstructure:"architecture" json:"architecture"`
	BidTransformers  BidTransformers     `mapstructure:"bidTransformers" json:"bidTransformers"`

	// ScriptURL overrides the loader script written into frames
	ScriptURL string `mapstructure:"scriptUrl" json:"scriptUrl,omitempty"`
	// CallbackBaseURL, when set, is written into frames so that out of page
	// loaders can post their maps to /callbacks/{partner}/{id}
	CallbackBaseURL string `mapstructure:"callbackBaseUrl" json:"callbackBaseUrl,omitempty"`
}

// DefaultConfig returns the profile defaults without a publisher id
func DefaultConfig() Config {
	return Config{
		TargetingKeys:    DefaultTargetingKeys(),
		EnabledAnalytics: EnabledAnalytics{RequestTime: true},
		Architecture:     parcel.ArchitectureSRA,
	}
}

// Validate reports every problem with the configuration
func (c Config) Validate() error {
	var problems []string
	id := strings.TrimSpace(c.PublisherID)
	if id == "" {
		problems = append(problems, "publisherId is required")
	} else if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		problems = append(problems, fmt.Sprintf("publisherId must be numeric, got %q", c.PublisherID))
	}
	if c.Timeout < 0 {
		problems = append(problems, "timeout must not be negative")
	}
	if c.DemandExpiry < 0 {
		problems = append(problems, "demandExpiry must not be negative")
	}
	if c.Architecture != "" && c.Architecture != parcel.ArchitectureSRA && c.Architecture != parcel.ArchitectureMRA {
		problems = append(problems, fmt.Sprintf("unknown architecture %q", c.Architecture))
	}
	if c.BidTransformers.Targeting != nil {
		if _, err := bidtransform.New(*c.BidTransformers.Targeting); err != nil {
			problems = append(problems, "bidTransformers.targeting: "+err.Error())
		}
	}
	if c.BidTransformers.Price != nil {
		if _, err := bidtransform.New(*c.BidTransformers.Price); err != nil {
			problems = append(problems, "bidTransformers.price: "+err.Error())
		}
	}
	if len(problems) > 0 {
		return &ConfigError{Code: ErrCodeInvalidConfig, Problems: problems}
	}
	return nil
}

// CreativeRegistrar stores winning creatives and returns their ad id
type CreativeRegistrar interface {
	RegisterCreative(ctx context.Context, d render.Descriptor) (string, error)
}

// TimerRegistrar runs callbacks when a session ends
type TimerRegistrar interface {
	AddTimerCallback(sessionID string, fn func())
}

// Deps are the collaborators an adapter works with. Host, Registry and
// Render are required.
type Deps struct {
	Host     frame.Host
	Registry *callbacks.Registry
	Render   CreativeRegistrar

	Store       *pending.Store
	Timer       TimerRegistrar
	Emitter     telemetry.Emitter
	Partitioner parcel.Partitioner
	Pixel       render.WinNotifier
	Metrics     *metrics.Metrics
}

// Future resolves once with a dispatched group's annotated parcels
type Future struct {
	*pending.Future
	// ID is the group's correlation id
	ID string
	// FrameID identifies the frame the group was written into; empty when
	// no frame could be created
	FrameID string
}

// Adapter is one configured PubMatic partner instance
type Adapter struct {
	cfg         Config
	publisherID string

	host        frame.Host
	registry    *callbacks.Registry
	render      CreativeRegistrar
	store       *pending.Store
	timer       TimerRegistrar
	emitter     telemetry.Emitter
	partitioner parcel.Partitioner
	pixel       render.WinNotifier
	metrics     *metrics.Metrics

	targeting *bidtransform.Transformer
	price     *bidtransform.Transformer

	log   zerolog.Logger
	now   func() time.Time
	newID func() (string, error)
}

// New validates cfg and builds an adapter
func New(cfg Config, deps Deps) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Host == nil || deps.Registry == nil || deps.Render == nil {
		return nil, errors.New("pubmatic: host, registry and render dependencies are required")
	}

	targetingCfg := bidtransform.TargetingDefaults(BidUnitInCents)
	if cfg.BidTransformers.Targeting != nil {
		targetingCfg = *cfg.BidTransformers.Targeting
	}
	priceCfg := bidtransform.PriceDefaults(BidUnitInCents)
	if cfg.BidTransformers.Price != nil {
		priceCfg = *cfg.BidTransformers.Price
	}

	a := &Adapter{
		cfg:         cfg,
		publisherID: strings.TrimSpace(cfg.PublisherID),
		host:        deps.Host,
		registry:    deps.Registry,
		render:      deps.Render,
		store:       deps.Store,
		timer:       deps.Timer,
		emitter:     deps.Emitter,
		partitioner: deps.Partitioner,
		pixel:       deps.Pixel,
		metrics:     deps.Metrics,
		targeting:   bidtransform.MustNew(targetingCfg),
		price:       bidtransform.MustNew(priceCfg),
		log:         logger.Partner(PartnerID),
		now:         time.Now,
		newID:       newCorrelationID,
	}
	a.cfg.TargetingKeys = cfg.TargetingKeys.withDefaults()
	if a.store == nil {
		a.store = pending.NewStore()
	}
	if a.emitter == nil {
		a.emitter = telemetry.Nop{}
	}
	if a.partitioner == nil {
		a.partitioner = parcel.ForArchitecture(cfg.Architecture)
	}
	if a.pixel == nil {
		a.pixel = pixel.NewFirer(pixel.DefaultTimeout)
	}
	return a, nil
}

// Config returns the adapter's effective configuration
func (a *Adapter) Config() Config {
	return a.cfg
}

// Registry returns the adapter's callback registry
func (a *Adapter) Registry() *callbacks.Registry {
	return a.registry
}

// Pending returns the number of in-flight requests
func (a *Adapter) Pending() int {
	return a.store.Len()
}

// newCorrelationID returns "_" plus 32 hex digits, which is a valid
// identifier segment in the callback path
func newCorrelationID() (string, error) {
	u, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return "_" + strings.ReplaceAll(u.String(), "-", ""), nil
}
