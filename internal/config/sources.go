package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed sources.yaml
var defaultSources []byte

// Domain names with their own cache and response policy.
const (
	DomainPrice         = "price"
	DomainOpenInterest  = "open-interest"
	DomainMaxPain       = "max-pain"
	DomainHashrate      = "hashrate"
	DomainCohorts       = "cohorts"
	DomainExchangeFlows = "exchange-flows"
	DomainValuation     = "valuation"
)

// DomainNames lists every domain that must be configured.
var DomainNames = []string{
	DomainPrice, DomainOpenInterest, DomainMaxPain, DomainHashrate,
	DomainCohorts, DomainExchangeFlows, DomainValuation,
}

// Sources is the upstream and caching configuration.
type Sources struct {
	UserAgent string            `yaml:"userAgent"`
	RateLimit RateLimit         `yaml:"rateLimit"`
	Breaker   Breaker           `yaml:"breaker"`
	Upstreams Upstreams         `yaml:"upstreams"`
	Domains   map[string]Domain `yaml:"domains"`
	Price     Price             `yaml:"price"`
	Options   Options           `yaml:"options"`
	Onchain   Onchain           `yaml:"onchain"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type Breaker struct {
	Failures uint32        `yaml:"failures"`
	OpenFor  time.Duration `yaml:"openFor"`
}

// Upstreams holds ordered base URLs per provider. Order is fallback order.
type Upstreams struct {
	Binance        []string `yaml:"binance"`
	BinanceFutures []string `yaml:"binanceFutures"`
	Deribit        []string `yaml:"deribit"`
	Mempool        []string `yaml:"mempool"`
	Onchain        []string `yaml:"onchain"`
}

// Domain is the freshness, fetch and CDN policy of one data domain.
type Domain struct {
	Fresh                time.Duration `yaml:"fresh"`
	Stale                time.Duration `yaml:"stale"`
	Timeout              time.Duration `yaml:"timeout"`
	Retries              int           `yaml:"retries"`
	Backoff              time.Duration `yaml:"backoff"`
	Interval             string        `yaml:"interval"`
	SMaxAge              time.Duration `yaml:"sMaxAge"`
	StaleWhileRevalidate time.Duration `yaml:"staleWhileRevalidate"`
}

type Price struct {
	Symbol      string  `yaml:"symbol"`
	ATHOverride float64 `yaml:"athOverride"`
}

type Options struct {
	Currency string `yaml:"currency"`
}

// SeriesSchema declares where a daily series lives in a provider payload.
// DateFormat is a Go layout, "unix" or "unixms"; empty means YYYY-MM-DD.
type SeriesSchema struct {
	Path       string `yaml:"path"`
	DateField  string `yaml:"dateField"`
	ValueField string `yaml:"valueField"`
	DateFormat string `yaml:"dateFormat,omitempty"`
}

type Onchain struct {
	APIKeyHeader string                  `yaml:"apiKeyHeader"`
	Price        SeriesSchema            `yaml:"price"`
	Netflow      SeriesSchema            `yaml:"netflow"`
	Reserve      SeriesSchema            `yaml:"reserve"`
	Valuation    map[string]SeriesSchema `yaml:"valuation"`
	Cohorts      map[string]SeriesSchema `yaml:"cohorts"`
}

// LoadSources parses the embedded defaults, overlays path when non-empty,
// applies environment overrides and validates the result.
func LoadSources(path string) (*Sources, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(defaultSources, &doc); err != nil {
		return nil, fmt.Errorf("parse default sources: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read sources file: %w", err)
		}
		var overlay yaml.Node
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("parse sources file %s: %w", path, err)
		}
		mergeNode(&doc, &overlay)
	}

	var s Sources
	if err := doc.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	if err := s.applyEnv(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// mergeNode overlays src onto dst key by key. Mappings merge recursively so
// an overlay only replaces the fields it names; scalars and sequences
// replace wholesale. Null overlay values are ignored.
func mergeNode(dst, src *yaml.Node) {
	if src.Kind == yaml.DocumentNode {
		if len(src.Content) == 0 {
			return
		}
		src = src.Content[0]
	}
	if dst.Kind == yaml.DocumentNode && len(dst.Content) > 0 {
		dst = dst.Content[0]
	}
	if src.Kind == 0 || (src.Kind == yaml.ScalarNode && src.Tag == "!!null") {
		return
	}
	if dst.Kind != yaml.MappingNode || src.Kind != yaml.MappingNode {
		*dst = *src
		return
	}
	for i := 0; i+1 < len(src.Content); i += 2 {
		key, val := src.Content[i], src.Content[i+1]
		merged := false
		for j := 0; j+1 < len(dst.Content); j += 2 {
			if dst.Content[j].Value == key.Value {
				mergeNode(dst.Content[j+1], val)
				merged = true
				break
			}
		}
		if !merged {
			dst.Content = append(dst.Content, key, val)
		}
	}
}

func (s *Sources) applyEnv() error {
	overrides := map[string]*[]string{
		"BINANCE_BASE_URL":         &s.Upstreams.Binance,
		"BINANCE_FUTURES_BASE_URL": &s.Upstreams.BinanceFutures,
		"DERIBIT_BASE_URL":         &s.Upstreams.Deribit,
		"MEMPOOL_BASE_URL":         &s.Upstreams.Mempool,
		"ONCHAIN_BASE_URL":         &s.Upstreams.Onchain,
	}
	for key, target := range overrides {
		if v := os.Getenv(key); v != "" {
			*target = []string{v}
		}
	}
	if v := os.Getenv("PRICE_ATH_OVERRIDE"); v != "" {
		ath, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PRICE_ATH_OVERRIDE: %w", err)
		}
		s.Price.ATHOverride = ath
	}
	return nil
}

// Validate checks windows and upstream lists.
func (s *Sources) Validate() error {
	var errs []error
	for _, name := range DomainNames {
		d, ok := s.Domains[name]
		if !ok {
			errs = append(errs, fmt.Errorf("domain %s: not configured", name))
			continue
		}
		if d.Fresh <= 0 || d.Stale <= d.Fresh {
			errs = append(errs, fmt.Errorf("domain %s: need 0 < fresh < stale, got %s/%s", name, d.Fresh, d.Stale))
		}
		if d.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("domain %s: timeout must be positive", name))
		}
		if d.Retries < 0 {
			errs = append(errs, fmt.Errorf("domain %s: retries must not be negative", name))
		}
	}
	for name, urls := range map[string][]string{
		"binance":        s.Upstreams.Binance,
		"binanceFutures": s.Upstreams.BinanceFutures,
		"deribit":        s.Upstreams.Deribit,
		"mempool":        s.Upstreams.Mempool,
		"onchain":        s.Upstreams.Onchain,
	} {
		if len(urls) == 0 {
			errs = append(errs, fmt.Errorf("upstream %s: no base URLs", name))
		}
	}
	if s.Price.ATHOverride < 0 {
		errs = append(errs, errors.New("price.athOverride must not be negative"))
	}
	return errors.Join(errs...)
}
