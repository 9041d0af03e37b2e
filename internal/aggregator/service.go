// Package aggregator serves each market data domain through a cached,
// fault-tolerant pipeline over the upstream adapters in sources.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/web3-frozen/market-aggregator/internal/aggregator/sources"
	"github.com/web3-frozen/market-aggregator/internal/analytics"
	"github.com/web3-frozen/market-aggregator/internal/config"
	"github.com/web3-frozen/market-aggregator/internal/envelope"
	"github.com/web3-frozen/market-aggregator/internal/fetch"
	"github.com/web3-frozen/market-aggregator/internal/freshness"
	"github.com/web3-frozen/market-aggregator/internal/series"
)

// ErrInvalidArgument marks caller mistakes such as an unknown interval.
var ErrInvalidArgument = errors.New("invalid argument")

type priceData struct {
	Daily    []series.Sample
	Spot     float64
	Boundary time.Time
}

type oiData struct {
	History series.Series
	Current *series.Sample
}

type hashrateData struct {
	Difficulty map[series.Month]float64
	Daily      []series.Sample
	Boundary   time.Time
}

type cohortData struct {
	Names   []string
	Series  series.Series
	Missing map[string]int
}

// Service exposes one operation per data domain.
type Service struct {
	cfg     *config.Sources
	binance *sources.Binance
	deribit *sources.Deribit
	mempool *sources.Mempool
	onchain *sources.Onchain
	supply  SupplyCalendar
	now     func() time.Time
	logger  *slog.Logger

	price     *Pipeline[priceData]
	oi        *Pipeline[oiData]
	options   *Pipeline[[]analytics.Instrument]
	hashrate  *Pipeline[hashrateData]
	cohorts   *Pipeline[cohortData]
	flows     *Pipeline[series.Series]
	valuation *Pipeline[series.Series]
}

type Option func(*Service)

// WithSupplyCalendar replaces the closed-form halving schedule.
func WithSupplyCalendar(c SupplyCalendar) Option {
	return func(s *Service) { s.supply = c }
}

// WithClock injects the time source used by every cache and by expiry
// selection.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(cfg *config.Sources, f *fetch.Fetcher, onchainAPIKey string, logger *slog.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:     cfg,
		binance: sources.NewBinance(f, cfg.Upstreams.Binance, cfg.Upstreams.BinanceFutures, cfg.Price.Symbol),
		deribit: sources.NewDeribit(f, cfg.Upstreams.Deribit, cfg.Options.Currency),
		mempool: sources.NewMempool(f, cfg.Upstreams.Mempool),
		onchain: sources.NewOnchain(f, cfg.Upstreams.Onchain, cfg.Onchain.APIKeyHeader, onchainAPIKey),
		supply:  DefaultSupplyCalendar(),
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	clock := freshness.WithClock(s.now)
	var err error
	if s.price, err = newPipeline[priceData](cfg, config.DomainPrice, logger, clock); err != nil {
		return nil, err
	}
	if s.oi, err = newPipeline[oiData](cfg, config.DomainOpenInterest, logger, clock); err != nil {
		return nil, err
	}
	if s.options, err = newPipeline[[]analytics.Instrument](cfg, config.DomainMaxPain, logger, clock); err != nil {
		return nil, err
	}
	if s.hashrate, err = newPipeline[hashrateData](cfg, config.DomainHashrate, logger, clock); err != nil {
		return nil, err
	}
	if s.cohorts, err = newPipeline[cohortData](cfg, config.DomainCohorts, logger, clock); err != nil {
		return nil, err
	}
	if s.flows, err = newPipeline[series.Series](cfg, config.DomainExchangeFlows, logger, clock); err != nil {
		return nil, err
	}
	if s.valuation, err = newPipeline[series.Series](cfg, config.DomainValuation, logger, clock); err != nil {
		return nil, err
	}
	return s, nil
}

func newPipeline[T any](cfg *config.Sources, domain string, logger *slog.Logger, clock freshness.Option) (*Pipeline[T], error) {
	d, ok := cfg.Domains[domain]
	if !ok {
		return nil, fmt.Errorf("domain %s: not configured", domain)
	}
	p, err := NewPipeline[T](domain, d.Fresh, d.Stale, logger, clock)
	if err != nil {
		return nil, fmt.Errorf("domain %s: %w", domain, err)
	}
	return p, nil
}

func (s *Service) policy(domain string) sources.Policy {
	d := s.cfg.Domains[domain]
	return sources.Policy{Timeout: d.Timeout, Retries: d.Retries, Backoff: d.Backoff}
}

// CacheControl is the shared-cache policy for a domain's responses.
func (s *Service) CacheControl(domain string) envelope.CacheControl {
	d := s.cfg.Domains[domain]
	return envelope.CacheControl{MaxAge: d.SMaxAge, StaleWhileRevalidate: d.StaleWhileRevalidate}
}

// Interval parses a requested interval, falling back to the domain default.
func (s *Service) Interval(domain, raw string) (series.Bucket, error) {
	def, err := series.ParseBucket(s.cfg.Domains[domain].Interval, series.Daily)
	if err != nil {
		def = series.Daily
	}
	b, err := series.ParseBucket(raw, def)
	if err != nil {
		return def, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return b, nil
}

// --- Price ---

// Price splices the long on-chain price history with exchange daily closes.
func (s *Service) Price(ctx context.Context, b series.Bucket) envelope.Envelope[Price] {
	env := s.price.Serve(ctx, config.DomainPrice, s.loadPrice)
	return envelope.Map(env, func(d priceData) Price { return s.priceView(d, b) })
}

func (s *Service) loadPrice(ctx context.Context) (priceData, string, error) {
	p := s.policy(config.DomainPrice)
	var (
		history, closes []series.Sample
		srcA, srcB      string
		errA, errB      error
		spot            float64
	)
	var g errgroup.Group
	g.Go(func() error {
		history, srcA, errA = s.onchain.Series(ctx, p, s.cfg.Onchain.Price)
		return nil
	})
	g.Go(func() error {
		closes, srcB, errB = s.binance.DailyCloses(ctx, p)
		return nil
	})
	g.Go(func() error {
		if v, _, err := s.binance.FetchPrice(ctx, p); err == nil {
			spot = v
		}
		return nil
	})
	_ = g.Wait()

	if errA != nil && errB != nil {
		return priceData{}, "", errors.Join(errA, errB)
	}
	s.warnPartial(config.DomainPrice, errA, errB)

	merged, err := series.Handoff(history, closes)
	if err != nil {
		return priceData{}, "", err
	}
	d := priceData{Daily: merged, Spot: spot}
	if len(history) > 0 && len(closes) > 0 {
		d.Boundary = series.Day(closes[0].Date)
	}
	return d, joinSources(srcA, srcB), nil
}

func (s *Service) priceView(d priceData, b series.Bucket) Price {
	out := Price{
		Interval: b.String(),
		Series:   series.Downsample(series.FromSamples("price", d.Daily), b),
	}
	if n := len(d.Daily); n > 0 {
		out.Latest = d.Daily[n-1].Value
	}
	if d.Spot > 0 {
		out.Latest = d.Spot
	}
	for _, smp := range d.Daily {
		if smp.Value > out.ATH {
			out.ATH = smp.Value
			out.ATHDate = smp.Date.Format("2006-01-02")
		}
	}
	if ov := s.cfg.Price.ATHOverride; ov > out.ATH {
		out.ATH = ov
		out.ATHDate = ""
	}
	if out.ATH > 0 {
		out.DrawdownPct = (out.Latest - out.ATH) / out.ATH * 100
	}
	if !d.Boundary.IsZero() {
		out.HandoffDate = d.Boundary.Format("2006-01-02")
	}
	return out
}

// --- Open interest ---

// OpenInterest is daily futures open interest with the live value spliced in.
func (s *Service) OpenInterest(ctx context.Context, b series.Bucket) envelope.Envelope[OpenInterest] {
	env := s.oi.Serve(ctx, config.DomainOpenInterest, s.loadOpenInterest)
	return envelope.Map(env, func(d oiData) OpenInterest { return openInterestView(d, b) })
}

func (s *Service) loadOpenInterest(ctx context.Context) (oiData, string, error) {
	p := s.policy(config.DomainOpenInterest)
	var (
		hist            series.Series
		cur             series.Sample
		srcH, srcC      string
		errHist, errCur error
	)
	var g errgroup.Group
	g.Go(func() error {
		hist, srcH, errHist = s.binance.OpenInterestHistory(ctx, p)
		return nil
	})
	g.Go(func() error {
		cur, srcC, errCur = s.binance.OpenInterest(ctx, p)
		return nil
	})
	_ = g.Wait()

	if errHist != nil {
		return oiData{}, "", errHist
	}
	d := oiData{History: hist}
	if errCur == nil {
		d.Current = &cur
	} else {
		s.warnPartial(config.DomainOpenInterest, errCur)
	}
	return d, joinSources(srcH, srcC), nil
}

func openInterestView(d oiData, b series.Bucket) OpenInterest {
	merged := d.History
	out := OpenInterest{Interval: b.String()}
	if d.Current != nil {
		live := series.Series{{Date: series.Day(d.Current.Date), Metrics: map[string]float64{"openInterest": d.Current.Value}}}
		if m, err := series.HandoffSeries(d.History, live); err == nil {
			merged = m
		}
		out.Latest = d.Current.Value
		out.LatestAt = d.Current.Date
	} else if last, ok := series.Latest(d.History); ok {
		out.Latest = last.Metrics["openInterest"]
		out.LatestAt = last.Date
	}

	latestDay := series.Day(out.LatestAt)
	for i := len(merged) - 1; i >= 0; i-- {
		prev, ok := merged[i].Metrics["openInterest"]
		if !merged[i].Date.Before(latestDay) || !ok || prev <= 0 {
			continue
		}
		pct := (out.Latest - prev) / prev * 100
		out.ChangePct24h = &pct
		break
	}

	out.Series = series.Downsample(merged, b)
	return out
}

// --- Options ---

// MaxPain computes the max pain strike for expiry ("27DEC24"); empty means
// the nearest unsettled expiry.
func (s *Service) MaxPain(ctx context.Context, expiry string) (envelope.Envelope[MaxPain], error) {
	var target time.Time
	if expiry != "" {
		t, err := analytics.ParseExpiry(expiry)
		if err != nil {
			return envelope.Envelope[MaxPain]{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		target = t
	}

	env := s.options.Serve(ctx, config.DomainMaxPain, s.loadOptions)
	if env.Data == nil {
		return envelope.Map(env, func([]analytics.Instrument) MaxPain { return MaxPain{} }), nil
	}

	expiries := analytics.Expiries(*env.Data)
	switch {
	case target.IsZero():
		if e, ok := analytics.NearestExpiry(*env.Data, s.now()); ok {
			target = e
		} else {
			target = expiries[len(expiries)-1]
		}
	case !containsTime(expiries, target):
		return envelope.Envelope[MaxPain]{}, fmt.Errorf("%w: no open interest for expiry %s", ErrInvalidArgument, analytics.FormatExpiry(target))
	}

	view, err := maxPainView(*env.Data, target)
	if err != nil {
		return envelope.Envelope[MaxPain]{}, fmt.Errorf("%w: expiry %s: %v", ErrInvalidArgument, analytics.FormatExpiry(target), err)
	}
	return envelope.Map(env, func([]analytics.Instrument) MaxPain { return view }), nil
}

func (s *Service) loadOptions(ctx context.Context) ([]analytics.Instrument, string, error) {
	return s.deribit.Instruments(ctx, s.policy(config.DomainMaxPain))
}

func maxPainView(ins []analytics.Instrument, expiry time.Time) (MaxPain, error) {
	book := analytics.BuildBook(ins, expiry)
	res, err := analytics.MaxPain(book)
	if err != nil {
		return MaxPain{}, err
	}

	out := MaxPain{
		Expiry:        analytics.FormatExpiry(expiry),
		ExpiresAt:     expiry.UTC().Format(time.RFC3339),
		MaxPainResult: res,
	}
	for _, e := range analytics.Expiries(ins) {
		out.Expiries = append(out.Expiries, analytics.FormatExpiry(e))
	}
	for _, si := range book {
		out.CallOI += si.CallOI
		out.PutOI += si.PutOI
	}
	if out.CallOI > 0 {
		r := out.PutOI / out.CallOI
		out.PutCallRatio = &r
	}
	return out, nil
}

// --- Hashrate ---

// Hashrate splices difficulty-derived monthly hashrate with the explorer's
// daily hashrate history.
func (s *Service) Hashrate(ctx context.Context, b series.Bucket) envelope.Envelope[Hashrate] {
	env := s.hashrate.Serve(ctx, config.DomainHashrate, s.loadHashrate)
	return envelope.Map(env, func(d hashrateData) Hashrate { return hashrateView(d, b) })
}

func (s *Service) loadHashrate(ctx context.Context) (hashrateData, string, error) {
	p := s.policy(config.DomainHashrate)
	var (
		adj        []analytics.DifficultyAdjustment
		daily      []series.Sample
		srcA, srcB string
		errA, errB error
	)
	var g errgroup.Group
	g.Go(func() error {
		adj, srcA, errA = s.mempool.DifficultyAdjustments(ctx, p)
		return nil
	})
	g.Go(func() error {
		daily, srcB, errB = s.mempool.Hashrate3Y(ctx, p)
		return nil
	})
	_ = g.Wait()

	var monthly map[series.Month]float64
	if errA == nil {
		monthly, errA = analytics.MonthlyDifficulty(adj)
	}
	if errA != nil && errB != nil {
		return hashrateData{}, "", errors.Join(errA, errB)
	}
	s.warnPartial(config.DomainHashrate, errA, errB)

	derived := series.Samples(analytics.MonthlyHashrate(monthly), "hashrate")
	merged, err := series.Handoff(derived, daily)
	if err != nil {
		return hashrateData{}, "", err
	}
	d := hashrateData{Difficulty: monthly, Daily: merged}
	if len(derived) > 0 && len(daily) > 0 {
		d.Boundary = series.Day(daily[0].Date)
	}
	return d, joinSources(srcA, srcB), nil
}

func hashrateView(d hashrateData, b series.Bucket) Hashrate {
	s := series.FromSamples("hashrate", d.Daily)
	for i := range s {
		if diff, ok := d.Difficulty[series.MonthOf(s[i].Date)]; ok {
			s[i].Metrics["difficulty"] = diff
		}
	}
	out := Hashrate{Interval: b.String(), Series: series.Downsample(s, b)}
	if n := len(d.Daily); n > 0 {
		out.Latest = d.Daily[n-1].Value
	}
	if months := series.Months(d.Difficulty); len(months) > 0 {
		out.CurrentDifficulty = d.Difficulty[months[len(months)-1]]
	}
	if !d.Boundary.IsZero() {
		out.HandoffDate = d.Boundary.Format("2006-01-02")
	}
	return out
}

// --- Cohorts and holders ---

// Cohorts combines per-cohort balance series by date.
func (s *Service) Cohorts(ctx context.Context, b series.Bucket) envelope.Envelope[Cohorts] {
	env := s.cohorts.Serve(ctx, config.DomainCohorts, s.loadCohorts)
	return envelope.Map(env, func(d cohortData) Cohorts {
		return Cohorts{Interval: b.String(), Cohorts: d.Names, Series: series.Downsample(d.Series, b), Missing: d.Missing}
	})
}

func (s *Service) loadCohorts(ctx context.Context) (cohortData, string, error) {
	named, source, err := s.fetchAll(ctx, config.DomainCohorts, s.cfg.Onchain.Cohorts)
	if err != nil {
		return cohortData{}, "", err
	}
	combined, err := series.CombineCohorts(named)
	if err != nil {
		return cohortData{}, "", err
	}

	d := cohortData{Names: sortedNames(named), Series: combined, Missing: make(map[string]int, len(named))}
	for name, samples := range named {
		present := make(map[time.Time]struct{}, len(samples))
		for _, smp := range samples {
			present[series.Day(smp.Date)] = struct{}{}
		}
		missing := 0
		for _, pt := range combined {
			if _, ok := present[pt.Date]; !ok {
				missing++
			}
		}
		d.Missing[name] = missing
	}
	return d, source, nil
}

// Holders is the latest cohort row measured against circulating supply.
func (s *Service) Holders(ctx context.Context) envelope.Envelope[Holders] {
	env := s.cohorts.Serve(ctx, config.DomainCohorts, s.loadCohorts)
	supply := s.supply.Snapshot(s.now())
	return envelope.Map(env, func(d cohortData) Holders { return holdersView(d, supply) })
}

func holdersView(d cohortData, supply SupplySnapshot) Holders {
	out := Holders{Balances: map[string]float64{}, Shares: map[string]float64{}, Supply: supply}
	last, ok := series.Latest(d.Series)
	if !ok {
		return out
	}
	out.Date = last.Date.Format("2006-01-02")
	for name, v := range last.Metrics {
		out.Balances[name] = v
		out.Total += v
		if supply.CirculatingSupply > 0 {
			out.Shares[name] = v / supply.CirculatingSupply * 100
		}
	}
	return out
}

// ChainSupply anchors the halving schedule on the explorer's tip height
// instead of the projected one.
func (s *Service) ChainSupply(ctx context.Context) (SupplySnapshot, string, error) {
	tip, source, err := s.mempool.TipHeight(ctx, s.policy(config.DomainHashrate))
	if err != nil {
		return SupplySnapshot{}, "", err
	}
	now := s.now()
	return HalvingSchedule{AnchorHeight: tip, AnchorTime: now}.Snapshot(now), source, nil
}

// --- Exchange flows ---

// ExchangeFlows returns exchange netflow and reserve, daily or rolled up
// into seven-day chunks.
func (s *Service) ExchangeFlows(ctx context.Context, b series.Bucket) (envelope.Envelope[ExchangeFlows], error) {
	if b == series.Monthly {
		return envelope.Envelope[ExchangeFlows]{}, fmt.Errorf("%w: exchange flows support daily or weekly", ErrInvalidArgument)
	}
	env := s.flows.Serve(ctx, config.DomainExchangeFlows, s.loadFlows)
	return envelope.Map(env, func(d series.Series) ExchangeFlows {
		out := ExchangeFlows{Interval: b.String(), Series: d}
		if b == series.Weekly {
			out.Series = series.RollupWeekly(d, []string{"netflow"}, []string{"reserve"})
		}
		return out
	}), nil
}

func (s *Service) loadFlows(ctx context.Context) (series.Series, string, error) {
	named, source, err := s.fetchAll(ctx, config.DomainExchangeFlows, map[string]config.SeriesSchema{
		"netflow": s.cfg.Onchain.Netflow,
		"reserve": s.cfg.Onchain.Reserve,
	})
	if err != nil {
		return nil, "", err
	}
	aligned, err := series.Align(named)
	return aligned, source, err
}

// --- Valuation ---

// Valuation aligns the configured valuation ratios by date.
func (s *Service) Valuation(ctx context.Context, b series.Bucket) envelope.Envelope[Valuation] {
	env := s.valuation.Serve(ctx, config.DomainValuation, s.loadValuation)
	return envelope.Map(env, func(d series.Series) Valuation {
		out := Valuation{Interval: b.String(), Series: series.Downsample(d, b), Latest: map[string]float64{}}
		out.Metrics = sortedNames(s.cfg.Onchain.Valuation)
		for _, m := range out.Metrics {
			if smp := series.Samples(d, m); len(smp) > 0 {
				out.Latest[m] = smp[len(smp)-1].Value
			}
		}
		return out
	})
}

func (s *Service) loadValuation(ctx context.Context) (series.Series, string, error) {
	named, source, err := s.fetchAll(ctx, config.DomainValuation, s.cfg.Onchain.Valuation)
	if err != nil {
		return nil, "", err
	}
	aligned, err := series.Align(named)
	return aligned, source, err
}

// --- helpers ---

// fetchAll fetches every schema concurrently. Any failure fails the set.
func (s *Service) fetchAll(ctx context.Context, domain string, schemas map[string]config.SeriesSchema) (map[string][]series.Sample, string, error) {
	names := sortedNames(schemas)
	results := make([][]series.Sample, len(names))
	srcs := make([]string, len(names))

	p := s.policy(domain)
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			smp, src, err := s.onchain.Series(gctx, p, schemas[name])
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			results[i], srcs[i] = smp, src
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, "", err
	}

	named := make(map[string][]series.Sample, len(names))
	for i, name := range names {
		named[name] = results[i]
	}
	return named, joinSources(srcs...), nil
}

func (s *Service) warnPartial(domain string, errs ...error) {
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("partial upstream failure", "domain", domain, "error", err)
	}
}

func joinSources(srcs ...string) string {
	seen := make(map[string]bool, len(srcs))
	var out []string
	for _, s := range srcs {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return strings.Join(out, "+")
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func containsTime(ts []time.Time, t time.Time) bool {
	for _, v := range ts {
		if v.Equal(t) {
			return true
		}
	}
	return false
}
