package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/example/pickup-dispatch/internal/geo"
	"github.com/example/pickup-dispatch/internal/models"
	"github.com/example/pickup-dispatch/internal/observability"
	"github.com/example/pickup-dispatch/internal/route"
)

const (
	DefaultParallelism = 5
	DefaultCallTimeout = 5 * time.Second
	DefaultProfile     = "cycling-road"
)

type Options struct {
	Profile        string
	CandidateLimit int
	Parallelism    int
	CallTimeout    time.Duration

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

func (o Options) withDefaults() Options {
	if o.Profile == "" {
		o.Profile = DefaultProfile
	}
	if o.CandidateLimit <= 0 {
		o.CandidateLimit = DefaultCandidateLimit
	}
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	return o
}

// Engine picks the single driver with the shortest real travel time to a
// pickup. It never touches driver availability.
type Engine struct {
	oracle route.Oracle
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
}

func NewEngine(oracle route.Oracle, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Engine{
		oracle: oracle,
		opts:   opts.withDefaults(),
		logger: logger,
		tracer: tp.Tracer("github.com/example/pickup-dispatch/internal/matcher"),
	}
}

type outcome struct {
	cand  models.DriverCandidate
	quote models.RouteQuote
	err   error
}

// Dispatch prefilters pool to the nearest candidates, quotes each one through
// the oracle with bounded parallelism, and waits for every call before
// choosing the winner. Failed quotes only exclude their candidate.
func (e *Engine) Dispatch(ctx context.Context, pickup models.Coordinate, pool []models.DriverCandidate) (models.DispatchResult, error) {
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	ctx, span := e.tracer.Start(ctx, "matcher.Dispatch", trace.WithAttributes(attribute.Int("pool.size", len(pool))))
	defer span.End()

	cands, err := SelectCandidates(pickup, pool, e.opts.CandidateLimit)
	if err != nil {
		observability.DispatchTotal.WithLabelValues("no_drivers").Inc()
		span.SetStatus(codes.Error, err.Error())
		return models.DispatchResult{}, err
	}
	span.SetAttributes(attribute.Int("candidates", len(cands)))

	outcomes := make(chan outcome, len(cands))
	var g errgroup.Group
	g.SetLimit(e.opts.Parallelism)
	for _, c := range cands {
		c := c
		g.Go(func() error {
			q, err := e.quote(ctx, pickup, c)
			outcomes <- outcome{cand: c, quote: q, err: err}
			return nil
		})
	}
	_ = g.Wait()
	close(outcomes)

	var best *outcome
	for o := range outcomes {
		o := o
		if o.err != nil {
			e.logger.Debug("candidate excluded", "driver_id", o.cand.DriverID, "error", o.err)
			continue
		}
		if best == nil || better(pickup, o, *best) {
			best = &o
		}
	}
	if best == nil {
		if err := ctx.Err(); err != nil {
			observability.DispatchTotal.WithLabelValues("cancelled").Inc()
			return models.DispatchResult{}, err
		}
		observability.DispatchTotal.WithLabelValues("no_route").Inc()
		span.SetStatus(codes.Error, ErrNoRouteFound.Error())
		return models.DispatchResult{}, ErrNoRouteFound
	}

	observability.DispatchTotal.WithLabelValues("matched").Inc()
	span.SetAttributes(attribute.String("winner", best.quote.DriverID), attribute.Int("duration_min", best.quote.DurationMin))
	return models.DispatchResult{
		WinningDriverID: best.quote.DriverID,
		DistanceKm:      best.quote.DistanceKm,
		DurationMin:     best.quote.DurationMin,
	}, nil
}

// better orders successful quotes: shortest duration, then shortest route,
// then nearest in a straight line, then driver id.
func better(pickup models.Coordinate, a, b outcome) bool {
	if a.quote.DurationMin != b.quote.DurationMin {
		return a.quote.DurationMin < b.quote.DurationMin
	}
	if a.quote.DistanceKm != b.quote.DistanceKm {
		return a.quote.DistanceKm < b.quote.DistanceKm
	}
	da, db := geo.Distance(pickup, a.cand.Position), geo.Distance(pickup, b.cand.Position)
	if da != db {
		return da < db
	}
	return a.quote.DriverID < b.quote.DriverID
}

// quote runs one oracle call under its own timeout. The call keeps its
// worker slot until it returns, so a provider that ignores ctx still counts
// against Parallelism; an answer that arrives after the deadline is dropped.
func (e *Engine) quote(ctx context.Context, pickup models.Coordinate, c models.DriverCandidate) (models.RouteQuote, error) {
	ctx, span := e.tracer.Start(ctx, "matcher.quote", trace.WithAttributes(attribute.String("driver_id", c.DriverID)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	s, err := e.oracle.Route(ctx, c.Position, pickup, e.opts.Profile)
	if cerr := ctx.Err(); cerr != nil && err == nil {
		err = fmt.Errorf("%w: %w", route.ErrRouteUnavailable, cerr)
	}
	observability.OracleLatency.Observe(time.Since(start).Seconds())

	if err == nil && !validSummary(s) {
		err = fmt.Errorf("%w: invalid summary %+v", route.ErrRouteUnavailable, s)
	}
	if err != nil {
		observability.OracleCalls.WithLabelValues("failed").Inc()
		span.SetStatus(codes.Error, err.Error())
		return models.RouteQuote{}, err
	}
	observability.OracleCalls.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int("duration_min", int(math.Floor(s.DurationSeconds/60))))
	return models.RouteQuote{
		DriverID:    c.DriverID,
		DistanceKm:  s.DistanceMeters / 1000,
		DurationMin: int(math.Floor(s.DurationSeconds / 60)),
	}, nil
}

func validSummary(s route.Summary) bool {
	ok := func(v float64) bool { return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0) }
	return ok(s.DistanceMeters) && ok(s.DurationSeconds)
}
