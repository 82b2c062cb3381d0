package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"riskgraph/internal/config"
	"riskgraph/internal/decision"
	"riskgraph/internal/graph"
	"riskgraph/internal/metrics"
	"riskgraph/internal/model"
	"riskgraph/internal/normalize"
	"riskgraph/internal/resilience"
	"riskgraph/internal/source"
	"riskgraph/internal/storage"
)

// ErrQueueFull is returned by Inject when the event queue cannot accept
// another raw event.
var ErrQueueFull = errors.New("event queue full")

// errQueueSaturated ends a fetch cycle early when the intake queue cannot
// take the page; the cursor stays put so the page is refetched.
var errQueueSaturated = errors.New("intake queue saturated")

// Pipeline runs one fetch worker per configured source, a shared processing
// loop that normalizes raw events into the context graph, and a housekeeping
// loop that drives alert state transitions.
type Pipeline struct {
	cfg        *config.Manager
	logger     *slog.Logger
	adapters   *source.Registry
	secrets    source.SecretStore
	normalizer *normalize.Engine
	graph      *graph.Graph
	engine     *decision.Engine
	breakers   *resilience.Set
	metrics    *metrics.Metrics
	store      storage.Store

	events    chan model.RawEvent
	decideSem chan struct{}
	decisions sync.WaitGroup
}

type Options struct {
	Config     *config.Manager
	Logger     *slog.Logger
	Adapters   *source.Registry
	Secrets    source.SecretStore
	Normalizer *normalize.Engine
	Graph      *graph.Graph
	Engine     *decision.Engine
	Breakers   *resilience.Set
	Metrics    *metrics.Metrics
	Store      storage.Store
}

func New(opts Options) *Pipeline {
	queue := opts.Config.Get().Pipeline.QueueSize
	if queue <= 0 {
		queue = 1024
	}
	workers := opts.Config.Get().Pipeline.DecisionWorkers
	if workers <= 0 {
		workers = 8
	}
	secrets := opts.Secrets
	if secrets == nil {
		secrets = source.EnvSecretStore{}
	}
	return &Pipeline{
		cfg:        opts.Config,
		logger:     opts.Logger,
		adapters:   opts.Adapters,
		secrets:    secrets,
		normalizer: opts.Normalizer,
		graph:      opts.Graph,
		engine:     opts.Engine,
		breakers:   opts.Breakers,
		metrics:    opts.Metrics,
		store:      opts.Store,
		events:     make(chan model.RawEvent, queue),
		decideSem:  make(chan struct{}, workers),
	}
}

// Run blocks until ctx is cancelled. Workers stop on cancellation; queued
// events drain best-effort.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, src := range p.cfg.Get().Sources {
		adapter, ok := p.adapters.Lookup(src.Name)
		if !ok {
			p.logger.Warn("no adapter registered for source", "source", src.Name)
			continue
		}
		wg.Add(1)
		go func(cfg config.SourceConfig, a source.Adapter) {
			defer wg.Done()
			p.fetchLoop(ctx, cfg, a)
		}(src, adapter)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.processLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.housekeepingLoop(ctx)
	}()

	wg.Wait()
	p.decisions.Wait()
}

// Inject enqueues a raw event from outside the fetch workers, e.g. the
// webhook intake. The queue never blocks the caller.
func (p *Pipeline) Inject(raw model.RawEvent) error {
	select {
	case p.events <- raw:
		return nil
	default:
		p.deadLetter(context.Background(), raw, "queue", model.ErrKindCapacity, "event queue full")
		return ErrQueueFull
	}
}

func (p *Pipeline) fetchLoop(ctx context.Context, src config.SourceConfig, adapter source.Adapter) {
	interval := src.FetchInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	p.authenticate(ctx, adapter)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var cursor string
	skipped := 0
	saturated := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		br := p.breakers.For(src.Name)
		if !br.Allow() {
			skipped++
			p.metrics.CyclesSkipped.WithLabelValues(src.Name, "circuit_open").Inc()
			if skipped == p.cfg.Get().Pipeline.SkipTolerance {
				p.logger.Error("source suppressed by open circuit", "source", src.Name)
			}
			continue
		}

		next, err := p.fetchOnce(ctx, adapter, cursor)
		if errors.Is(err, errQueueSaturated) {
			// A full intake queue skips the rest of the cycle. One skip is
			// backpressure, not a source fault; sustained skips count as
			// failures so the breaker eventually sheds the source.
			saturated++
			p.metrics.CyclesSkipped.WithLabelValues(src.Name, "queue_full").Inc()
			if saturated >= p.cfg.Get().Pipeline.SkipTolerance {
				if !p.feedFailure(br, src.Name, err) {
					p.logger.Warn("intake queue saturated", "source", src.Name, "cycles", saturated)
				}
			}
			continue
		}
		if err != nil {
			skipped++
			saturated = 0
			if !p.feedFailure(br, src.Name, err) {
				p.logger.Warn("fetch failed", "source", src.Name, "err", err)
			}
			var authErr *source.AuthError
			if errors.As(err, &authErr) {
				p.authenticate(ctx, adapter)
			}
			continue
		}
		br.Success()
		skipped = 0
		saturated = 0
		cursor = next
	}
}

// feedFailure records a breaker failure and reports whether that tripped the
// Closed to Open transition.
func (p *Pipeline) feedFailure(br *resilience.Breaker, src string, err error) bool {
	before := br.State().Status
	br.Failure()
	if after := br.State().Status; before != model.CircuitOpen && after == model.CircuitOpen {
		p.metrics.CircuitOpens.WithLabelValues(src).Inc()
		p.logger.Error("circuit opened", "source", src, "err", err)
		return true
	}
	return false
}

func (p *Pipeline) fetchOnce(ctx context.Context, adapter source.Adapter, cursor string) (string, error) {
	timeout := p.cfg.Get().Pipeline.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events, next, err := adapter.Fetch(fetchCtx, cursor)
	if err != nil {
		return cursor, err
	}
	for _, raw := range events {
		select {
		case p.events <- raw:
			p.metrics.EventsFetched.WithLabelValues(raw.Source).Inc()
		case <-ctx.Done():
			return next, ctx.Err()
		default:
			// Leave the cursor where it was: the unprocessed remainder of
			// this page comes back next cycle, and the graph's upsert merge
			// absorbs the re-enqueued prefix.
			return cursor, errQueueSaturated
		}
	}
	return next, nil
}

func (p *Pipeline) authenticate(ctx context.Context, adapter source.Adapter) {
	cred, err := p.secrets.GetSecret(adapter.Name())
	if errors.Is(err, source.ErrSecretNotFound) {
		p.logger.Debug("no credential for source, proceeding unauthenticated", "source", adapter.Name())
		return
	}
	if err != nil {
		p.logger.Error("secret lookup failed", "source", adapter.Name(), "err", err)
		return
	}
	if err := adapter.Authenticate(ctx, cred); err != nil {
		p.logger.Error("authentication failed", "source", adapter.Name(), "err", err)
	}
}

func (p *Pipeline) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-p.events:
			p.processOne(ctx, raw)
		}
	}
}

func (p *Pipeline) processOne(ctx context.Context, raw model.RawEvent) {
	finding, err := p.normalizer.Normalize(raw)
	if err != nil {
		p.deadLetter(ctx, raw, "normalize", classify(err), err.Error())
		return
	}
	p.metrics.EventsNormalized.WithLabelValues(finding.Source).Inc()

	if err := p.ingest(ctx, finding); err != nil {
		p.deadLetter(ctx, raw, "graph", classify(err), err.Error())
		// Context enrichment is unavailable for this finding; decide it
		// from static rules rather than drop it silently.
		p.dispatch(ctx, finding, true)
		return
	}
	p.metrics.GraphIngests.Inc()

	if finding.ClassUID == model.ClassAssetInventory {
		// Inventory updates feed the graph only; no alert is raised.
		return
	}

	if p.breakers.For(finding.Source).State().Status == model.CircuitOpen {
		p.dispatch(ctx, finding, true)
		return
	}

	p.dispatch(ctx, finding, false)
}

// dispatch hands the finding to the decision engine on a bounded worker so a
// slow sink delivery never stalls normalization and ingestion. A failed
// delivery parks the alert in Decided for the housekeeping retry sweep.
func (p *Pipeline) dispatch(ctx context.Context, finding model.NormalizedFinding, fallback bool) {
	select {
	case p.decideSem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	p.decisions.Add(1)
	go func() {
		defer func() {
			<-p.decideSem
			p.decisions.Done()
		}()
		var err error
		if fallback {
			_, err = p.engine.Fallback(ctx, finding)
		} else {
			_, err = p.engine.Submit(ctx, finding)
		}
		if err != nil {
			p.logger.Error("decision failed", "entity_ref", finding.EntityRef, "fallback", fallback, "err", err)
		}
	}()
}

func (p *Pipeline) ingest(ctx context.Context, finding model.NormalizedFinding) error {
	retries := p.cfg.Get().Graph.IngestRetries
	if retries <= 0 {
		retries = 1
	}
	var err error
	for attempt := 0; attempt < retries; attempt++ {
		if _, err = p.graph.Ingest(finding); err == nil {
			return nil
		}
		if classify(err) == model.ErrKindValidation {
			return err
		}
		if !sleepCtx(ctx, time.Duration(attempt+1)*100*time.Millisecond) {
			return err
		}
	}
	return err
}

func (p *Pipeline) housekeepingLoop(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	stale := time.NewTicker(time.Minute)
	defer stale.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			p.engine.SweepTimeouts(ctx)
			for _, ref := range p.engine.Pending() {
				if err := p.engine.Advance(ctx, ref); err != nil {
					p.logger.Warn("alert advance failed", "alert_ref", ref, "err", err)
				}
			}
		case <-stale.C:
			window := p.cfg.Get().Graph.StaleAfter
			if window > 0 {
				if n := p.graph.MarkStale(time.Now().UTC(), window); n > 0 {
					p.logger.Info("marked assets stale", "count", n)
				}
			}
		}
	}
}

func (p *Pipeline) deadLetter(ctx context.Context, raw model.RawEvent, stage string, kind model.ErrorKind, detail string) {
	p.metrics.EventsDeadLetter.WithLabelValues(stage).Inc()
	letter := model.DeadLetter{
		RawRef:    raw.ID,
		Source:    raw.Source,
		Stage:     stage,
		ErrorKind: kind,
		Detail:    detail,
		Payload:   raw.Payload,
		Timestamp: time.Now().UTC(),
	}
	if p.store != nil {
		if err := p.store.SaveDeadLetter(ctx, letter); err != nil {
			p.logger.Error("dead letter persist failed", "raw_ref", raw.ID, "err", err)
		}
	}
	p.logger.Warn("event dead-lettered", "raw_ref", raw.ID, "source", raw.Source, "stage", stage, "kind", string(kind), "detail", detail)
}

func classify(err error) model.ErrorKind {
	var (
		unknown   *normalize.UnknownSourceError
		malformed *normalize.MalformedPayloadError
		schema    *normalize.SchemaViolationError
		auth      *source.AuthError
	)
	switch {
	case errors.As(err, &unknown), errors.As(err, &malformed), errors.As(err, &schema):
		return model.ErrKindValidation
	case errors.As(err, &auth):
		return model.ErrKindAuth
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, resilience.ErrOpen):
		return model.ErrKindTransient
	}
	return model.ErrKindInternal
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
