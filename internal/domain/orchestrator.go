package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"cratewatch.dev/pkg/cratewatch/internal/adapter"
	"cratewatch.dev/pkg/cratewatch/internal/controller"
	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// maxQuotaWait caps how long the wait policy sleeps on a quota hint.
const maxQuotaWait = 60 * time.Second

var (
	// ErrCallBudgetExhausted is returned once a scan has used its remote call budget.
	ErrCallBudgetExhausted = errors.New("remote call budget exhausted")
	// ErrDispatchStopped is returned after a quota abort stopped remote dispatch.
	ErrDispatchStopped = errors.New("remote dispatch stopped")
)

// ScanOptions controls one scan.
type ScanOptions struct {
	Target           m.Path
	Exclude          []string
	MaxFileSize      int64
	Workers          int
	SkipDependencies bool
	Mode             string
	QuotaPolicy      string
	MaxCalls         uint
}

// ScanOptionsFromSettings derives scan options from resolved settings.
func ScanOptionsFromSettings(target m.Path, s m.Settings) ScanOptions {
	return ScanOptions{
		Target:           target,
		Exclude:          s.Scanning.ExcludePatterns,
		MaxFileSize:      int64(s.Scanning.MaxFileSize),
		Workers:          int(s.Scanning.ConcurrentWorkers),
		SkipDependencies: s.Scanning.SkipDependencies,
		Mode:             s.AnalysisService.Mode,
		QuotaPolicy:      s.AnalysisService.QuotaPolicy,
		MaxCalls:         s.AnalysisService.MaxCalls,
	}
}

// Orchestrator runs a complete scan of a target.
type Orchestrator interface {
	Scan(ctx context.Context, opts ScanOptions) (m.ScanResult, error)
}

// OrchestratorComponents are the collaborators of the orchestrator. Transport
// may be nil when remote analysis is off.
type OrchestratorComponents struct {
	FS           adapter.SourceFSAdapter
	Syntax       adapter.SyntaxAdapter
	Chunker      Chunker
	Scanner      StaticScanner
	Dependencies DependencyScanner
	Assessor     *Assessor
	Transport    adapter.Transport
	Cache        adapter.ScanCache
	Limiter      RateLimiter
	Clock        Clock
	Metrics      *Metrics
	UI           controller.UI
	Gateway      GatewayConfig
}

type orchestrator struct {
	OrchestratorComponents
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(c OrchestratorComponents) Orchestrator {
	if c.Clock == nil {
		c.Clock = SystemClock()
	}

	if c.Limiter == nil {
		c.Limiter = noopLimiter{}
	}

	return &orchestrator{OrchestratorComponents: c}
}

type taskKind int

const (
	chunkTask taskKind = iota
	dependencyTask
)

// task is one remote analysis unit. Each task is written by exactly one
// worker and read after the worker group is done.
type task struct {
	kind     taskKind
	priority int
	label    string
	req      AnalysisRequest
	source   int
	dep      int
	line     int

	analysis Analysis
	status   m.AnalysisStatus
	note     string
}

// scanState holds the per-scan aggregates.
type scanState struct {
	opts    ScanOptions
	root    m.Path
	sources []m.SourceReport
	chunks  [][]m.Chunk
	deps    []m.Dependency
	deep    []bool
	tasks   []*task

	mu    sync.Mutex
	stats m.ScanStats
}

func (o *orchestrator) Scan(ctx context.Context, opts ScanOptions) (m.ScanResult, error) {
	started := o.Clock.Now()

	ctx, span := tracer.Start(ctx, "orchestrator.Scan", trace.WithAttributes(
		attribute.String("cratewatch.target", string(opts.Target)),
		attribute.String("cratewatch.mode", opts.Mode),
	))
	defer span.End()

	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	info, err := o.FS.FileInfo(opts.Target)
	if err != nil {
		slog.Error("failed to read scan target", "target", opts.Target, "error", err)
		return m.ScanResult{}, fmt.Errorf("read scan target: %w", err)
	}

	state := &scanState{opts: opts, root: opts.Target}
	if !info.IsDir() {
		state.root = m.Path(filepath.Dir(string(opts.Target)))
	}

	files, err := o.discover(opts, info)
	if err != nil {
		return m.ScanResult{}, err
	}

	o.prepareSources(ctx, state, files)

	if !opts.SkipDependencies && info.IsDir() {
		if err := o.prepareDependencies(ctx, state); err != nil {
			slog.Warn("dependency scan skipped", "target", opts.Target, "error", err)
		}
	}

	o.planTasks(state)

	o.displayPlan(ctx, state)

	calls := o.dispatch(ctx, state)

	result := o.aggregate(state, calls)
	result.Target = opts.Target
	result.StartedAt = started
	result.Duration = o.Clock.Now().Sub(started)

	o.Metrics.finished(result.Duration)

	if ctx.Err() != nil {
		result.Partial = true
	}

	span.SetAttributes(
		attribute.Int("cratewatch.files", result.Stats.Files),
		attribute.Int("cratewatch.remote_calls", result.Stats.RemoteCalls),
		attribute.Bool("cratewatch.partial", result.Partial),
	)

	o.recordUsage(ctx, state, result)

	return result, nil
}

// discover lists the supported source files under the target.
func (o *orchestrator) discover(opts ScanOptions, info os.FileInfo) ([]m.File, error) {
	if !info.IsDir() {
		return []m.File{{FullPath: opts.Target, ShortPath: m.Path(filepath.Base(string(opts.Target))), Size: info.Size()}}, nil
	}

	var files []m.File

	err := o.FS.Walk(opts.Target, opts.Exclude, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			slog.Warn("failed to visit path", "path", path, "error", err)
			return nil
		}

		if fi.IsDir() || o.Syntax.Language(m.Path(path)) == m.LanguageUnknown {
			return nil
		}

		if opts.MaxFileSize > 0 && fi.Size() > opts.MaxFileSize {
			slog.Debug("skipping large file", "path", path, "size", fi.Size())
			return nil
		}

		rel, relErr := o.FS.RelPath(opts.Target, m.Path(path))
		if relErr != nil {
			rel = m.Path(path)
		}

		files = append(files, m.File{FullPath: m.Path(path), ShortPath: rel, Size: fi.Size()})

		return nil
	})
	if err != nil {
		slog.Error("failed to walk scan target", "target", opts.Target, "error", err)
		return nil, fmt.Errorf("walk scan target: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ShortPath < files[j].ShortPath })

	return files, nil
}

// prepareSources parses, chunks and statically scans every file.
func (o *orchestrator) prepareSources(ctx context.Context, state *scanState, files []m.File) {
	state.sources = make([]m.SourceReport, len(files))
	state.chunks = make([][]m.Chunk, len(files))

	var group errgroup.Group
	group.SetLimit(state.opts.Workers)

	for i, file := range files {
		group.Go(func() error {
			state.sources[i], state.chunks[i] = o.prepareSource(ctx, file)
			return nil
		})
	}

	_ = group.Wait()

	for i := range state.sources {
		state.stats.Files++
		state.stats.Chunks += len(state.chunks[i])

		if state.sources[i].Note == m.ParseFailureDescription {
			state.stats.ParseFailures++
		}
	}
}

func (o *orchestrator) prepareSource(ctx context.Context, file m.File) (m.SourceReport, []m.Chunk) {
	lang := o.Syntax.Language(file.FullPath)

	report := m.SourceReport{
		Path:     file.ShortPath,
		Language: lang,
		Status:   m.StatusNotRequested,
	}

	content, err := o.FS.ReadFile(file.FullPath)
	if err != nil {
		slog.Warn("failed to read source file", "path", file.FullPath, "error", err)

		report.Status = m.StatusUnavailable
		report.Note = "unreadable"

		return report, nil
	}

	chunks, err := o.Chunker.ParseAndChunk(ctx, file.ShortPath, content)
	if err != nil {
		var failure *m.ParseFailure
		if !errors.As(err, &failure) {
			failure = &m.ParseFailure{Path: file.ShortPath, Reason: "parser error", Err: err}
		}

		slog.Debug("source could not be parsed", "path", file.ShortPath, "reason", failure.Reason)

		report.Note = m.ParseFailureDescription
		report.Findings = append([]m.Finding{failure.Finding()},
			o.Scanner.ScanText(file.ShortPath, lang, 1, string(content))...)

		return report, nil
	}

	for i := range chunks {
		chunks[i].StaticFindings = o.Scanner.Scan(chunks[i])
		report.Findings = append(report.Findings, chunks[i].StaticFindings...)
	}

	report.Chunks = len(chunks)
	o.Metrics.chunked(len(chunks))

	return report, chunks
}

// prepareDependencies discovers, enriches and pre-assesses dependencies.
func (o *orchestrator) prepareDependencies(ctx context.Context, state *scanState) error {
	if o.Dependencies == nil || o.Assessor == nil {
		return nil
	}

	deps, err := o.Dependencies.Discover(ctx, state.root, state.opts.Workers)
	if err != nil {
		return err
	}

	state.deps = deps
	state.deep = make([]bool, len(deps))
	state.stats.Dependencies = len(deps)

	for i := range state.deps {
		dep := &state.deps[i]
		dep.Flags = o.Assessor.StaticFlags(*dep)
		dep.Status = m.StatusNotRequested

		switch {
		case o.Assessor.Trusted(*dep):
			dep.Note = "trusted package, deep analysis skipped"
		case o.Assessor.DeepAnalysis(*dep):
			state.deep[i] = true
		default:
			dep.Note = "metadata-only scan"
		}

		if o.Assessor.KnownMalicious(*dep) {
			dep.Note = "known malicious package"
		}
	}

	return nil
}

// planTasks builds the remote analysis tasks in dispatch order.
func (o *orchestrator) planTasks(state *scanState) {
	mode := state.opts.Mode
	if mode == "" {
		mode = m.AnalysisModeAll
	}

	if mode == m.AnalysisModeOff || o.Transport == nil {
		for i := range state.deps {
			if state.deep[i] {
				state.deps[i].Note = joinNotes(state.deps[i].Note, "remote analysis off")
			}
		}

		return
	}

	for i, chunks := range state.chunks {
		for _, chunk := range chunks {
			if mode == m.AnalysisModeFlagged && !chunk.HasStaticHits() {
				continue
			}

			state.tasks = append(state.tasks, &task{
				kind:     chunkTask,
				priority: chunk.MaxStaticSeverity().Rank(),
				label:    chunk.ID,
				source:   i,
				line:     chunk.Span.StartLine,
				req: AnalysisRequest{
					Key:    m.CacheKey{Identity: string(chunk.Path), ContentHash: chunk.Hash},
					Prompt: ChunkPrompt(chunk),
					Mapping: LineMapping{
						Path:      chunk.Path,
						StartLine: chunk.Span.StartLine,
						EndLine:   chunk.Span.EndLine,
					},
				},
			})
		}
	}

	for i := range state.deps {
		if !state.deep[i] {
			continue
		}

		dep := &state.deps[i]
		prioritized := o.Assessor.Prioritized(*dep)

		entryPath, entry := o.Dependencies.EntrySource(state.root, *dep)
		if len(entry) > 0 {
			dep.Findings = o.Scanner.ScanText(m.Path(entryPath), entryLanguage(dep.Ecosystem), 1, string(entry))
		}

		if mode == m.AnalysisModeFlagged && !prioritized && len(dep.Findings) == 0 {
			dep.Note = "metadata-only scan"
			state.deep[i] = false

			continue
		}

		priority := m.MaxSeverity(dep.Findings).Rank()
		if prioritized {
			priority = max(priority, m.SeverityHigh.Rank())
		}

		if o.Assessor.KnownMalicious(*dep) {
			priority = m.SeverityCritical.Rank() + 1
		}

		location := entryPath
		if location == "" {
			location = dep.Name
		}

		state.tasks = append(state.tasks, &task{
			kind:     dependencyTask,
			priority: priority,
			label:    dep.Identity() + "@" + dep.Version,
			dep:      i,
			req: AnalysisRequest{
				Key: m.CacheKey{
					Identity:    dep.Identity(),
					Version:     dep.Version,
					ContentHash: dependencyHash(*dep, entry),
				},
				Prompt:  DependencyPrompt(*dep, entryPath, entry),
				Mapping: LineMapping{Path: m.Path(location)},
			},
		})
	}

	sort.SliceStable(state.tasks, func(i, j int) bool {
		a, b := state.tasks[i], state.tasks[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}

		if a.kind != b.kind {
			return a.kind > b.kind
		}

		return a.label < b.label
	})
}

func entryLanguage(eco m.Ecosystem) m.Language {
	if eco == m.EcosystemGo {
		return m.LanguageGo
	}

	return m.LanguageRust
}

// dependencyHash prefers the registry checksum, then the entry source, then
// the name and version.
func dependencyHash(dep m.Dependency, entry []byte) string {
	switch {
	case dep.ContentHash != "":
		return dep.ContentHash
	case len(entry) > 0:
		return HashText(string(entry))
	default:
		return HashText(dep.Identity() + "@" + dep.Version)
	}
}

func (o *orchestrator) displayPlan(ctx context.Context, state *scanState) {
	if o.UI == nil {
		return
	}

	o.UI.DisplayScanPlan(ctx, controller.ScanPlan{
		Target:       state.opts.Target,
		Files:        state.stats.Files,
		Chunks:       state.stats.Chunks,
		Dependencies: state.stats.Dependencies,
		Tasks:        len(state.tasks),
		Workers:      state.opts.Workers,
	})
}

// dispatch runs every task through a per-scan gateway and returns the
// number of remote calls made.
func (o *orchestrator) dispatch(ctx context.Context, state *scanState) int64 {
	if len(state.tasks) == 0 {
		return 0
	}

	gate := newDispatchGate(o.Limiter, state.opts.MaxCalls)
	gw := NewGateway(o.Transport, o.Cache, gate, o.Clock, o.Metrics, o.Gateway)

	var group errgroup.Group
	group.SetLimit(state.opts.Workers)

	for id, t := range state.tasks {
		group.Go(func() error {
			if o.UI != nil {
				o.UI.DisplayTaskStarted(ctx, t.label, id)
			}

			o.run(ctx, gw, gate, t, state.opts.QuotaPolicy)

			state.mu.Lock()

			switch t.status {
			case m.StatusCached:
				state.stats.CacheHits++
			case m.StatusUnavailable:
				state.stats.Unavailable++
			}

			if t.kind == dependencyTask && (t.status == m.StatusAnalyzed || t.status == m.StatusCached) {
				state.stats.DeepAnalyzed++
			}

			state.mu.Unlock()

			if o.UI != nil {
				o.UI.DisplayTaskCompleted(ctx, t.label, t.status)
			}

			return nil
		})
	}

	_ = group.Wait()

	return gw.Calls()
}

func (o *orchestrator) run(ctx context.Context, gw Gateway, gate *dispatchGate, t *task, policy string) {
	analysis, err := gw.Analyze(ctx, t.req)

	var quota *QuotaExceededError
	if errors.As(err, &quota) {
		switch policy {
		case m.QuotaPolicyWait:
			wait := quota.RetryAfter
			if wait <= 0 || wait > maxQuotaWait {
				wait = maxQuotaWait
			}

			slog.Info("analysis quota exceeded, waiting", "task", t.label, "wait", wait)

			select {
			case <-o.Clock.After(wait):
				analysis, err = gw.Analyze(ctx, t.req)
			case <-ctx.Done():
				err = fmt.Errorf("%w: %w", ErrAnalysisCancelled, ctx.Err())
			}
		case m.QuotaPolicyAbort:
			if gate.stop() {
				slog.Warn("analysis quota exceeded, stopping remote dispatch", "task", t.label, "error", err)
			}
		default:
			slog.Warn("analysis quota exceeded, skipping", "task", t.label)
		}
	}

	if err == nil {
		t.analysis = analysis
		t.status = m.StatusAnalyzed

		if analysis.Cached {
			t.status = m.StatusCached
		}

		return
	}

	t.status, t.note = classify(err)
	if t.status != m.StatusUnavailable {
		return
	}

	t.analysis = Analysis{Findings: []m.Finding{{
		Severity:    m.SeverityLow,
		Origin:      m.OriginRemoteAnalysis,
		Location:    m.Location{Path: t.req.Mapping.Path, Line: t.req.Mapping.StartLine},
		Description: "remote analysis unavailable: " + t.note,
		Unavailable: true,
	}}}
}

// classify labels a task that produced no analysis.
func classify(err error) (m.AnalysisStatus, string) {
	var quota *QuotaExceededError

	switch {
	case errors.Is(err, ErrCallBudgetExhausted):
		return m.StatusSkipped, "call budget exhausted"
	case errors.Is(err, ErrDispatchStopped):
		return m.StatusUnavailable, "quota exceeded, dispatch stopped"
	case errors.Is(err, ErrAnalysisCancelled):
		return m.StatusUnavailable, "cancelled"
	case errors.As(err, &quota):
		return m.StatusUnavailable, "quota exceeded"
	default:
		return m.StatusUnavailable, "analysis failed: " + err.Error()
	}
}

// statusRank orders statuses when merging chunk outcomes into a file status.
func statusRank(s m.AnalysisStatus) int {
	switch s {
	case m.StatusUnavailable:
		return 4
	case m.StatusSkipped:
		return 3
	case m.StatusAnalyzed:
		return 2
	case m.StatusCached:
		return 1
	default:
		return 0
	}
}

// aggregate merges task outcomes into the reports and sorts the result.
func (o *orchestrator) aggregate(state *scanState, calls int64) m.ScanResult {
	type piece struct {
		line int
		text string
	}

	texts := make(map[int][]piece)

	for _, t := range state.tasks {
		switch t.kind {
		case chunkTask:
			report := &state.sources[t.source]
			report.Findings = append(report.Findings, t.analysis.Findings...)

			if statusRank(t.status) > statusRank(report.Status) {
				report.Status = t.status
				if t.note != "" {
					report.Note = t.note
				}
			}

			if t.analysis.Text != "" {
				texts[t.source] = append(texts[t.source], piece{line: t.line, text: t.analysis.Text})
			}
		case dependencyTask:
			dep := &state.deps[t.dep]
			dep.Findings = append(dep.Findings, t.analysis.Findings...)
			dep.Analysis = t.analysis.Text
			dep.Status = t.status
			dep.Note = joinNotes(dep.Note, t.note)
		}
	}

	for i := range state.sources {
		report := &state.sources[i]

		pieces := texts[i]
		sort.Slice(pieces, func(a, b int) bool { return pieces[a].line < pieces[b].line })

		for _, p := range pieces {
			report.Analysis = append(report.Analysis, p.text)
		}

		sortFindings(report.Findings)
		o.Metrics.found(report.Findings)
	}

	for i := range state.deps {
		dep := &state.deps[i]
		sortFindings(dep.Findings)

		*dep = o.Assessor.Assess(*dep)
		o.Metrics.scored(dep.Level)
		o.Metrics.found(dep.Findings)

		if !state.deep[i] {
			state.stats.MetadataOnlyScans++
		}
	}

	sort.Slice(state.sources, func(i, j int) bool { return state.sources[i].Path < state.sources[j].Path })
	SortDependencies(state.deps)

	stats := state.stats
	stats.RemoteCalls = int(calls)

	partial := false

	for _, s := range state.sources {
		partial = partial || s.Status == m.StatusUnavailable
	}

	for _, d := range state.deps {
		partial = partial || d.Status == m.StatusUnavailable
	}

	return m.ScanResult{
		Sources:      state.sources,
		Dependencies: state.deps,
		Stats:        stats,
		Partial:      partial,
	}
}

func sortFindings(findings []m.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Location.Path != b.Location.Path {
			return a.Location.Path < b.Location.Path
		}

		if a.Location.Line != b.Location.Line {
			return a.Location.Line < b.Location.Line
		}

		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}

		if a.Origin != b.Origin {
			return a.Origin > b.Origin
		}

		return a.Description < b.Description
	})
}

// SortDependencies orders by level, then score, descending, then name and version.
func SortDependencies(deps []m.Dependency) {
	sort.SliceStable(deps, func(i, j int) bool {
		a, b := deps[i], deps[j]
		if a.Level.Rank() != b.Level.Rank() {
			return a.Level.Rank() > b.Level.Rank()
		}

		if a.Score != b.Score {
			return a.Score > b.Score
		}

		if a.Name != b.Name {
			return a.Name < b.Name
		}

		return a.Version < b.Version
	})
}

func (o *orchestrator) recordUsage(ctx context.Context, state *scanState, result m.ScanResult) {
	if o.Cache == nil {
		return
	}

	rec := m.UsageRecord{
		Timestamp:       o.Clock.Now(),
		PackagesScanned: len(state.deps),
		CacheHits:       result.Stats.CacheHits,
		NewAnalyses:     result.Stats.RemoteCalls,
	}

	// Usage is recorded for cancelled scans too.
	if err := o.Cache.RecordUsage(context.WithoutCancel(ctx), rec); err != nil {
		slog.Debug("failed to record usage", "error", err)
	}
}

// dispatchGate enforces the per-scan call budget and the quota abort in
// front of the rate limiter.
type dispatchGate struct {
	next    RateLimiter
	max     int64
	used    atomic.Int64
	stopped atomic.Bool
}

func newDispatchGate(next RateLimiter, maxCalls uint) *dispatchGate {
	return &dispatchGate{next: next, max: int64(maxCalls)}
}

func (g *dispatchGate) Acquire(ctx context.Context) error {
	if g.stopped.Load() {
		return ErrDispatchStopped
	}

	if g.max > 0 && g.used.Add(1) > g.max {
		return fmt.Errorf("%w (%d calls)", ErrCallBudgetExhausted, g.max)
	}

	return g.next.Acquire(ctx)
}

// stop reports whether this call was the one that stopped dispatch.
func (g *dispatchGate) stop() bool {
	return g.stopped.CompareAndSwap(false, true)
}

func joinNotes(notes ...string) string {
	var out []string

	for _, n := range notes {
		if n != "" {
			out = append(out, n)
		}
	}

	return strings.Join(out, "; ")
}
