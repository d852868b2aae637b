// Package health classifies device health from serial stream content:
// reboots and crashes, startup completion, and repeating-line loops.
package health

import (
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/joescharf/serialmon/internal/models"
)

// LineSource supplies recent buffered lines for reboot context.
type LineSource interface {
	Recent(port string, n int) []models.BufferedLine
}

// Config holds the classifier's heuristic thresholds.
type Config struct {
	RebootWindow       time.Duration // reboot history retention, default 5m
	CrashLoopThreshold int           // reboots within RebootWindow that mean crash_loop, default 5
	CoalesceWindow     time.Duration // matches this close to the previous event fold into it, default 3s
	ContextLines       int           // lines of context attached to an event, default 10
	TraceScanLines     int           // lines scanned for a stack trace on crashes, default 50

	LoopWindow         time.Duration // sliding window for loop detection, default 60s
	LoopMinOccurrences int           // occurrences within LoopWindow that declare a loop, default 3
	LoopConfidenceCap  int           // occurrences at which confidence reaches 1, default 10
	LoopMaxKeys        int           // distinct normalized keys tracked per port, default 50
	NormalizeMaxLen    int           // normalized key length, default 100
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		RebootWindow:       5 * time.Minute,
		CrashLoopThreshold: 5,
		CoalesceWindow:     3 * time.Second,
		ContextLines:       10,
		TraceScanLines:     50,
		LoopWindow:         60 * time.Second,
		LoopMinOccurrences: 3,
		LoopConfidenceCap:  10,
		LoopMaxKeys:        50,
		NormalizeMaxLen:    100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RebootWindow <= 0 {
		c.RebootWindow = d.RebootWindow
	}
	if c.CrashLoopThreshold <= 0 {
		c.CrashLoopThreshold = d.CrashLoopThreshold
	}
	if c.CoalesceWindow < 0 {
		c.CoalesceWindow = 0
	}
	if c.ContextLines <= 0 {
		c.ContextLines = d.ContextLines
	}
	if c.TraceScanLines <= 0 {
		c.TraceScanLines = d.TraceScanLines
	}
	if c.LoopWindow <= 0 {
		c.LoopWindow = d.LoopWindow
	}
	if c.LoopMinOccurrences <= 0 {
		c.LoopMinOccurrences = d.LoopMinOccurrences
	}
	if c.LoopConfidenceCap <= 0 {
		c.LoopConfidenceCap = d.LoopConfidenceCap
	}
	if c.LoopMaxKeys <= 0 {
		c.LoopMaxKeys = d.LoopMaxKeys
	}
	if c.NormalizeMaxLen <= 0 {
		c.NormalizeMaxLen = d.NormalizeMaxLen
	}
	return c
}

// Tables are the pattern tables the classifier evaluates.
type Tables struct {
	Rules          []Rule
	StartupMarkers []*regexp.Regexp
	RepeatAllow    []*regexp.Regexp
	TracePatterns  []*regexp.Regexp
}

// DefaultTables returns the built-in pattern tables.
func DefaultTables() Tables {
	return Tables{
		Rules:          DefaultRules,
		StartupMarkers: DefaultStartupMarkers,
		RepeatAllow:    DefaultRepeatAllowlist,
		TracePatterns:  DefaultTracePatterns,
	}
}

// Observation is what a single line told the classifier.
type Observation struct {
	Reboot    *models.RebootEvent // set when the line started a new reboot event
	Coalesced bool                // line matched a rule but folded into the previous event
	Startup   bool                // line matched a startup marker
}

// RebootHook is called for every newly recorded reboot event.
type RebootHook func(models.RebootEvent)

type portState struct {
	events      []models.RebootEvent
	total       int
	consecutive int
	startupSeen bool
	loops       map[string][]time.Time
}

// Classifier tracks per-port health. It is safe for concurrent use.
type Classifier struct {
	mu     sync.Mutex
	config Config
	tables Tables
	source LineSource
	ports  map[string]*portState
	hook   RebootHook
	logger *slog.Logger
	now    func() time.Time
}

// NewClassifier creates a classifier. source may be nil, in which case
// reboot events carry only the triggering line as context.
func NewClassifier(config Config, tables Tables, source LineSource, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if tables.Rules == nil {
		tables = DefaultTables()
	}
	return &Classifier{
		config: config.withDefaults(),
		tables: tables,
		source: source,
		ports:  make(map[string]*portState),
		logger: logger.With("component", "health"),
		now:    time.Now,
	}
}

// OnReboot registers a hook for new reboot events.
func (c *Classifier) OnReboot(hook RebootHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = hook
}

// Config returns the effective thresholds.
func (c *Classifier) Config() Config { return c.config }

func (c *Classifier) state(port string) *portState {
	st, ok := c.ports[port]
	if !ok {
		st = &portState{loops: make(map[string][]time.Time)}
		c.ports[port] = st
	}
	return st
}

// Feed classifies one line from port.
func (c *Classifier) Feed(port, line string) Observation {
	var context, scan []string
	if c.source != nil {
		context = texts(c.source.Recent(port, c.config.ContextLines))
		scan = texts(c.source.Recent(port, c.config.TraceScanLines))
	}

	c.mu.Lock()
	now := c.now()
	st := c.state(port)

	var obs Observation
	var hook RebootHook
	if rule, code, ok := c.classify(line); ok {
		crash := IsCrash(rule.Category)
		var trace []string
		if crash {
			trace = c.extractTrace(scan, line)
		}

		if last := lastEvent(st); last != nil && c.config.CoalesceWindow > 0 && now.Sub(last.Timestamp) <= c.config.CoalesceWindow {
			// Same reboot seen through another line: enrich, don't count.
			if crash && !last.IsCrash {
				last.Category = rule.Category
				last.IsCrash = true
				last.Severity = string(rule.Severity)
			}
			if last.Code == "" {
				last.Code = code
			}
			last.StackTrace = mergeTrace(last.StackTrace, trace)
			obs.Coalesced = true
		} else {
			if len(context) == 0 {
				context = []string{line}
			}
			ev := models.RebootEvent{
				Port:       port,
				Timestamp:  now,
				Category:   rule.Category,
				IsCrash:    crash,
				Severity:   string(rule.Severity),
				Code:       code,
				Line:       line,
				Context:    context,
				StackTrace: trace,
			}
			st.events = append(st.events, ev)
			st.total++
			st.consecutive++
			obs.Reboot = &ev
			hook = c.hook
			c.logger.Info("reboot detected",
				"port", port,
				"category", ev.Category,
				"crash", ev.IsCrash,
				"code", ev.Code,
				"consecutive", st.consecutive,
			)
		}
		st.startupSeen = false
		c.pruneEvents(st, now)
	}

	if matchAny(c.tables.StartupMarkers, line) {
		st.startupSeen = true
		st.consecutive = 0
		obs.Startup = true
	}

	c.trackLoop(st, line, now)
	c.mu.Unlock()

	if hook != nil && obs.Reboot != nil {
		hook(*obs.Reboot)
	}
	return obs
}

func (c *Classifier) classify(line string) (Rule, string, bool) {
	for _, r := range c.tables.Rules {
		m := r.Pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		code := ""
		if r.CodeGroup > 0 && r.CodeGroup < len(m) {
			code = m[r.CodeGroup]
		}
		return r, code, true
	}
	return Rule{}, "", false
}

func (c *Classifier) extractTrace(scan []string, line string) []string {
	if len(scan) == 0 {
		scan = []string{line}
	}
	var out []string
	for _, l := range scan {
		if matchAny(c.tables.TracePatterns, l) {
			out = append(out, l)
		}
	}
	return out
}

func (c *Classifier) pruneEvents(st *portState, now time.Time) {
	cutoff := now.Add(-c.config.RebootWindow)
	i := 0
	for i < len(st.events) && st.events[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		st.events = append([]models.RebootEvent(nil), st.events[i:]...)
	}
}

// Status derives the health snapshot for port.
func (c *Classifier) Status(port string) models.HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st, ok := c.ports[port]
	if !ok {
		return models.HealthStatus{Port: port, Status: models.HealthUnknown}
	}
	c.pruneEvents(st, now)

	hs := models.HealthStatus{
		Port:               port,
		TotalReboots:       st.total,
		RecentReboots:      len(st.events),
		ConsecutiveReboots: st.consecutive,
		StartupSeen:        st.startupSeen,
		AverageUptime:      averageUptime(st.events),
		Loop:               c.detectLoop(st, now),
	}
	if last := lastEvent(st); last != nil {
		ev := *last
		hs.LastReboot = &ev
	}

	switch {
	case hs.RecentReboots >= c.config.CrashLoopThreshold || hs.Loop.Detected:
		hs.Status = models.HealthCrashLoop
		hs.Suggestion = suggestionFor(hs.LastReboot, hs.Loop)
	case st.startupSeen && hs.RecentReboots == 0:
		hs.Status = models.HealthHealthy
	case hs.RecentReboots > 0:
		hs.Status = models.HealthUnstable
		hs.Suggestion = suggestionFor(hs.LastReboot, hs.Loop)
	default:
		hs.Status = models.HealthUnknown
	}
	return hs
}

// StatusAll returns snapshots for every tracked port, sorted by port.
func (c *Classifier) StatusAll() []models.HealthStatus {
	c.mu.Lock()
	ports := make([]string, 0, len(c.ports))
	for p := range c.ports {
		ports = append(ports, p)
	}
	c.mu.Unlock()

	sort.Strings(ports)
	out := make([]models.HealthStatus, 0, len(ports))
	for _, p := range ports {
		out = append(out, c.Status(p))
	}
	return out
}

// RecentReboots returns the reboot events still inside the reboot window.
func (c *Classifier) RecentReboots(port string) []models.RebootEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.ports[port]
	if !ok {
		return nil
	}
	c.pruneEvents(st, c.now())
	return append([]models.RebootEvent(nil), st.events...)
}

// Reset forgets everything known about port.
func (c *Classifier) Reset(port string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ports, port)
}

func suggestionFor(last *models.RebootEvent, loop models.LoopDetection) string {
	if last != nil {
		if s, ok := suggestions[last.Category]; ok {
			return s
		}
	}
	if loop.Detected {
		return loopSuggestion
	}
	return ""
}

func averageUptime(events []models.RebootEvent) time.Duration {
	if len(events) < 2 {
		return 0
	}
	span := events[len(events)-1].Timestamp.Sub(events[0].Timestamp)
	return span / time.Duration(len(events)-1)
}

func lastEvent(st *portState) *models.RebootEvent {
	if len(st.events) == 0 {
		return nil
	}
	return &st.events[len(st.events)-1]
}

func mergeTrace(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, l := range existing {
		seen[l] = true
	}
	for _, l := range extra {
		if !seen[l] {
			existing = append(existing, l)
			seen[l] = true
		}
	}
	return existing
}

func matchAny(patterns []*regexp.Regexp, line string) bool {
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

func texts(lines []models.BufferedLine) []string {
	if len(lines) == 0 {
		return nil
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}
