package buffer

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/joescharf/serialmon/internal/models"
)

// CaptureReason explains how a capture resolved.
type CaptureReason string

const (
	ReasonPatternMatched CaptureReason = "pattern_matched"
	ReasonMaxLines       CaptureReason = "max_lines"
	ReasonTimeout        CaptureReason = "timeout"
	ReasonCancelled      CaptureReason = "cancelled"
)

// DefaultCaptureTimeout applies when CaptureOptions.Timeout is zero.
const DefaultCaptureTimeout = 30 * time.Second

// CaptureOptions describes a "wait until" condition on a port's stream.
type CaptureOptions struct {
	Port     string
	Pattern  string
	Timeout  time.Duration
	MaxLines int
}

// CaptureResult is delivered exactly once per capture.
type CaptureResult struct {
	ID        string                `json:"id"`
	Port      string                `json:"port"`
	Success   bool                  `json:"success"`
	Reason    CaptureReason         `json:"reason"`
	Lines     []models.BufferedLine `json:"lines"`
	Matched   *models.BufferedLine  `json:"matched,omitempty"`
	ElapsedMs int64                 `json:"elapsedMs"`
}

// Capture is a registered condition. Lines pushed to its port after
// registration accumulate until it resolves.
type Capture struct {
	ID string

	port     string
	pattern  *regexp.Regexp
	maxLines int
	timeout  time.Duration
	started  time.Time
	lines    []models.BufferedLine
	timer    *time.Timer
	resolved bool
	result   CaptureResult
	done     chan struct{}
}

// Done is closed once the capture resolves.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Result returns the resolution. It is only meaningful after Done is closed.
func (c *Capture) Result() CaptureResult {
	<-c.done
	return c.result
}

// Wait blocks until the capture resolves or ctx ends.
func (c *Capture) Wait(ctx context.Context) (CaptureResult, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return CaptureResult{}, ctx.Err()
	}
}

// StartCapture registers a condition on opts.Port. An empty pattern never
// matches, so the capture resolves on max lines or timeout.
func (s *Store) StartCapture(opts CaptureOptions) (*Capture, error) {
	var re *regexp.Regexp
	if opts.Pattern != "" {
		var err error
		re, err = regexp.Compile(opts.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCaptureTimeout
	}

	c := &Capture{
		ID:       uuid.NewString(),
		port:     opts.Port,
		pattern:  re,
		maxLines: opts.MaxLines,
		timeout:  opts.Timeout,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	c.started = s.now()
	s.captures[c.ID] = c
	c.timer = time.AfterFunc(opts.Timeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.resolveLocked(c, ReasonTimeout, nil)
	})
	s.mu.Unlock()

	return c, nil
}

// CancelCapture resolves the capture with id as cancelled. It reports
// whether a live capture was found.
func (s *Store) CancelCapture(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.captures[id]
	if !ok {
		return false
	}
	s.resolveLocked(c, ReasonCancelled, nil)
	return true
}

// CancelPort resolves every live capture on port as cancelled.
func (s *Store) CancelPort(port string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.captures {
		if c.port == port {
			s.resolveLocked(c, ReasonCancelled, nil)
			n++
		}
	}
	return n
}

// ActiveCaptures returns the number of unresolved captures.
func (s *Store) ActiveCaptures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.captures)
}

// offerLocked feeds line to c. Caller must hold s.mu.
func (s *Store) offerLocked(c *Capture, line models.BufferedLine) {
	if c.resolved {
		return
	}
	c.lines = append(c.lines, line)
	if c.pattern != nil && c.pattern.MatchString(line.Text) {
		matched := line
		s.resolveLocked(c, ReasonPatternMatched, &matched)
		return
	}
	if c.maxLines > 0 && len(c.lines) >= c.maxLines {
		s.resolveLocked(c, ReasonMaxLines, nil)
	}
}

// resolveLocked settles c exactly once. Caller must hold s.mu.
func (s *Store) resolveLocked(c *Capture, reason CaptureReason, matched *models.BufferedLine) {
	if c.resolved {
		return
	}
	c.resolved = true
	if c.timer != nil {
		c.timer.Stop()
	}
	delete(s.captures, c.ID)

	elapsed := s.now().Sub(c.started).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	c.result = CaptureResult{
		ID:        c.ID,
		Port:      c.port,
		Success:   reason == ReasonPatternMatched,
		Reason:    reason,
		Lines:     c.lines,
		Matched:   matched,
		ElapsedMs: elapsed,
	}
	if c.result.Lines == nil {
		c.result.Lines = []models.BufferedLine{}
	}
	close(c.done)
}
