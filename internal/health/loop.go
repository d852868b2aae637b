package health

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/joescharf/serialmon/internal/models"
)

var (
	reTimestamp = regexp.MustCompile(`\d{1,4}[-/]\d{1,2}[-/]\d{1,4}[ T]\d{1,2}:\d{2}(:\d{2})?(\.\d+)?|\b\d{1,2}:\d{2}:\d{2}(\.\d+)?\b|^\[?\s*\d+(\.\d+)?\s*\]`)
	reIP        = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	reHex       = regexp.MustCompile(`\b0[xX][0-9a-fA-F]+\b`)
	reNumber    = regexp.MustCompile(`\d+(\.\d+)?`)
	reSpaces    = regexp.MustCompile(`\s+`)
)

// Normalize collapses the variable parts of a line (timestamps, IPs, hex
// and decimal numbers) so that repeats of the same message share a key.
func Normalize(line string, maxLen int) string {
	s := strings.TrimSpace(line)
	s = reTimestamp.ReplaceAllString(s, "<TS>")
	s = reIP.ReplaceAllString(s, "<IP>")
	s = reHex.ReplaceAllString(s, "<HEX>")
	s = reNumber.ReplaceAllString(s, "<N>")
	s = reSpaces.ReplaceAllString(s, " ")
	if maxLen > 0 && len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// trackLoop records an occurrence of line's normalized key.
// Caller must hold c.mu.
func (c *Classifier) trackLoop(st *portState, line string, now time.Time) {
	if strings.TrimSpace(line) == "" || matchAny(c.tables.RepeatAllow, line) {
		return
	}
	key := Normalize(line, c.config.NormalizeMaxLen)
	if key == "" {
		return
	}

	cutoff := now.Add(-c.config.LoopWindow)
	st.loops[key] = append(pruneTimes(st.loops[key], cutoff), now)

	if len(st.loops) > c.config.LoopMaxKeys {
		c.trimLoopKeys(st, cutoff)
	}
}

// trimLoopKeys keeps only the LoopMaxKeys most frequent keys.
func (c *Classifier) trimLoopKeys(st *portState, cutoff time.Time) {
	type kv struct {
		key   string
		count int
		last  time.Time
	}
	entries := make([]kv, 0, len(st.loops))
	for k, ts := range st.loops {
		ts = pruneTimes(ts, cutoff)
		if len(ts) == 0 {
			delete(st.loops, k)
			continue
		}
		st.loops[k] = ts
		entries = append(entries, kv{k, len(ts), ts[len(ts)-1]})
	}
	if len(entries) <= c.config.LoopMaxKeys {
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].last.After(entries[j].last)
	})
	for _, e := range entries[c.config.LoopMaxKeys:] {
		delete(st.loops, e.key)
	}
}

// detectLoop reports the most frequent key inside the loop window.
// Caller must hold c.mu.
func (c *Classifier) detectLoop(st *portState, now time.Time) models.LoopDetection {
	cutoff := now.Add(-c.config.LoopWindow)

	var bestKey string
	var best []time.Time
	for k, ts := range st.loops {
		ts = pruneTimes(ts, cutoff)
		if len(ts) == 0 {
			delete(st.loops, k)
			continue
		}
		st.loops[k] = ts
		if len(ts) > len(best) || (len(ts) == len(best) && k < bestKey) {
			bestKey, best = k, ts
		}
	}

	if len(best) < c.config.LoopMinOccurrences {
		return models.LoopDetection{Occurrences: len(best)}
	}

	confidence := float64(len(best)) / float64(c.config.LoopConfidenceCap)
	if confidence > 1 {
		confidence = 1
	}
	var interval time.Duration
	if len(best) > 1 {
		interval = best[len(best)-1].Sub(best[0]) / time.Duration(len(best)-1)
	}
	return models.LoopDetection{
		Detected:    true,
		Pattern:     bestKey,
		Occurrences: len(best),
		Interval:    interval,
		Confidence:  confidence,
	}
}

// Loop returns the current loop detection for port.
func (c *Classifier) Loop(port string) models.LoopDetection {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.ports[port]
	if !ok {
		return models.LoopDetection{}
	}
	return c.detectLoop(st, c.now())
}

func pruneTimes(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append([]time.Time(nil), ts[i:]...)
}
