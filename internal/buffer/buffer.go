// Package buffer keeps a bounded per-port history of stream lines and
// resolves capture conditions registered against it.
package buffer

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/joescharf/serialmon/internal/models"
)

// DefaultCapacity is the number of lines retained per port.
const DefaultCapacity = 1000

// ErrInvalidPattern is returned for patterns that fail to compile.
var ErrInvalidPattern = errors.New("invalid pattern")

// ring is a fixed-capacity FIFO of lines for one port.
type ring struct {
	lines   []models.BufferedLine
	head    int // index of the oldest line
	size    int
	nextSeq uint64
}

func newRing(capacity int) *ring {
	return &ring{lines: make([]models.BufferedLine, capacity), nextSeq: 1}
}

func (r *ring) push(line models.BufferedLine) {
	capacity := len(r.lines)
	if r.size < capacity {
		r.lines[(r.head+r.size)%capacity] = line
		r.size++
		return
	}
	r.lines[r.head] = line
	r.head = (r.head + 1) % capacity
}

// at returns the i-th oldest line.
func (r *ring) at(i int) models.BufferedLine {
	return r.lines[(r.head+i)%len(r.lines)]
}

func (r *ring) last(n int) []models.BufferedLine {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]models.BufferedLine, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.at(i))
	}
	return out
}

// Store holds one ring per port and the live capture conditions.
type Store struct {
	mu       sync.Mutex
	capacity int
	rings    map[string]*ring
	captures map[string]*Capture
	now      func() time.Time
}

// NewStore creates a Store retaining capacity lines per port.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		rings:    make(map[string]*ring),
		captures: make(map[string]*Capture),
		now:      time.Now,
	}
}

// Capacity returns the per-port line capacity.
func (s *Store) Capacity() int { return s.capacity }

// Push appends text to port's history, evicting the oldest line when full,
// and feeds it to every unresolved capture on that port.
func (s *Store) Push(port, text string) models.BufferedLine {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[port]
	if !ok {
		r = newRing(s.capacity)
		s.rings[port] = r
	}

	line := models.BufferedLine{
		Timestamp: s.now(),
		Seq:       r.nextSeq,
		Text:      text,
	}
	r.nextSeq++
	r.push(line)

	for _, c := range s.captures {
		if c.port == port {
			s.offerLocked(c, line)
		}
	}
	return line
}

// Recent returns up to n of the newest lines for port, oldest first.
// n <= 0 returns everything retained.
func (s *Store) Recent(port string, n int) []models.BufferedLine {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[port]
	if !ok {
		return nil
	}
	return r.last(n)
}

// Since returns retained lines with a sequence number greater than seq.
func (s *Store) Since(port string, seq uint64) []models.BufferedLine {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[port]
	if !ok {
		return nil
	}
	var out []models.BufferedLine
	for i := 0; i < r.size; i++ {
		if l := r.at(i); l.Seq > seq {
			out = append(out, l)
		}
	}
	return out
}

// Search returns retained lines matching the regular expression pattern.
func (s *Store) Search(port, pattern string) ([]models.BufferedLine, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[port]
	if !ok {
		return nil, nil
	}
	var out []models.BufferedLine
	for i := 0; i < r.size; i++ {
		if l := r.at(i); re.MatchString(l.Text) {
			out = append(out, l)
		}
	}
	return out, nil
}

// Len returns the number of lines retained for port.
func (s *Store) Len(port string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rings[port]; ok {
		return r.size
	}
	return 0
}

// Clear drops port's history. Sequence numbering continues where it left off.
func (s *Store) Clear(port string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rings[port]; ok {
		next := r.nextSeq
		*r = *newRing(s.capacity)
		r.nextSeq = next
	}
}

// Ports returns every port with retained history, sorted.
func (s *Store) Ports() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ports := make([]string, 0, len(s.rings))
	for p := range s.rings {
		ports = append(ports, p)
	}
	sort.Strings(ports)
	return ports
}
