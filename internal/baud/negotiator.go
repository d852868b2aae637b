// Package baud picks the baud rate a device is actually talking at by
// resetting it at each candidate rate and scoring what comes back.
package baud

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"go.bug.st/serial"
)

// CommonRates are probed, in order, after the caller's current rate.
var CommonRates = []int{921600, 460800, 230400, 115200, 74880, 57600, 38400, 19200, 9600}

// Keywords typical of boot and network banners.
var Keywords = [][]byte{
	[]byte("boot"), []byte("rst:"), []byte("ets "), []byte("ready"), []byte("wifi"),
	[]byte("connect"), []byte("setup"), []byte("esp"), []byte("version"), []byte("ip"),
}

const (
	weightPrintable = 0.6
	weightNewlines  = 0.25
	weightKeyword   = 0.15
	newlineCap      = 10
)

// Port is the subset of a serial port the negotiator drives.
type Port interface {
	io.Reader
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Opener opens a port at a given baud rate.
type Opener interface {
	Open(name string, baud int) (Port, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(name string, baud int) (Port, error)

func (f OpenerFunc) Open(name string, baud int) (Port, error) { return f(name, baud) }

// SerialOpener opens real ports with go.bug.st/serial.
type SerialOpener struct{}

func (SerialOpener) Open(name string, baud int) (Port, error) {
	return serial.Open(name, &serial.Mode{BaudRate: baud})
}

// Config controls probing.
type Config struct {
	SampleWindow time.Duration // bytes are sampled for this long per candidate, default 1.8s
	ReadTimeout  time.Duration // single read timeout inside the window, default 100ms
	PulseDelay   time.Duration // delay between reset pulse edges, default 100ms
	MaxSample    int           // sample size cap in bytes, default 4096
	Accept       float64       // score that stops probing early, default 0.8
	Floor        float64       // best score below this reports none, default 0.3
}

// DefaultConfig returns the default probe settings.
func DefaultConfig() Config {
	return Config{
		SampleWindow: 1800 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
		PulseDelay:   100 * time.Millisecond,
		MaxSample:    4096,
		Accept:       0.8,
		Floor:        0.3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleWindow <= 0 {
		c.SampleWindow = d.SampleWindow
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.PulseDelay < 0 {
		c.PulseDelay = 0
	}
	if c.MaxSample <= 0 {
		c.MaxSample = d.MaxSample
	}
	if c.Accept <= 0 {
		c.Accept = d.Accept
	}
	if c.Floor <= 0 {
		c.Floor = d.Floor
	}
	return c
}

// Probe is the outcome of sampling one candidate rate.
type Probe struct {
	Baud  int     `json:"baud"`
	Score float64 `json:"score"`
	Bytes int     `json:"bytes"`
	Error string  `json:"error,omitempty"`
}

// Result is the outcome of a negotiation. Found is false when no
// candidate scored at or above the floor.
type Result struct {
	Baud   int     `json:"baud"`
	Score  float64 `json:"score"`
	Found  bool    `json:"found"`
	Probes []Probe `json:"probes"`
}

// Negotiator probes candidate baud rates on a port.
type Negotiator struct {
	opener Opener
	config Config
	logger *slog.Logger
}

// NewNegotiator creates a negotiator. A nil opener uses SerialOpener.
func NewNegotiator(opener Opener, config Config, logger *slog.Logger) *Negotiator {
	if opener == nil {
		opener = SerialOpener{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		opener: opener,
		config: config.withDefaults(),
		logger: logger.With("component", "baud"),
	}
}

// Candidates returns the ordered, de-duplicated rates to probe.
func Candidates(current int) []int {
	out := make([]int, 0, len(CommonRates)+1)
	seen := make(map[int]bool)
	if current > 0 {
		out = append(out, current)
		seen[current] = true
	}
	for _, r := range CommonRates {
		if !seen[r] {
			out = append(out, r)
			seen[r] = true
		}
	}
	return out
}

// Detect probes each candidate in turn and returns the best one.
// Probing stops early on a confident score or when ctx is done.
func (n *Negotiator) Detect(ctx context.Context, port string, current int) Result {
	var res Result
	for _, rate := range Candidates(current) {
		if ctx.Err() != nil {
			break
		}
		p := n.probe(ctx, port, rate)
		res.Probes = append(res.Probes, p)
		n.logger.Debug("baud probe", "port", port, "baud", rate, "score", p.Score, "bytes", p.Bytes, "error", p.Error)

		if p.Error == "" && p.Score > res.Score {
			res.Baud, res.Score = rate, p.Score
		}
		if res.Score >= n.config.Accept {
			break
		}
	}

	res.Found = res.Score >= n.config.Floor
	if !res.Found {
		res.Baud = 0
		n.logger.Info("baud negotiation found no confident rate", "port", port, "best_score", res.Score)
	} else {
		n.logger.Info("baud negotiated", "port", port, "baud", res.Baud, "score", res.Score)
	}
	return res
}

func (n *Negotiator) probe(ctx context.Context, name string, rate int) Probe {
	p := Probe{Baud: rate}
	port, err := n.opener.Open(name, rate)
	if err != nil {
		p.Error = err.Error()
		return p
	}
	defer port.Close()

	if err := n.resetPulse(ctx, port); err != nil {
		// Boards without DTR/RTS wiring still stream; sample anyway.
		n.logger.Debug("reset pulse failed", "port", name, "error", err)
	}
	sample, err := n.sample(ctx, port)
	if err != nil {
		p.Error = err.Error()
	}
	p.Bytes = len(sample)
	p.Score = Score(sample)
	return p
}

// resetPulse drives DTR and RTS low then high to restart the device.
func (n *Negotiator) resetPulse(ctx context.Context, port Port) error {
	if err := port.SetDTR(false); err != nil {
		return err
	}
	if err := port.SetRTS(false); err != nil {
		return err
	}
	sleep(ctx, n.config.PulseDelay)
	if err := port.SetDTR(true); err != nil {
		return err
	}
	if err := port.SetRTS(true); err != nil {
		return err
	}
	sleep(ctx, n.config.PulseDelay)
	return nil
}

func (n *Negotiator) sample(ctx context.Context, port Port) ([]byte, error) {
	if err := port.SetReadTimeout(n.config.ReadTimeout); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(n.config.SampleWindow)
	var out []byte
	buf := make([]byte, 512)
	for time.Now().Before(deadline) && len(out) < n.config.MaxSample {
		if ctx.Err() != nil {
			break
		}
		k, err := port.Read(buf)
		if k > 0 {
			out = append(out, buf[:k]...)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return out, err
		}
	}
	if len(out) > n.config.MaxSample {
		out = out[:n.config.MaxSample]
	}
	return out, nil
}

// Score rates how much a sample looks like readable text, in [0,1].
// An empty sample scores 0.
func Score(sample []byte) float64 {
	if len(sample) == 0 {
		return 0
	}
	printable := 0
	newlines := 0
	for _, b := range sample {
		switch {
		case b == '\n':
			newlines++
			printable++
		case b == '\r' || b == '\t':
			printable++
		case b >= 0x20 && b < 0x7f:
			printable++
		}
	}

	score := weightPrintable * float64(printable) / float64(len(sample))
	score += weightNewlines * float64(min(newlines, newlineCap)) / newlineCap
	lower := bytes.ToLower(sample)
	for _, kw := range Keywords {
		if bytes.Contains(lower, kw) {
			score += weightKeyword
			break
		}
	}

	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
