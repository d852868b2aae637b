package health

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/serialmon/internal/buffer"
	"github.com/joescharf/serialmon/internal/models"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// feeder pushes lines through a real buffer before classifying them,
// the same order a monitor session uses.
type feeder struct {
	buf *buffer.Store
	c   *Classifier
	clk *testClock
}

func newFeeder(t *testing.T, cfg Config) *feeder {
	t.Helper()
	clk := &testClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	buf := buffer.NewStore(100)
	c := NewClassifier(cfg, DefaultTables(), buf, nil)
	c.now = clk.Now
	return &feeder{buf: buf, c: c, clk: clk}
}

func (f *feeder) feed(port, line string) Observation {
	f.buf.Push(port, line)
	return f.c.Feed(port, line)
}

func TestScenario_ResetBannerThenConnected(t *testing.T) {
	f := newFeeder(t, DefaultConfig())

	obs := f.feed("p1", "rst:0x1 (POWERON_RESET),boot:0x13 (SPI_FAST_FLASH_BOOT)")
	require.NotNil(t, obs.Reboot)
	assert.Equal(t, models.RebootReset, obs.Reboot.Category)
	assert.Equal(t, "POWERON_RESET", obs.Reboot.Code)
	assert.False(t, obs.Reboot.IsCrash)

	obs = f.feed("p1", "ets Jul 29 2019 12:21:46")
	assert.Nil(t, obs.Reboot, "boot banner right after reset is the same reboot")
	assert.True(t, obs.Coalesced)

	obs = f.feed("p1", "WiFi connected")
	assert.True(t, obs.Startup)

	hs := f.c.Status("p1")
	assert.True(t, hs.StartupSeen)
	assert.Equal(t, 0, hs.ConsecutiveReboots)
	assert.Equal(t, 1, hs.RecentReboots)
	assert.Equal(t, models.HealthUnstable, hs.Status)

	f.clk.Advance(5*time.Minute + time.Second)
	hs = f.c.Status("p1")
	assert.Equal(t, models.HealthHealthy, hs.Status)
	assert.Equal(t, 0, hs.RecentReboots)
	assert.Equal(t, 1, hs.TotalReboots)
}

func TestClassify_Table(t *testing.T) {
	tests := []struct {
		line     string
		category models.RebootCategory
		crash    bool
		code     string
	}{
		{"rst:0xc (SW_CPU_RESET),boot:0x13", models.RebootReset, false, "SW_CPU_RESET"},
		{"Brownout detector was triggered", models.RebootBrownout, true, ""},
		{"Guru Meditation Error: Core  1 panic'ed (LoadProhibited). Exception was unhandled.", models.RebootGuruMeditation, true, "LoadProhibited"},
		{"Backtrace: 0x400d1234:0x3ffb1e80 0x400d5678:0x3ffb1ea0", models.RebootBacktrace, true, "0x400d1234"},
		{"E (10123) task_wdt: Task watchdog got triggered.", models.RebootWatchdogTask, true, ""},
		{"Guru Meditation Error: Core  0 panic'ed (Interrupt wdt timeout on CPU0)", models.RebootWatchdogInterrupt, true, "Interrupt wdt timeout"},
		{"abort() was called at PC 0x400d2f3c on core 1", models.RebootAbort, true, "0x400d2f3c"},
		{"panic: runtime error", models.RebootPanic, true, ""},
		{"ets Jun  8 2016 00:22:57", models.RebootBootBanner, false, ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.category)+"/"+tt.line, func(t *testing.T) {
			f := newFeeder(t, DefaultConfig())
			obs := f.feed("p1", tt.line)
			require.NotNil(t, obs.Reboot)
			assert.Equal(t, tt.category, obs.Reboot.Category)
			assert.Equal(t, tt.crash, obs.Reboot.IsCrash)
			assert.Equal(t, tt.code, obs.Reboot.Code)
		})
	}
}

func TestClassify_OrdinaryLinesIgnored(t *testing.T) {
	f := newFeeder(t, DefaultConfig())
	for _, l := range []string{"Temperature: 21.5C", "[SettingManager] SPIFFS mounted successfully", ""} {
		obs := f.feed("p1", l)
		assert.Nil(t, obs.Reboot, l)
	}
	assert.Equal(t, models.HealthUnknown, f.c.Status("p1").Status)
}

func TestReboot_ContextAndStackTrace(t *testing.T) {
	f := newFeeder(t, DefaultConfig())
	for i := 0; i < 15; i++ {
		f.feed("p1", fmt.Sprintf("loop iteration %d", i))
	}
	f.feed("p1", "PC      : 0x400d1234  PS      : 0x00060030")
	f.feed("p1", "EXCVADDR: 0x00000000")
	obs := f.feed("p1", "Backtrace: 0x400d1234:0x3ffb1e80 0x400d5678:0x3ffb1ea0")

	require.NotNil(t, obs.Reboot)
	assert.Len(t, obs.Reboot.Context, 10)
	assert.Equal(t, "Backtrace: 0x400d1234:0x3ffb1e80 0x400d5678:0x3ffb1ea0", obs.Reboot.Context[9])
	assert.Len(t, obs.Reboot.StackTrace, 3)
}

func TestCoalesce_CrashUpgradesEvent(t *testing.T) {
	f := newFeeder(t, DefaultConfig())

	f.feed("p1", "ESP-ROM:esp32s3-20210327")
	f.clk.Advance(time.Second)
	obs := f.feed("p1", "Guru Meditation Error: Core  1 panic'ed (StoreProhibited)")
	assert.True(t, obs.Coalesced)

	events := f.c.RecentReboots("p1")
	require.Len(t, events, 1)
	assert.Equal(t, models.RebootGuruMeditation, events[0].Category)
	assert.True(t, events[0].IsCrash)
}

func TestCrashLoop_ByRebootCount(t *testing.T) {
	f := newFeeder(t, DefaultConfig())
	var hooked int
	f.c.OnReboot(func(models.RebootEvent) { hooked++ })

	for i := 0; i < 5; i++ {
		f.feed("p1", "E (5000) task_wdt: Task watchdog got triggered.")
		f.clk.Advance(20 * time.Second)
	}

	hs := f.c.Status("p1")
	assert.Equal(t, 5, hooked)
	assert.Equal(t, models.HealthCrashLoop, hs.Status)
	assert.Equal(t, 5, hs.RecentReboots)
	assert.Equal(t, 5, hs.ConsecutiveReboots)
	assert.Equal(t, 20*time.Second, hs.AverageUptime)
	assert.Contains(t, hs.Suggestion, "blocking code")
}

func TestUnstable_BelowThreshold(t *testing.T) {
	f := newFeeder(t, DefaultConfig())
	f.feed("p1", "Brownout detector was triggered")
	f.clk.Advance(10 * time.Second)
	f.feed("p1", "Brownout detector was triggered")

	hs := f.c.Status("p1")
	assert.Equal(t, models.HealthUnstable, hs.Status)
	assert.Contains(t, hs.Suggestion, "power supply")
}

func TestCrashLoopThreshold_Configurable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CrashLoopThreshold = 2
	f := newFeeder(t, cfg)

	f.feed("p1", "rst:0x1 (POWERON_RESET)")
	f.clk.Advance(10 * time.Second)
	f.feed("p1", "rst:0x1 (POWERON_RESET)")

	assert.Equal(t, models.HealthCrashLoop, f.c.Status("p1").Status)
}

func TestLoopDetection_ThreeOccurrences(t *testing.T) {
	f := newFeeder(t, DefaultConfig())

	f.feed("p1", "[12:00:01] Sensor read failed at 0x3f: code 17")
	f.clk.Advance(5 * time.Second)
	f.feed("p1", "[12:00:06] Sensor read failed at 0x40: code 18")

	loop := f.c.Loop("p1")
	assert.False(t, loop.Detected, "two occurrences are not a loop")
	assert.Equal(t, 2, loop.Occurrences)

	f.clk.Advance(5 * time.Second)
	f.feed("p1", "[12:00:11] Sensor read failed at 0x41: code 19")

	loop = f.c.Loop("p1")
	assert.True(t, loop.Detected)
	assert.Equal(t, 3, loop.Occurrences)
	assert.Equal(t, 5*time.Second, loop.Interval)
	assert.InDelta(t, 0.3, loop.Confidence, 1e-9)
	assert.Equal(t, models.HealthCrashLoop, f.c.Status("p1").Status)
}

func TestLoopDetection_OutsideWindow(t *testing.T) {
	f := newFeeder(t, DefaultConfig())

	for i := 0; i < 3; i++ {
		f.feed("p1", "MQTT publish failed")
		f.clk.Advance(31 * time.Second)
	}
	assert.False(t, f.c.Loop("p1").Detected)
}

func TestLoopDetection_AllowlistExcluded(t *testing.T) {
	f := newFeeder(t, DefaultConfig())
	for i := 0; i < 5; i++ {
		f.feed("p1", "Reconnecting to MQTT broker...")
		f.feed("p1", "NTP time sync ok")
	}
	assert.False(t, f.c.Loop("p1").Detected)
}

func TestLoopDetection_ConfidenceCapped(t *testing.T) {
	f := newFeeder(t, DefaultConfig())
	for i := 0; i < 25; i++ {
		f.feed("p1", "I2C timeout")
	}
	loop := f.c.Loop("p1")
	assert.Equal(t, 25, loop.Occurrences)
	assert.Equal(t, 1.0, loop.Confidence)
}

func TestLoopKeys_Bounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoopMaxKeys = 5
	f := newFeeder(t, cfg)

	for i := 0; i < 3; i++ {
		f.feed("p1", "frequent line")
	}
	for i := 0; i < 20; i++ {
		f.feed("p1", fmt.Sprintf("unique line %c", 'a'+i))
	}

	f.c.mu.Lock()
	n := len(f.c.ports["p1"].loops)
	_, kept := f.c.ports["p1"].loops["frequent line"]
	f.c.mu.Unlock()

	assert.LessOrEqual(t, n, 5)
	assert.True(t, kept, "most frequent key survives trimming")
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"[12:34:56] heap 1234", "[<TS>] heap <N>"},
		{"IP 192.168.1.20 assigned", "IP <IP> assigned"},
		{"addr 0xdeadbeef", "addr <HEX>"},
		{"  many    spaces  ", "many spaces"},
		{"2026-03-01 08:00:00 boot", "<TS> boot"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in, 100), tt.in)
	}
	long := ""
	for i := 0; i < 30; i++ {
		long += "abcdef "
	}
	assert.Len(t, Normalize(long, 100), 100)
}

func TestStatusAll_SortedAndReset(t *testing.T) {
	f := newFeeder(t, DefaultConfig())
	f.feed("p2", "WiFi connected")
	f.feed("p1", "WiFi connected")

	all := f.c.StatusAll()
	require.Len(t, all, 2)
	assert.Equal(t, "p1", all[0].Port)
	assert.Equal(t, models.HealthHealthy, all[0].Status)

	f.c.Reset("p1")
	assert.Equal(t, models.HealthUnknown, f.c.Status("p1").Status)
}

func TestLoopDetection_SingleOccurrenceThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoopMinOccurrences = 1
	f := newFeeder(t, cfg)

	f.feed("p1", "hello world")

	var st models.HealthStatus
	require.NotPanics(t, func() { st = f.c.Status("p1") })
	assert.True(t, st.Loop.Detected)
	assert.Equal(t, 1, st.Loop.Occurrences)
	assert.Zero(t, st.Loop.Interval)
}
