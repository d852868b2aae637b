package health

import (
	"regexp"

	"github.com/joescharf/serialmon/internal/models"
)

// Severity grades a reboot rule.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rule maps a line pattern to a reboot category. The first matching rule wins.
type Rule struct {
	Pattern  *regexp.Regexp
	Category models.RebootCategory
	Severity Severity
	// CodeGroup is the submatch index holding the reset or exception code, 0 for none.
	CodeGroup int
}

// crashCategories are reboot categories that indicate a firmware crash.
var crashCategories = map[models.RebootCategory]bool{
	models.RebootGuruMeditation:    true,
	models.RebootBacktrace:         true,
	models.RebootWatchdogTask:      true,
	models.RebootWatchdogInterrupt: true,
	models.RebootPanic:             true,
	models.RebootAbort:             true,
	models.RebootBrownout:          true,
}

// IsCrash reports whether category counts as a crash.
func IsCrash(category models.RebootCategory) bool {
	return crashCategories[category]
}

// DefaultRules is the ordered reboot/crash classification table.
var DefaultRules = []Rule{
	{regexp.MustCompile(`rst:(0x[0-9a-fA-F]+)\s*\(([A-Z0-9_]+)\)`), models.RebootReset, SeverityWarning, 2},
	{regexp.MustCompile(`(?i)brownout detector was triggered`), models.RebootBrownout, SeverityCritical, 0},
	{regexp.MustCompile(`Guru Meditation Error: Core\s+\d+ panic'ed \(([A-Za-z]+)\)`), models.RebootGuruMeditation, SeverityCritical, 1},
	{regexp.MustCompile(`(?i)(LoadProhibited|StoreProhibited|InstrFetchProhibited|IllegalInstruction|LoadStoreAlignment)`), models.RebootGuruMeditation, SeverityCritical, 1},
	{regexp.MustCompile(`^\s*Backtrace:\s*(0x[0-9a-fA-F]+)`), models.RebootBacktrace, SeverityCritical, 1},
	{regexp.MustCompile(`(?i)task watchdog got triggered`), models.RebootWatchdogTask, SeverityCritical, 0},
	{regexp.MustCompile(`(?i)(Interrupt wdt timeout|Task wdt timeout|TG[01]WDT_SYS_RESET)`), models.RebootWatchdogInterrupt, SeverityCritical, 1},
	{regexp.MustCompile(`(?i)\bkernel panic\b|\bpanic\(\)|^panic:`), models.RebootPanic, SeverityCritical, 0},
	{regexp.MustCompile(`(?i)abort\(\) was called at PC (0x[0-9a-fA-F]+)`), models.RebootAbort, SeverityCritical, 1},
	{regexp.MustCompile(`^ets [A-Z][a-z]{2}\s+\d+\s+\d{4}`), models.RebootBootBanner, SeverityInfo, 0},
	{regexp.MustCompile(`^ESP-ROM:\S+`), models.RebootBootBanner, SeverityInfo, 0},
	{regexp.MustCompile(`(?i)^\s*\[?\s*boot(ing)?\s*\]?\s*(start|firmware)`), models.RebootBootBanner, SeverityInfo, 0},
}

// DefaultStartupMarkers identify a device that has finished booting.
var DefaultStartupMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwi-?fi connected\b`),
	regexp.MustCompile(`(?i)\bconnected to\b`),
	regexp.MustCompile(`(?i)\bgot ip\b`),
	regexp.MustCompile(`(?i)\bsetup (complete|done|finished)\b`),
	regexp.MustCompile(`(?i)\b(system|device) ready\b`),
	regexp.MustCompile(`(?i)^\s*\[?ready\]?\s*$`),
	regexp.MustCompile(`(?i)\binitialized\b`),
}

// DefaultRepeatAllowlist matches lines that are expected to repeat and are
// excluded from loop tracking.
var DefaultRepeatAllowlist = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(re)?connect(ing|ion attempt)\b`),
	regexp.MustCompile(`(?i)\bretry(ing)?\b`),
	regexp.MustCompile(`(?i)\b(ntp|sntp|time sync)\b`),
	regexp.MustCompile(`(?i)\bdns\b`),
	regexp.MustCompile(`(?i)\b(wifi|wlan) (status|rssi)\b`),
	regexp.MustCompile(`(?i)\brssi\b`),
	regexp.MustCompile(`(?i)\bheartbeat\b`),
	regexp.MustCompile(`(?i)\bfree heap\b`),
	regexp.MustCompile(`^\.+$`),
}

// DefaultTracePatterns pick stack-trace lines out of recent context.
var DefaultTracePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*Backtrace:`),
	regexp.MustCompile(`0x[0-9a-fA-F]{8}:0x[0-9a-fA-F]{8}`),
	regexp.MustCompile(`^\s*(PC|PS|A\d{1,2}|EXCVADDR|EXCCAUSE|SAR|LBEG|LEND|LCOUNT)\s*:\s*0x`),
	regexp.MustCompile(`^\s*#\d+\s+0x[0-9a-fA-F]+`),
	regexp.MustCompile(`(?i)^\s*(Core\s+\d+ register dump|ELF file SHA256)`),
	regexp.MustCompile(`(?i)assert(ion)? failed`),
}

// suggestions maps the most recent reboot category to remediation advice.
var suggestions = map[models.RebootCategory]string{
	models.RebootWatchdogTask:      "Watchdog reset: check for blocking code in loop() or long-running tasks; add delay()/yield().",
	models.RebootWatchdogInterrupt: "Interrupt watchdog reset: keep ISRs short and avoid blocking calls inside interrupts.",
	models.RebootBrownout:          "Brownout: check power supply, USB cable and current draw during WiFi transmit.",
	models.RebootGuruMeditation:    "Memory access fault: check for null pointers, out-of-bounds writes and stack size.",
	models.RebootBacktrace:         "Crash with backtrace: decode the addresses with the exception decoder to find the faulting function.",
	models.RebootPanic:             "Panic: inspect the panic message and the last log lines before the reboot.",
	models.RebootAbort:             "abort() called: look for failed assertions or exceptions thrown without a handler.",
	models.RebootReset:             "Repeated resets: check reset reason codes, power and the EN/RST line.",
	models.RebootBootBanner:        "Repeated boots: the device restarts before finishing setup(); check early initialisation code.",
}

const loopSuggestion = "Repeating error pattern: the firmware is stuck retrying the same failing operation."
