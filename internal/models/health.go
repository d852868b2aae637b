package models

import "time"

// RebootCategory classifies a reboot or crash line.
type RebootCategory string

const (
	RebootReset             RebootCategory = "reset"
	RebootBootBanner        RebootCategory = "boot_banner"
	RebootBrownout          RebootCategory = "brownout"
	RebootGuruMeditation    RebootCategory = "guru_meditation"
	RebootBacktrace         RebootCategory = "backtrace"
	RebootWatchdogTask      RebootCategory = "watchdog_task"
	RebootWatchdogInterrupt RebootCategory = "watchdog_interrupt"
	RebootPanic             RebootCategory = "panic"
	RebootAbort             RebootCategory = "abort"
)

// RebootEvent records a single classified reboot or crash.
type RebootEvent struct {
	ID         string         `json:"id,omitempty"`
	Port       string         `json:"port"`
	Timestamp  time.Time      `json:"timestamp"`
	Category   RebootCategory `json:"category"`
	IsCrash    bool           `json:"isCrash"`
	Severity   string         `json:"severity"`
	Code       string         `json:"code,omitempty"`
	Line       string         `json:"line"`
	Context    []string       `json:"context"`
	StackTrace []string       `json:"stackTrace,omitempty"`
}

// LoopDetection describes a repeating line pattern within the loop window.
type LoopDetection struct {
	Detected    bool          `json:"detected"`
	Pattern     string        `json:"pattern,omitempty"`
	Occurrences int           `json:"occurrences"`
	Interval    time.Duration `json:"intervalNs"`
	Confidence  float64       `json:"confidence"`
}

// HealthState is the derived health of a device on a port.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnstable  HealthState = "unstable"
	HealthCrashLoop HealthState = "crash_loop"
	HealthUnknown   HealthState = "unknown"
)

// HealthStatus is a point-in-time health snapshot for one port.
type HealthStatus struct {
	Port               string        `json:"port"`
	Status             HealthState   `json:"status"`
	TotalReboots       int           `json:"totalReboots"`
	RecentReboots      int           `json:"recentReboots"`
	ConsecutiveReboots int           `json:"consecutiveReboots"`
	StartupSeen        bool          `json:"startupSeen"`
	AverageUptime      time.Duration `json:"averageUptimeNs"`
	LastReboot         *RebootEvent  `json:"lastReboot,omitempty"`
	Loop               LoopDetection `json:"loop"`
	Suggestion         string        `json:"suggestion,omitempty"`
}
