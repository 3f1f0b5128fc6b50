// Package poolcfg holds the tunable constants shared by the pool, the
// health manager and the forwarding engine.
package poolcfg

import "time"

const (
	// DefaultTimeout bounds a single connect/read attempt.
	DefaultTimeout = 10 * time.Second

	// Hundred is the session-count threshold used by rule R5.
	Hundred = 100

	// ProxyIdleCheck is the base polling tick while a proxy is otherwise idle.
	ProxyIdleCheck = 5 * time.Second

	// ProxysCheckInterval is the regular (slow) health-tick interval.
	ProxysCheckInterval = 120 * time.Second

	// RetryIntervalOnError scales the backoff window: a proxy is eligible
	// again once elapsed-since-error >= RetryIntervalOnError * error_count.
	RetryIntervalOnError = 120 * time.Second

	// CloseOnIdleTimeout closes a relay that has been idle this long.
	CloseOnIdleTimeout = 600 * time.Second

	// ResponseTimeout marks a direction "unresponsive" after this much
	// silence with no bytes produced yet.
	ResponseTimeout = 58 * time.Second

	// MaxTimesFailRate caps the sample count used by fail-rate cold-start
	// avoidance.
	MaxTimesFailRate = 100

	// TP90IncThreshold is the tp90_increment threshold for rule R3, and the
	// sort_key_decrement threshold for rule R4.
	TP90IncThreshold = 0.5

	// GlobalTP90Threshold is the head/global tp90 ratio threshold for rule R2.
	GlobalTP90Threshold = 1.9

	// FailRateThreshold is the fail-rate threshold for rule R1, and the
	// auto-pause resume threshold.
	FailRateThreshold = 0.2

	// AutoPauseFailRateThreshold is the (higher) fail-rate threshold that
	// triggers auto-pause. A proxy only resumes once it drops back below
	// the lower FailRateThreshold, not this one.
	AutoPauseFailRateThreshold = 0.3

	// TP90ExpiredTime is the TTL of an entry in the global response ring.
	TP90ExpiredTime = 3 * time.Hour

	// TP90CalcCount is the nominal ring capacity per pool member, and the
	// sample count at which a proxy's ring window counts as saturated.
	TP90CalcCount = 100

	// SpeedLifetime is how long a measured down_speed is trusted.
	SpeedLifetime = 12 * time.Hour

	// SpeedTestTimeout bounds a single speed probe.
	SpeedTestTimeout = 5 * time.Second

	// SpeedRetryCount bounds how many times a whole speed run repeats when
	// the winning head's speed is still below the floor.
	SpeedRetryCount = 2

	// SpeedAverageThreshold bounds the max/min ratio allowed when averaging
	// multiple speed-URL results for the same proxy/IP pair.
	SpeedAverageThreshold = 100

	// SpeedFloor is the down_speed (bytes/sec) below which a speed run is
	// considered worth retrying.
	SpeedFloor = 100 * 1024

	// DownSpeedStaleAfter is the age beyond which a previous down_speed
	// sample is replaced instead of averaged.
	DownSpeedStaleAfter = 10 * time.Minute

	// ApnicExpiredDays is the APNIC delegation file re-download interval.
	ApnicExpiredDays = 30 * 24 * time.Hour

	// StatCacheFreshness bounds how often sort_key/tp90 are recomputed.
	StatCacheFreshness = 500 * time.Millisecond

	// NamedProxyDialTimeout is the tight timeout used when the router
	// resolves an explicit Proxy-Name before falling back to ANY_PROXY.
	NamedProxyDialTimeout = 3 * time.Second

	// RouterPauseOnFail is how long a rule stays paused after its target
	// proxy fails to connect.
	RouterPauseOnFail = 5 * time.Minute

	// ForbidDelay is the fixed delay before a FORBID target is answered.
	ForbidDelay = 5 * time.Second

	// ProcAttrBackoff is how long process attribution is disabled after
	// repeated permission denials from the OS.
	ProcAttrBackoff = 60 * time.Second

	// ShutdownGrace bounds how long graceful shutdown waits for the state
	// dump before exiting; in-flight connections are not waited for.
	ShutdownGrace = 10 * time.Second

	// SpeedReadWindow is the number of body bytes a speed probe reads
	// before computing its bytes/sec result.
	SpeedReadWindow = 64 * 1024
)
