// Package constant defines shared endpoint addresses, timeouts, and pool
// defaults used across the Gemini Business gateway.
package constant

import "time"

const (
	// AuthBaseURL is the browser-facing origin that issues session cookies
	// and rotating XSRF key material.
	AuthBaseURL = "https://business.gemini.google"

	// APIBaseURL is the Discovery Engine endpoint serving widget stream
	// assist, session, and file operations.
	APIBaseURL = "https://biz-discoveryengine.googleapis.com"

	// JWTIssuer and JWTAudience are the fixed claims expected by the
	// upstream token verifier.
	JWTIssuer   = "https://business.gemini.google"
	JWTAudience = "https://biz-discoveryengine.googleapis.com"

	// UserAgent mirrors the Chrome build the account sessions were minted
	// under. Upstream rejects mismatched browser fingerprints.
	UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"
)

const (
	// ReadTimeout bounds a full upstream streaming call.
	ReadTimeout = 600 * time.Second

	// ConnectTimeout bounds dialing and TLS setup.
	ConnectTimeout = 60 * time.Second

	// OXSRFTimeout bounds a single key-material fetch.
	OXSRFTimeout = 20 * time.Second

	// JWTLifetime is the exp claim offset upstream enforces.
	JWTLifetime = 300 * time.Second

	// JWTCacheLifetime is how long a minted token is served from cache,
	// leaving a 30 second buffer against the upstream lifetime.
	JWTCacheLifetime = 270 * time.Second

	// JWTRefreshWindow triggers a background re-mint when the cached token
	// is this close to expiry.
	JWTRefreshWindow = 30 * time.Second
)

const (
	// BindingTTL is the wall-time lifetime of a chat_id -> account binding.
	BindingTTL = 7 * 24 * time.Hour

	// BindingMaxEntries caps the binding table; the oldest 10% are evicted
	// past this point.
	BindingMaxEntries = 10000

	// BindingPersistInterval is the dirty-flush cadence for the binding table.
	BindingPersistInterval = 60 * time.Second
)

const (
	// MediaSweepInterval is how often the media directory is scanned.
	MediaSweepInterval = 30 * time.Minute

	// MediaMaxAge is the mtime threshold past which generated files are removed.
	MediaMaxAge = time.Hour
)

const (
	// SubprocessTimeout bounds one browser automation child process.
	SubprocessTimeout = 300 * time.Second

	// AutoRefreshInterval is the tick of the recycle/replenish/refresh loop.
	AutoRefreshInterval = 30 * time.Minute

	// PoolTargetSize is the replenish threshold: when fewer usable accounts
	// remain, register tasks top the pool back up.
	PoolTargetSize = 21

	// AccountRecycleWindow removes accounts whose lifetime ends within it.
	AccountRecycleWindow = 24 * time.Hour

	// SessionRefreshWindow enqueues refresh for sessions expiring within it.
	SessionRefreshWindow = time.Hour
)

const (
	// StatsFlushInterval coalesces stats writes to the store.
	StatsFlushInterval = 30 * time.Second

	// StatsRingSize bounds the request timestamp ring.
	StatsRingSize = 1000

	// LogRingSize bounds the in-memory log tail.
	LogRingSize = 1000
)

// Default retry settings; overridable from config and the settings document.
const (
	DefaultFailureThreshold   = 3
	DefaultCooldownSeconds    = 3600
	MinCooldownSeconds        = 3600
	MaxCooldownSeconds        = 43200
	DefaultMaxRequestRetries  = 3
	DefaultMaxNewSessionTries = 5
	DefaultMaxAccountSwitches = 5
	DefaultRegisterCount      = 1
	MaxRegisterCountPerTask   = 30
)

// TimeZone is the display zone for expiry strings; timestamps are stored as
// epoch seconds and rendered here.
var TimeZone = time.FixedZone("UTC+8", 8*3600)
