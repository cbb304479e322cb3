package requestplane

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/cast"
)

// Config holds every recognized request-plane option. Unknown keys in a
// config file are rejected so drift between operators and code is caught
// at startup.
type Config struct {
	Scheduler SchedulerConfig `json:"scheduler"`
	Quota     QuotaConfig     `json:"quota"`
	Router    RouterConfig    `json:"router"`
	Bus       BusConfig       `json:"bus"`
	Registry  RegistryConfig  `json:"registry"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Admin     AdminConfig     `json:"admin"`
	Alerts    AlertConfig     `json:"alerts"`

	// DataDir is the root directory for all badger stores
	DataDir string `json:"dataDir"`
}

// SchedulerConfig configures the weighted fair scheduler
type SchedulerConfig struct {
	TickMS         int            `json:"tickMs"`         // dispatch loop period
	QueueDepthCap  int            `json:"queueDepthCap"`  // per-tenant max queued
	Weights        map[string]int `json:"weights"`        // plan -> weight
	UrgencyWindowS float64        `json:"urgencyWindowS"` // deadline proximity for boost
	IdleQueueTTL   time.Duration  `json:"idleQueueTtl"`   // evict idle tenant queues
	ShardCount     int            `json:"shardCount"`     // tenant map shards
}

// QuotaConfig configures the quota engine
type QuotaConfig struct {
	WarningThreshold float64          `json:"warningThreshold"`
	ReservationTTLS  int              `json:"reservationTtlS"`
	DefaultLimits    map[string]int64 `json:"defaultLimits"` // resource -> limit per period
	// Periods maps resource -> period name (hour/day/month); absent
	// resources default to hour
	Periods map[string]string `json:"periods"`
	// FailOpen controls behavior when the counter store is unavailable for
	// NORMAL/LOW priority requests; CRITICAL/HIGH always fail closed
	FailOpen bool `json:"failOpen"`
}

// RouterConfig configures the tiered request router
type RouterConfig struct {
	EarlyExit  EarlyExitConfig  `json:"earlyExit"`
	Bandit     BanditConfig     `json:"bandit"`
	Canary     CanaryConfig     `json:"canary"`
	Escalation EscalationConfig `json:"escalation"`

	// StoreTimeout bounds feature-store and bandit reads on the hot path
	StoreTimeout time.Duration `json:"storeTimeout"`
	// DefaultTier is the static fallback when calibration/bandit data is
	// missing or stores are degraded
	DefaultTier Tier `json:"defaultTier"`
}

// EarlyExitConfig holds the early-exit thresholds
type EarlyExitConfig struct {
	MaxTokenCount     int     `json:"maxTokenCount"`
	MinSchemaStrict   float64 `json:"minSchemaStrict"`
	MaxComplexity     float64 `json:"maxComplexity"`
	MaxNovelty        float64 `json:"maxNovelty"`
	MaxFailureRate    float64 `json:"maxFailureRate"`
	BaseConfidence    float64 `json:"baseConfidence"`
}

// BanditConfig holds the contextual bandit reward weights and gates
type BanditConfig struct {
	Alpha     float64 `json:"alpha"`     // success weight
	Beta      float64 `json:"beta"`      // cost weight
	Gamma     float64 `json:"gamma"`     // latency weight
	Threshold float64 `json:"threshold"` // consult bandit below this confidence
	Epsilon   float64 `json:"epsilon"`   // exploration rate
}

// CanaryConfig holds the canary band
type CanaryConfig struct {
	MinPct float64 `json:"minPct"`
	MaxPct float64 `json:"maxPct"`
	Tier   Tier    `json:"tier"` // tier served to the canary cohort
}

// EscalationConfig holds the escalation thresholds
type EscalationConfig struct {
	MinConfidence  float64 `json:"minConfidence"`
	MaxFailureRate float64 `json:"maxFailureRate"`
	MaxNovelty     float64 `json:"maxNovelty"`
	// EnterpriseComplexity escalates enterprise-plan requests above this
	EnterpriseComplexity float64 `json:"enterpriseComplexity"`
}

// StreamPolicy is the per-kind retention policy
type StreamPolicy struct {
	MaxAge      time.Duration `json:"maxAge"`
	MaxMessages int64         `json:"maxMessages"`
	// Memory keeps the stream purely in memory (no badger backing)
	Memory bool `json:"memory"`
}

// BusConfig configures the event bus
type BusConfig struct {
	MaxDeliver int `json:"maxDeliver"`
	AckWaitS   int `json:"ackWaitS"`

	// Retention per event kind; kinds absent here use DefaultRetention
	Retention        map[string]StreamPolicy `json:"retention"`
	DefaultRetention StreamPolicy            `json:"defaultRetention"`
	DLQRetention     StreamPolicy            `json:"dlqRetention"`

	// OutboxSize bounds the per-kind in-memory publish outbox
	OutboxSize int `json:"outboxSize"`
	// FlushInterval is the outbox retry period
	FlushInterval time.Duration `json:"flushInterval"`

	// PubAddr is the mangos PUB socket address for external fan-out;
	// empty disables the transport
	PubAddr string `json:"pubAddr"`

	Archive ArchiveConfig `json:"archive"`
}

// ArchiveConfig configures S3 export of aged audit/DLQ events
type ArchiveConfig struct {
	Enabled         bool          `json:"enabled"`
	S3Endpoint      string        `json:"s3Endpoint"`
	S3Region        string        `json:"s3Region"`
	S3Bucket        string        `json:"s3Bucket"`
	S3AccessKeyID   string        `json:"s3AccessKeyId"`
	S3SecretKey     string        `json:"s3SecretAccessKey"`
	Interval        time.Duration `json:"interval"`
	ArchiveAfterAge time.Duration `json:"archiveAfterAge"`
}

// RegistryConfig configures the tenant registry client
type RegistryConfig struct {
	CacheTTL       time.Duration `json:"cacheTtl"`
	NegativeTTL    time.Duration `json:"negativeTtl"`
	CacheMaxCost   int64         `json:"cacheMaxCost"`
	DatabasePath   string        `json:"databasePath"`
	// BindStatement is executed at the start of every registry read session
	// with the {:tenant} parameter bound; failure fails the request closed
	BindStatement string `json:"bindStatement"`

	// Litestream replication of the registry database
	ReplicaURL string `json:"replicaUrl"`
}

// DispatchConfig configures the tier worker pools
type DispatchConfig struct {
	// WorkersPerTier maps tier -> pool size
	WorkersPerTier map[string]int `json:"workersPerTier"`
	// CreditBuffer is the capacity of each tier's credit channel
	CreditBuffer int `json:"creditBuffer"`
	// Region is this deployment's serving region
	Region string `json:"region"`
	// DefaultCallTimeout bounds worker calls without a request deadline
	DefaultCallTimeout time.Duration `json:"defaultCallTimeout"`
}

// AdminConfig configures the operator HTTP surface
type AdminConfig struct {
	Addr      string `json:"addr"`
	JWTSecret string `json:"jwtSecret"`
	// BootstrapTokenHash is the bcrypt hash of the static operator token
	// exchanged for short-lived JWTs at /api/admin/auth
	BootstrapTokenHash string `json:"bootstrapTokenHash"`
}

// AlertConfig configures the ops email notifier
type AlertConfig struct {
	Enabled      bool          `json:"enabled"`
	SMTPHost     string        `json:"smtpHost"`
	SMTPPort     int           `json:"smtpPort"`
	SMTPUsername string        `json:"smtpUsername"`
	SMTPPassword string        `json:"smtpPassword"`
	FromAddress  string        `json:"fromAddress"`
	ToAddresses  []string      `json:"toAddresses"`
	Throttle     time.Duration `json:"throttle"`
}

// ApplyDefaults fills in every unset option with its documented default
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "ap_data"
	}

	if c.Scheduler.TickMS <= 0 {
		c.Scheduler.TickMS = 100
	}
	if c.Scheduler.QueueDepthCap <= 0 {
		c.Scheduler.QueueDepthCap = 1000
	}
	if len(c.Scheduler.Weights) == 0 {
		c.Scheduler.Weights = map[string]int{
			string(PlanFree):       1,
			string(PlanPro):        3,
			string(PlanEnterprise): 10,
		}
	}
	if c.Scheduler.UrgencyWindowS <= 0 {
		c.Scheduler.UrgencyWindowS = 1.0
	}
	if c.Scheduler.IdleQueueTTL <= 0 {
		c.Scheduler.IdleQueueTTL = 10 * time.Minute
	}
	if c.Scheduler.ShardCount <= 0 {
		c.Scheduler.ShardCount = 32
	}

	if c.Quota.WarningThreshold <= 0 {
		c.Quota.WarningThreshold = 0.8
	}
	if c.Quota.ReservationTTLS <= 0 {
		c.Quota.ReservationTTLS = 30
	}
	if c.Quota.DefaultLimits == nil {
		c.Quota.DefaultLimits = map[string]int64{}
	}
	if c.Quota.Periods == nil {
		c.Quota.Periods = map[string]string{}
	}

	if c.Router.EarlyExit.MaxTokenCount <= 0 {
		c.Router.EarlyExit.MaxTokenCount = 200
	}
	if c.Router.EarlyExit.MinSchemaStrict <= 0 {
		c.Router.EarlyExit.MinSchemaStrict = 0.8
	}
	if c.Router.EarlyExit.MaxComplexity <= 0 {
		c.Router.EarlyExit.MaxComplexity = 0.3
	}
	if c.Router.EarlyExit.MaxNovelty <= 0 {
		c.Router.EarlyExit.MaxNovelty = 0.5
	}
	if c.Router.EarlyExit.MaxFailureRate <= 0 {
		c.Router.EarlyExit.MaxFailureRate = 0.2
	}
	if c.Router.EarlyExit.BaseConfidence <= 0 {
		c.Router.EarlyExit.BaseConfidence = 0.8
	}
	if c.Router.Bandit.Alpha <= 0 {
		c.Router.Bandit.Alpha = 0.6
	}
	if c.Router.Bandit.Beta <= 0 {
		c.Router.Bandit.Beta = 0.25
	}
	if c.Router.Bandit.Gamma <= 0 {
		c.Router.Bandit.Gamma = 0.15
	}
	if c.Router.Bandit.Threshold <= 0 {
		c.Router.Bandit.Threshold = 0.7
	}
	if c.Router.Bandit.Epsilon <= 0 {
		c.Router.Bandit.Epsilon = 0.1
	}
	if c.Router.Canary.MinPct <= 0 {
		c.Router.Canary.MinPct = 0.05
	}
	if c.Router.Canary.MaxPct <= 0 {
		c.Router.Canary.MaxPct = 0.10
	}
	if c.Router.Canary.Tier == "" {
		c.Router.Canary.Tier = TierB
	}
	if c.Router.Escalation.MinConfidence <= 0 {
		c.Router.Escalation.MinConfidence = 0.8
	}
	if c.Router.Escalation.MaxFailureRate <= 0 {
		c.Router.Escalation.MaxFailureRate = 0.5
	}
	if c.Router.Escalation.MaxNovelty <= 0 {
		c.Router.Escalation.MaxNovelty = 0.8
	}
	if c.Router.Escalation.EnterpriseComplexity <= 0 {
		c.Router.Escalation.EnterpriseComplexity = 0.7
	}
	if c.Router.StoreTimeout <= 0 {
		c.Router.StoreTimeout = 20 * time.Millisecond
	}
	if c.Router.DefaultTier == "" {
		c.Router.DefaultTier = TierB
	}

	if c.Bus.MaxDeliver <= 0 {
		c.Bus.MaxDeliver = 3
	}
	if c.Bus.AckWaitS <= 0 {
		c.Bus.AckWaitS = 30
	}
	if c.Bus.OutboxSize <= 0 {
		c.Bus.OutboxSize = 10000
	}
	if c.Bus.FlushInterval <= 0 {
		c.Bus.FlushInterval = time.Second
	}
	if c.Bus.DefaultRetention.MaxAge <= 0 {
		c.Bus.DefaultRetention = StreamPolicy{MaxAge: 7 * 24 * time.Hour, MaxMessages: 1_000_000}
	}
	if c.Bus.DLQRetention.MaxAge <= 0 {
		c.Bus.DLQRetention = StreamPolicy{MaxAge: 30 * 24 * time.Hour, MaxMessages: 1_000_000}
	}
	if c.Bus.Retention == nil {
		c.Bus.Retention = map[string]StreamPolicy{
			"usage_metered": {MaxAge: 30 * 24 * time.Hour, MaxMessages: 10_000_000},
			"audit_log":     {MaxAge: 365 * 24 * time.Hour, MaxMessages: 10_000_000},
			"ws_message":    {MaxAge: time.Hour, MaxMessages: 100_000, Memory: true},
		}
	}
	if c.Bus.Archive.Interval <= 0 {
		c.Bus.Archive.Interval = time.Hour
	}
	if c.Bus.Archive.ArchiveAfterAge <= 0 {
		c.Bus.Archive.ArchiveAfterAge = 24 * time.Hour
	}

	if c.Registry.CacheTTL <= 0 || c.Registry.CacheTTL > 60*time.Second {
		c.Registry.CacheTTL = 60 * time.Second
	}
	if c.Registry.NegativeTTL <= 0 {
		c.Registry.NegativeTTL = 5 * time.Second
	}
	if c.Registry.CacheMaxCost <= 0 {
		c.Registry.CacheMaxCost = 1 << 24 // ~16 MB of tenant records
	}
	if c.Registry.BindStatement == "" {
		c.Registry.BindStatement = "SELECT set_config('app.tenant_id', {:tenant}, true)"
	}

	if len(c.Dispatch.WorkersPerTier) == 0 {
		c.Dispatch.WorkersPerTier = map[string]int{
			string(TierA): 8,
			string(TierB): 4,
			string(TierC): 2,
		}
	}
	if c.Dispatch.CreditBuffer <= 0 {
		c.Dispatch.CreditBuffer = 64
	}
	if c.Dispatch.Region == "" {
		c.Dispatch.Region = "us-east-1"
	}
	if c.Dispatch.DefaultCallTimeout <= 0 {
		c.Dispatch.DefaultCallTimeout = 30 * time.Second
	}

	if c.Alerts.Throttle <= 0 {
		c.Alerts.Throttle = 15 * time.Minute
	}
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.DataDir, validation.Required),
	)
	if err != nil {
		return err
	}

	err = validation.ValidateStruct(&c.Scheduler,
		validation.Field(&c.Scheduler.TickMS, validation.Min(1)),
		validation.Field(&c.Scheduler.QueueDepthCap, validation.Min(1)),
		validation.Field(&c.Scheduler.ShardCount, validation.Min(1)),
	)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	err = validation.ValidateStruct(&c.Quota,
		validation.Field(&c.Quota.WarningThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.Quota.ReservationTTLS, validation.Min(1)),
	)
	if err != nil {
		return fmt.Errorf("quota: %w", err)
	}

	err = validation.ValidateStruct(&c.Router,
		validation.Field(&c.Router.DefaultTier, validation.In(TierA, TierB, TierC)),
	)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	if c.Router.Canary.MinPct < 0 || c.Router.Canary.MinPct > c.Router.Canary.MaxPct {
		return fmt.Errorf("router: canary minPct %.2f outside [0, maxPct %.2f]",
			c.Router.Canary.MinPct, c.Router.Canary.MaxPct)
	}
	if c.Router.Bandit.Epsilon < 0 || c.Router.Bandit.Epsilon > 1 {
		return fmt.Errorf("router: bandit epsilon %.2f outside [0, 1]", c.Router.Bandit.Epsilon)
	}

	err = validation.ValidateStruct(&c.Bus,
		validation.Field(&c.Bus.MaxDeliver, validation.Min(1)),
		validation.Field(&c.Bus.AckWaitS, validation.Min(1)),
		validation.Field(&c.Bus.OutboxSize, validation.Min(1)),
	)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}

	return nil
}

// LoadConfig reads a JSON config file over the defaults and validates.
// Defaults are applied before decoding so an explicit zero in the file
// (canary minPct, bandit epsilon) is honored rather than treated as
// unset. A missing path yields the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WeightForPlan resolves a plan's scheduling weight from configuration,
// falling back to the plan's derived default
func (c *SchedulerConfig) WeightForPlan(plan Plan) int {
	if w, ok := c.Weights[string(plan)]; ok && w > 0 {
		return w
	}
	return plan.DefaultWeight()
}

// EnvOverride applies an environment variable on top of a string option
func EnvOverride(current, envKey string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return current
}

// EnvOverrideInt applies an environment variable on top of an int option
func EnvOverrideInt(current int, envKey string) int {
	if v := os.Getenv(envKey); v != "" {
		return cast.ToInt(v)
	}
	return current
}
