package config

import (
	"time"
)

// Config is the complete router configuration.
type Config struct {
	Ingress   IngressConfig     `yaml:"ingress"`
	Admin     AdminConfig       `yaml:"admin"`
	Engine    EngineConfig      `yaml:"engine"`
	Logging   LoggingConfig     `yaml:"logging"`
	Tracing   TracingConfig     `yaml:"tracing"`
	Redis     RedisConfig       `yaml:"redis"`
	RateLimit RateLimitConfig   `yaml:"rate_limit"`
	Cache     CacheConfig       `yaml:"cache"`
	Breaker   BreakerConfig     `yaml:"breaker"`
	Adapters  AdapterDefaults   `yaml:"adapters"`
	Audit     AuditConfig       `yaml:"audit"`
	Scope     ScopeConfig       `yaml:"scope"`
	Signing   SigningConfig     `yaml:"signing"`
	State     StateConfig       `yaml:"state"`
	Routes    RouteSourceConfig `yaml:"routes"`
	Consul    ConsulConfig      `yaml:"consul"`
	Modules   []ModuleConfig    `yaml:"modules"`
	Egress    EgressConfig      `yaml:"egress"`
}

// IngressConfig selects and tunes the intake paths.
type IngressConfig struct {
	HTTP   HTTPIngressConfig   `yaml:"http"`
	AMQP   AMQPIngressConfig   `yaml:"amqp"`
	PubSub PubSubIngressConfig `yaml:"pubsub"`
}

// HTTPIngressConfig configures the synchronous intake listener.
type HTTPIngressConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// AMQPIngressConfig configures the durable queue consumer.
type AMQPIngressConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Consumer string `yaml:"consumer"`
	Prefetch int    `yaml:"prefetch"`
}

// PubSubIngressConfig configures the portable pub/sub consumer.
// SubscriptionURL is a gocloud.dev driver URL, e.g. "gcppubsub://..." or
// "mem://events" in tests.
type PubSubIngressConfig struct {
	Enabled         bool   `yaml:"enabled"`
	SubscriptionURL string `yaml:"subscription_url"`
}

// AdminConfig configures the operator endpoint listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// EngineConfig tunes the processing pipeline.
type EngineConfig struct {
	Workers         int           `yaml:"workers"`
	MaxInflight     int           `yaml:"max_inflight"`
	DefaultDeadline time.Duration `yaml:"default_deadline"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ServiceName string            `yaml:"service_name"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers"`
}

// RedisConfig is the shared client configuration used by the rate-limit
// store, the state store, the audit stream sink, and route invalidation.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig configures the two-bucket limiter.
type RateLimitConfig struct {
	Store    string                     `yaml:"store"`     // memory or shared
	FailOpen bool                       `yaml:"fail_open"` // store outage policy; default deny
	Classes  map[string]RateClassConfig `yaml:"classes"`
}

// RateClassConfig describes one named token-bucket class.
// Refill is continuous at Rate tokens per Period; Burst caps the bucket.
type RateClassConfig struct {
	Rate   int           `yaml:"rate"`
	Period time.Duration `yaml:"period"`
	Burst  int           `yaml:"burst"`
}

// CacheConfig bounds the response cache.
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	DefaultTTL time.Duration `yaml:"default_ttl"` // 0 disables caching unless a route sets its own
}

// BreakerConfig holds circuit-breaker parameters. Used both for process
// defaults and per-adapter overrides.
type BreakerConfig struct {
	Threshold      int           `yaml:"threshold"`
	Window         time.Duration `yaml:"window"`
	Cooldown       time.Duration `yaml:"cooldown"`
	MaxCooldown    time.Duration `yaml:"max_cooldown"`
	HalfOpenTrials int           `yaml:"half_open_trials"`
}

// AdapterDefaults apply when a module registration leaves fields unset.
type AdapterDefaults struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	UnhealthyAfter   int           `yaml:"unhealthy_after"`
	WebhookHardCap   time.Duration `yaml:"webhook_hard_cap"`
}

// AuditConfig configures the append-only decision log.
type AuditConfig struct {
	Sink          string          `yaml:"sink"` // file, redis, or log
	BatchSize     int             `yaml:"batch_size"`
	FlushInterval time.Duration   `yaml:"flush_interval"`
	QueueSize     int             `yaml:"queue_size"`
	File          AuditFileConfig `yaml:"file"`
	RedisStream   string          `yaml:"redis_stream"`
}

// AuditFileConfig configures the rotating JSONL sink.
type AuditFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ScopeConfig configures envelope verification for module grants.
type ScopeConfig struct {
	EnvelopeSecret string        `yaml:"envelope_secret"`
	Issuer         string        `yaml:"issuer"`
	JWKSURL        string        `yaml:"jwks_url"`
	Leeway         time.Duration `yaml:"leeway"`
	TTL            time.Duration `yaml:"ttl"`
}

// SigningConfig holds the HMAC key applied to outbound webhook bodies.
type SigningConfig struct {
	Key string `yaml:"key"`
}

// StateConfig selects the store for router-owned durable state
// (circuit snapshots, revocation list, audit stream position).
type StateConfig struct {
	Type      string `yaml:"type"` // memory or redis
	KeyPrefix string `yaml:"key_prefix"`
}

// RouteSourceConfig selects where community route tables come from.
type RouteSourceConfig struct {
	Type          string          `yaml:"type"` // static, file, or etcd
	Path          string          `yaml:"path"` // file source
	Etcd          EtcdConfig      `yaml:"etcd"`
	InvalidateVia string          `yaml:"invalidate_via"` // optional: "redis" channel subscription
	RedisChannel  string          `yaml:"redis_channel"`
	Static        []CommunityConfig `yaml:"static"` // inline tables, mostly for tests
}

// EtcdConfig configures the watch-based route source.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
}

// ConsulConfig configures endpoint discovery for consul:// adapter endpoints.
type ConsulConfig struct {
	Address    string `yaml:"address"`
	Scheme     string `yaml:"scheme"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token"`
}

// CommunityConfig is one tenant's table: command prefixes, routes, scope
// grants, and outbound target bindings. Produced by the admin plane.
type CommunityConfig struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Prefixes []string          `yaml:"prefixes"`
	Routes   []RouteConfig     `yaml:"routes"`
	Grants   []GrantConfig     `yaml:"grants"`
	Version  int64             `yaml:"version"`
	Targets  map[string]string `yaml:"targets"` // platform -> outbound binding name
}

// GrantConfig authorizes a module with scope tokens within a community.
// Envelope, when present, is the admin plane's signed form of the grant
// and becomes the authoritative scope source.
type GrantConfig struct {
	Module   string   `yaml:"module"`
	Scopes   []string `yaml:"scopes"`
	Envelope string   `yaml:"envelope"`
}

// RouteConfig binds a matching pattern to a module.
type RouteConfig struct {
	ID             string            `yaml:"id"`
	Command        string            `yaml:"command"`    // exact command, e.g. "!weather"
	Aliases        []string          `yaml:"aliases"`
	Prefix         string            `yaml:"prefix"`     // longest-prefix pattern
	EventType      string            `yaml:"event_type"` // doublestar glob, e.g. "stream.*"
	Module         string            `yaml:"module"`
	RequiredScopes []string          `yaml:"required_scopes"`
	RateClass      string            `yaml:"rate_class"`
	Cache          CachePolicyConfig `yaml:"cache"`
	Targets        []string          `yaml:"targets"` // static fallback when the response names none
	Priority       int               `yaml:"priority"`
	Ordered        bool              `yaml:"ordered"`
	Condition      string            `yaml:"condition"` // expr guard, optional
	ArgsPath       string            `yaml:"args_path"` // jmespath into event_data, optional
	SurfaceErrors  bool              `yaml:"surface_errors"`
	Deadline       time.Duration     `yaml:"deadline"`
}

// CachePolicyConfig is the per-route response-cache policy.
type CachePolicyConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	UserScoped    bool          `yaml:"user_scoped"`
	CacheFailures bool          `yaml:"cache_failures"`
}

// ModuleConfig registers an action module and its adapter coordinates.
type ModuleConfig struct {
	Name    string        `yaml:"name"`
	Adapter AdapterConfig `yaml:"adapter"`
}

// AdapterConfig describes one adapter variant. Type selects the variant;
// the matching sub-struct carries its coordinates.
type AdapterConfig struct {
	Type           string              `yaml:"type"` // inprocess, lua, webhook, grpc, lambda, gcpfunction, openwhisk
	Endpoint       string              `yaml:"endpoint"`
	Secret         string              `yaml:"secret"`
	Timeout        time.Duration       `yaml:"timeout"`
	MaxRetries     *int                `yaml:"max_retries"`
	InitialBackoff time.Duration       `yaml:"initial_backoff"`
	MaxBackoff     time.Duration       `yaml:"max_backoff"`
	Breaker        *BreakerConfig      `yaml:"breaker"`
	Lambda         LambdaAdapterConfig `yaml:"lambda"`
	GCP            GCPAdapterConfig    `yaml:"gcp"`
	OpenWhisk      OpenWhiskConfig     `yaml:"openwhisk"`
	Lua            LuaAdapterConfig    `yaml:"lua"`
}

// LambdaAdapterConfig holds AWS Lambda coordinates.
type LambdaAdapterConfig struct {
	FunctionName string `yaml:"function_name"`
	Region       string `yaml:"region"`
	Invocation   string `yaml:"invocation"` // sync or event
}

// GCPAdapterConfig holds Cloud Function coordinates.
type GCPAdapterConfig struct {
	URL      string `yaml:"url"`
	Audience string `yaml:"audience"`
}

// OpenWhiskConfig holds OpenWhisk action coordinates.
type OpenWhiskConfig struct {
	APIHost   string `yaml:"api_host"`
	Namespace string `yaml:"namespace"`
	Action    string `yaml:"action"`
	AuthKey   string `yaml:"auth_key"` // "user:password" basic credentials
}

// LuaAdapterConfig holds an in-process Lua module.
type LuaAdapterConfig struct {
	Script     string `yaml:"script"`
	ScriptFile string `yaml:"script_file"`
}

// EgressConfig configures response fan-out.
type EgressConfig struct {
	Bindings                 []OutboundConfig `yaml:"bindings"`
	FailureTemplate          string           `yaml:"failure_template"`
	SurfacePartialOnDeadline bool             `yaml:"surface_partial_on_deadline"`
	MaxRetries               int              `yaml:"max_retries"`
	RetryBackoff             time.Duration    `yaml:"retry_backoff"`
}

// OutboundConfig describes one outbound delivery binding.
type OutboundConfig struct {
	Name       string         `yaml:"name"`
	Platform   string         `yaml:"platform"`
	Type       string         `yaml:"type"` // webhook or amqp
	URL        string         `yaml:"url"`
	Secret     string         `yaml:"secret"`
	Exchange   string         `yaml:"exchange"`
	RoutingKey string         `yaml:"routing_key"`
	AMQPURL    string         `yaml:"amqp_url"`
	Timeout    time.Duration  `yaml:"timeout"`
	Pace       PaceConfig     `yaml:"pace"`
	Breaker    *BreakerConfig `yaml:"breaker"`
}

// PaceConfig throttles outbound sends per platform, e.g. twitch 20/30s.
type PaceConfig struct {
	Rate   int           `yaml:"rate"`
	Period time.Duration `yaml:"period"`
	Burst  int           `yaml:"burst"`
}

// DefaultConfig returns a Config with production defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Ingress: IngressConfig{
			HTTP: HTTPIngressConfig{
				Enabled:      true,
				Address:      ":8080",
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
				IdleTimeout:  60 * time.Second,
				MaxBodyBytes: 1 << 20,
			},
			AMQP:   AMQPIngressConfig{Prefetch: 64},
			PubSub: PubSubIngressConfig{},
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9090",
		},
		Engine: EngineConfig{
			Workers:         32,
			MaxInflight:     1024,
			DefaultDeadline: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SampleRate: 1.0,
		},
		RateLimit: RateLimitConfig{
			Store: "memory",
			Classes: map[string]RateClassConfig{
				"chatty":    {Rate: 30, Period: time.Minute, Burst: 30},
				"expensive": {Rate: 6, Period: time.Minute, Burst: 6},
				"admin":     {Rate: 120, Period: time.Minute, Burst: 120},
			},
		},
		Cache: CacheConfig{
			MaxEntries: 4096,
			DefaultTTL: 0,
		},
		Breaker: BreakerConfig{
			Threshold:      5,
			Window:         30 * time.Second,
			Cooldown:       10 * time.Second,
			MaxCooldown:    5 * time.Minute,
			HalfOpenTrials: 1,
		},
		Adapters: AdapterDefaults{
			Timeout:        5 * time.Second,
			MaxRetries:     2,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			UnhealthyAfter: 3,
			WebhookHardCap: 30 * time.Second,
		},
		Audit: AuditConfig{
			Sink:          "log",
			BatchSize:     64,
			FlushInterval: 500 * time.Millisecond,
			QueueSize:     8192,
			File: AuditFileConfig{
				Path:       "audit.jsonl",
				MaxSizeMB:  128,
				MaxBackups: 8,
				MaxAgeDays: 14,
			},
			RedisStream: "router:audit",
		},
		Scope: ScopeConfig{
			Leeway: 30 * time.Second,
			TTL:    5 * time.Minute,
		},
		State: StateConfig{
			Type:      "memory",
			KeyPrefix: "router:",
		},
		Routes: RouteSourceConfig{
			Type: "static",
			Etcd: EtcdConfig{
				Prefix:      "/router/communities/",
				DialTimeout: 5 * time.Second,
			},
			RedisChannel: "router:routes:invalidate",
		},
		Egress: EgressConfig{
			MaxRetries:   2,
			RetryBackoff: 250 * time.Millisecond,
		},
	}
}
