// Package config loads service settings from defaults, an optional TOML file and
// PROCUREMENT_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/songzhibin97/procurement-engine/action"
	"github.com/songzhibin97/procurement-engine/agent"
	"github.com/songzhibin97/procurement-engine/approval"
	"github.com/songzhibin97/procurement-engine/gate"
	"github.com/songzhibin97/procurement-engine/procurement"
	"github.com/songzhibin97/procurement-engine/types"
	"github.com/songzhibin97/procurement-engine/workflow"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTPAddr   string `toml:"http_addr"`  // PROCUREMENT_HTTP_ADDR (default ":8080")
	University string `toml:"university"` // PROCUREMENT_UNIVERSITY (default "University")
	Seed       bool   `toml:"seed"`       // PROCUREMENT_SEED (default true; load the sandbox marketplace)

	Store    Store    `toml:"store"`
	NATS     NATS     `toml:"nats"`
	Oracle   Oracle   `toml:"oracle"`
	Engine   Engine   `toml:"engine"`
	Approval Approval `toml:"approval"`
	Retry    Retry    `toml:"retry"`
	Invoice  Invoice  `toml:"invoice"`
	Catalog  Catalog  `toml:"catalog"`
	Renewal  Renewal  `toml:"renewal"`
	Agents   Agents   `toml:"agents"`
	Log      Log      `toml:"log"`
}

type Store struct {
	Driver        string `toml:"driver"`         // PROCUREMENT_STORE_DRIVER (memory, redis, sqlite, postgres)
	DSN           string `toml:"dsn"`            // PROCUREMENT_STORE_DSN (sqlite path or postgres URL)
	RedisAddr     string `toml:"redis_addr"`     // PROCUREMENT_REDIS_ADDR
	RedisPassword string `toml:"redis_password"` // PROCUREMENT_REDIS_PASSWORD
	RedisDB       int    `toml:"redis_db"`
}

type NATS struct {
	URL string `toml:"url"` // PROCUREMENT_NATS_URL (optional, empty = no bridge)
}

type Oracle struct {
	URL     string        `toml:"url"`   // PROCUREMENT_ORACLE_URL (optional, empty = canned sandbox replies)
	Token   string        `toml:"token"` // PROCUREMENT_ORACLE_TOKEN
	Timeout time.Duration `toml:"timeout"`
}

type Engine struct {
	PollInterval time.Duration `toml:"poll_interval"` // PROCUREMENT_POLL_INTERVAL (default 15m)
	ArchiveAfter time.Duration `toml:"archive_after"` // PROCUREMENT_ARCHIVE_AFTER (default 720h; 0 = never)
}

// Approval configures the escalation ladder and the approver roster.
type Approval struct {
	StandardSLA  time.Duration             `toml:"standard_sla"` // PROCUREMENT_STANDARD_SLA
	RushSLA      time.Duration             `toml:"rush_sla"`     // PROCUREMENT_RUSH_SLA
	EmergencySLA time.Duration             `toml:"emergency_sla"`
	Grace        time.Duration             `toml:"grace"` // PROCUREMENT_GRACE
	Approvers    map[string]approval.Entry `toml:"approvers"`
}

// Retry holds the attempt budgets of the workflow steps and the agent tools.
type Retry struct {
	Notify          int           `toml:"notify"`
	CreatePO        int           `toml:"create_po"`
	Transmit        int           `toml:"transmit"`
	Lookup          int           `toml:"lookup"`
	Tools           int           `toml:"tools"`
	InitialInterval time.Duration `toml:"initial_interval"`
	MaxInterval     time.Duration `toml:"max_interval"`
}

type Invoice struct {
	PriceRule      string  `toml:"price_rule"`
	PriceTolerance float64 `toml:"price_tolerance"` // PROCUREMENT_PRICE_TOLERANCE (fraction, default 0.02)
}

// Catalog tunes vendor catalog syncs.
type Catalog struct {
	PriceChangeThreshold float64 `toml:"price_change_threshold"` // PROCUREMENT_PRICE_CHANGE_THRESHOLD (fraction, default 0.05)
	Team                 string  `toml:"team"`                   // notified of significant price changes
}

type Renewal struct {
	Rule string `toml:"rule"`
}

// AgentOverride patches one of the standard agent definitions.
type AgentOverride struct {
	Threshold     *float64            `toml:"threshold"`
	FailClosed    *bool               `toml:"fail_closed"`
	MaxIterations int                 `toml:"max_iterations"`
	Kinds         []action.Kind       `toml:"kinds"`
	Sensitive     map[string][]string `toml:"sensitive"`
}

type Agents struct {
	Overrides map[string]AgentOverride `toml:"overrides"`
	Intents   []agent.Intent           `toml:"intents"`
}

type Log struct {
	Level  string `toml:"level"`  // PROCUREMENT_LOG_LEVEL (debug, info, warn, error)
	Format string `toml:"format"` // PROCUREMENT_LOG_FORMAT (text, json)
}

// Default returns the built-in configuration.
func Default() *Config {
	ladder := approval.DefaultLadder()
	return &Config{
		HTTPAddr:   ":8080",
		University: "University",
		Seed:       true,
		Store:      Store{Driver: DriverMemory},
		Oracle:     Oracle{Timeout: time.Minute},
		Engine: Engine{
			PollInterval: workflow.DefaultPollInterval,
			ArchiveAfter: 30 * 24 * time.Hour,
		},
		Approval: Approval{
			StandardSLA:  ladder.SLA[types.UrgencyStandard],
			RushSLA:      ladder.SLA[types.UrgencyRush],
			EmergencySLA: ladder.SLA[types.UrgencyEmergency],
			Grace:        ladder.Grace,
		},
		Retry: Retry{
			Notify:          3,
			CreatePO:        3,
			Transmit:        5,
			Lookup:          3,
			Tools:           3,
			InitialInterval: workflow.DefaultRetryPolicy.InitialInterval,
			MaxInterval:     workflow.DefaultRetryPolicy.MaxInterval,
		},
		Invoice: Invoice{
			PriceRule:      procurement.DefaultPriceRule,
			PriceTolerance: 0.02,
		},
		Catalog: Catalog{PriceChangeThreshold: 0.05, Team: "procurement-team"},
		Renewal: Renewal{Rule: procurement.DefaultRenewRule},
		Log:     Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and validates the
// result. An empty path or a missing file leaves the defaults in place.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: reading %s: %w", types.ErrFatalConfiguration, path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = envOrDefault("PROCUREMENT_HTTP_ADDR", c.HTTPAddr)
	c.University = envOrDefault("PROCUREMENT_UNIVERSITY", c.University)
	c.Store.Driver = envOrDefault("PROCUREMENT_STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = envOrDefault("PROCUREMENT_STORE_DSN", c.Store.DSN)
	c.Store.RedisAddr = envOrDefault("PROCUREMENT_REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = envOrDefault("PROCUREMENT_REDIS_PASSWORD", c.Store.RedisPassword)
	c.NATS.URL = envOrDefault("PROCUREMENT_NATS_URL", c.NATS.URL)
	c.Oracle.URL = envOrDefault("PROCUREMENT_ORACLE_URL", c.Oracle.URL)
	c.Oracle.Token = envOrDefault("PROCUREMENT_ORACLE_TOKEN", c.Oracle.Token)
	c.Log.Level = envOrDefault("PROCUREMENT_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault("PROCUREMENT_LOG_FORMAT", c.Log.Format)

	var errs []error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PROCUREMENT_POLL_INTERVAL", &c.Engine.PollInterval},
		{"PROCUREMENT_ARCHIVE_AFTER", &c.Engine.ArchiveAfter},
		{"PROCUREMENT_STANDARD_SLA", &c.Approval.StandardSLA},
		{"PROCUREMENT_RUSH_SLA", &c.Approval.RushSLA},
		{"PROCUREMENT_GRACE", &c.Approval.Grace},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", d.key, err))
			continue
		}
		*d.dst = parsed
	}
	if v := os.Getenv("PROCUREMENT_PRICE_TOLERANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid PROCUREMENT_PRICE_TOLERANCE: %w", err))
		} else {
			c.Invoice.PriceTolerance = f
		}
	}
	if v := os.Getenv("PROCUREMENT_PRICE_CHANGE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid PROCUREMENT_PRICE_CHANGE_THRESHOLD: %w", err))
		} else {
			c.Catalog.PriceChangeThreshold = f
		}
	}
	if v := os.Getenv("PROCUREMENT_SEED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid PROCUREMENT_SEED: %w", err))
		} else {
			c.Seed = b
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", types.ErrFatalConfiguration, err)
	}
	return nil
}

// Validate checks the settings that cannot be caught later by the components that use them.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("redis store needs redis_addr"))
		}
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("%s store needs a dsn", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Engine.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.Invoice.PriceTolerance < 0 {
		errs = append(errs, errors.New("price_tolerance must not be negative"))
	}
	if c.Catalog.PriceChangeThreshold < 0 {
		errs = append(errs, errors.New("price_change_threshold must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	known := make(map[string]bool)
	for _, d := range agent.DefaultDefinitions() {
		known[d.ID] = true
	}
	for id := range c.Agents.Overrides {
		if !known[id] {
			errs = append(errs, fmt.Errorf("override for unknown agent %q", id))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", types.ErrFatalConfiguration, err)
	}
	return nil
}

// Ladder returns the escalation ladder.
func (c *Config) Ladder() approval.Ladder {
	return approval.Ladder{
		SLA: map[types.Urgency]time.Duration{
			types.UrgencyStandard:  c.Approval.StandardSLA,
			types.UrgencyRush:      c.Approval.RushSLA,
			types.UrgencyEmergency: c.Approval.EmergencySLA,
		},
		Grace: c.Approval.Grace,
	}
}

// Directory returns the approver roster, with configured approvers replacing the
// default entry of their role.
func (c *Config) Directory() (*approval.Directory, error) {
	entries := approval.DefaultEntries()
	for role, e := range c.Approval.Approvers {
		entries[types.Role(strings.ToLower(role))] = e
	}
	return approval.NewDirectory(entries)
}

func (c *Config) retry(attempts int) workflow.RetryPolicy {
	p := workflow.DefaultRetryPolicy
	if attempts > 0 {
		p.MaxAttempts = attempts
	}
	if c.Retry.InitialInterval > 0 {
		p.InitialInterval = c.Retry.InitialInterval
	}
	if c.Retry.MaxInterval > 0 {
		p.MaxInterval = c.Retry.MaxInterval
	}
	return p
}

// Settings returns the workflow settings.
func (c *Config) Settings() (procurement.Settings, error) {
	dir, err := c.Directory()
	if err != nil {
		return procurement.Settings{}, err
	}
	s := procurement.Settings{
		Directory:      dir,
		Ladder:         c.Ladder(),
		NotifyRetry:    c.retry(c.Retry.Notify),
		CreatePORetry:  c.retry(c.Retry.CreatePO),
		TransmitRetry:  c.retry(c.Retry.Transmit),
		LookupRetry:    c.retry(c.Retry.Lookup),
		PriceRule:      c.Invoice.PriceRule,
		PriceTolerance: c.Invoice.PriceTolerance,

		PriceChangeThreshold: c.Catalog.PriceChangeThreshold,
		CatalogTeam:          c.Catalog.Team,
		RenewRule:            c.Renewal.Rule,
	}
	if err := s.Ladder.Validate(); err != nil {
		return procurement.Settings{}, err
	}
	return s, nil
}

// Definitions returns the standard agents with the configured overrides applied.
func (c *Config) Definitions() []agent.Definition {
	defs := agent.DefaultDefinitions()
	for i := range defs {
		o, ok := c.Agents.Overrides[defs[i].ID]
		if !ok {
			continue
		}
		d := &defs[i]
		if o.Threshold != nil {
			d.Gate.Threshold = *o.Threshold
		}
		if o.FailClosed != nil {
			d.Gate.FailClosed = *o.FailClosed
		}
		if o.MaxIterations > 0 {
			d.MaxIterations = o.MaxIterations
		}
		if len(o.Kinds) == 0 && len(o.Sensitive) == 0 {
			continue
		}
		override := gate.Override{}
		if d.Override != nil {
			override.Kinds = d.Override.Kinds
			override.Sensitive = maps.Clone(d.Override.Sensitive)
		}
		if len(o.Kinds) > 0 {
			override.Kinds = o.Kinds
		}
		for kind, exprs := range o.Sensitive {
			if override.Sensitive == nil {
				override.Sensitive = make(map[action.Kind][]string)
			}
			override.Sensitive[action.Kind(kind)] = append(override.Sensitive[action.Kind(kind)], exprs...)
		}
		d.Override = &override
	}
	return defs
}

// Intents returns the configured routing table, or the default one.
func (c *Config) Intents() []agent.Intent {
	if len(c.Agents.Intents) > 0 {
		return c.Agents.Intents
	}
	return agent.DefaultIntents()
}

// ToolRetry returns the toolbox retry option.
func (c *Config) ToolRetry() agent.ToolboxOption {
	initial := c.Retry.InitialInterval
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	attempts := c.Retry.Tools
	if attempts <= 0 {
		attempts = 3
	}
	return agent.WithRetry(attempts, initial)
}

// Logger builds the slog logger described by l.
func (l Log) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
