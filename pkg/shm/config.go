package shm

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/shmregion/internal/gate"
	internalshm "github.com/srediag/shmregion/internal/shm"
)

const (
	defaultGateTimeout  = gate.DefaultTimeout
	defaultMode         = os.FileMode(0600)
	instrumentationName = "github.com/srediag/shmregion"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvLockDir     = "SHMREGION_LOCK_DIR"
	EnvShmDir      = "SHMREGION_SHM_DIR"
	EnvGateTimeout = "SHMREGION_GATE_TIMEOUT"
	EnvMode        = "SHMREGION_MODE"
	EnvExclusive   = "SHMREGION_EXCLUSIVE"
)

// Config holds region creation parameters.
type Config struct {
	// Backend maps the backing objects. Defaults to DefaultBackend().
	Backend Backend
	// Gate serializes header access. Defaults to the process-wide FileGate for LockDir.
	Gate Gate
	// LockDir holds the gate lock files when Gate is nil.
	LockDir string `validate:"required"`
	// GateTimeout bounds each gate acquisition of the default gate.
	GateTimeout time.Duration `validate:"gt=0"`
	// Mode is the permission of new backing objects and lock files.
	Mode os.FileMode `validate:"gt=0,lte=511"`
	// Exclusive makes Create fail with ErrAlreadyExists instead of taking over an
	// existing object.
	Exclusive bool

	Logger Logger
	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultConfig returns the default config for the host.
func DefaultConfig() *Config {
	return &Config{
		Backend:     internalshm.DefaultBackend(),
		LockDir:     internalshm.DefaultLockDir(),
		GateTimeout: defaultGateTimeout,
		Mode:        defaultMode,
		Logger:      internalLogger,
		Meter:       metricnoop.NewMeterProvider().Meter(instrumentationName),
		Tracer:      tracenoop.NewTracerProvider().Tracer(instrumentationName),
	}
}

// ConfigFromEnv loads a .env file when present and applies SHMREGION_* overrides to
// DefaultConfig.
func ConfigFromEnv() (*Config, error) {
	_ = godotenv.Load()

	conf := DefaultConfig()
	if v := os.Getenv(EnvLockDir); v != "" {
		conf.LockDir = v
	}
	if v := os.Getenv(EnvShmDir); v != "" {
		b := &DirBackend{Dir: v}
		if def, ok := conf.Backend.(*DirBackend); ok {
			b.Prefix, b.Suffix = def.Prefix, def.Suffix
		}
		conf.Backend = b
	}
	if v := os.Getenv(EnvGateTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, EnvGateTimeout, err)
		}
		conf.GateTimeout = d
	}
	if v := os.Getenv(EnvMode); v != "" {
		m, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, EnvMode, err)
		}
		conf.Mode = os.FileMode(m)
	}
	if v := os.Getenv(EnvExclusive); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, EnvExclusive, err)
		}
		conf.Exclusive = b
	}
	return conf, VerifyConfig(conf)
}

var (
	validatorInstance *validator.Validate
	validatorOnce     sync.Once
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		validatorInstance = validator.New()
	})
	return validatorInstance
}

// VerifyConfig is used to verify the sanity of configuration
func VerifyConfig(conf *Config) error {
	if conf == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if conf.Gate != nil && conf.LockDir == "" {
		// an explicit gate does not need a lock directory
		return nil
	}
	if err := getValidator().Struct(conf); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// withDefaults returns a copy of conf with unset fields filled from DefaultConfig.
func withDefaults(conf *Config) *Config {
	def := DefaultConfig()
	if conf == nil {
		return def
	}
	c := *conf
	if c.Backend == nil {
		c.Backend = def.Backend
	}
	if c.LockDir == "" && c.Gate == nil {
		c.LockDir = def.LockDir
	}
	if c.GateTimeout == 0 {
		c.GateTimeout = def.GateTimeout
	}
	if c.Mode == 0 {
		c.Mode = def.Mode
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	if c.Meter == nil {
		c.Meter = def.Meter
	}
	if c.Tracer == nil {
		c.Tracer = def.Tracer
	}
	return &c
}
