package shm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	conf := DefaultConfig()
	require.NoError(t, VerifyConfig(conf))
	assert.Equal(t, 3*time.Second, conf.GateTimeout)
	assert.Equal(t, defaultMode, conf.Mode)
	assert.NotNil(t, conf.Backend)
	assert.NotEmpty(t, conf.LockDir)
}

func TestVerifyConfig(t *testing.T) {
	cases := []struct {
		name   string
		modify func(c *Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"no lock dir", func(c *Config) { c.LockDir = "" }, false},
		{"no lock dir with gate", func(c *Config) {
			c.LockDir = ""
			c.Gate = &switchGate{}
		}, true},
		{"zero timeout", func(c *Config) { c.GateTimeout = 0 }, false},
		{"negative timeout", func(c *Config) { c.GateTimeout = -time.Second }, false},
		{"zero mode", func(c *Config) { c.Mode = 0 }, false},
		{"mode with type bits", func(c *Config) { c.Mode = 01777 }, false},
		{"world readable", func(c *Config) { c.Mode = 0666 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conf := DefaultConfig()
			tc.modify(conf)
			err := VerifyConfig(conf)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
	assert.ErrorIs(t, VerifyConfig(nil), ErrInvalidConfig)
}

func TestWithDefaults(t *testing.T) {
	conf := withDefaults(&Config{Exclusive: true})
	require.NoError(t, VerifyConfig(conf))
	assert.True(t, conf.Exclusive)
	assert.NotNil(t, conf.Logger)
	assert.NotNil(t, conf.Meter)
	assert.NotNil(t, conf.Tracer)

	orig := &Config{GateTimeout: time.Second}
	_ = withDefaults(orig)
	assert.Nil(t, orig.Backend)
}

func TestConfigFromEnv(t *testing.T) {
	shmDir, lockDir := t.TempDir(), t.TempDir()
	t.Setenv(EnvShmDir, shmDir)
	t.Setenv(EnvLockDir, lockDir)
	t.Setenv(EnvGateTimeout, "250ms")
	t.Setenv(EnvMode, "640")
	t.Setenv(EnvExclusive, "true")

	conf, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, lockDir, conf.LockDir)
	assert.Equal(t, 250*time.Millisecond, conf.GateTimeout)
	assert.Equal(t, defaultMode|0040, conf.Mode)
	assert.True(t, conf.Exclusive)

	b, ok := conf.Backend.(*DirBackend)
	require.True(t, ok)
	assert.Equal(t, shmDir, b.Dir)
	assert.Equal(t, DefaultBackend().(*DirBackend).Suffix, b.Suffix)
}

func TestConfigFromEnvInvalid(t *testing.T) {
	for env, value := range map[string]string{
		EnvGateTimeout: "soon",
		EnvMode:        "rw",
		EnvExclusive:   "maybe",
	} {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, value)
			_, err := ConfigFromEnv()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
