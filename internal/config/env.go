package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IOCONTROL_"

// LoadEnvFile loads KEY=VALUE pairs from path into the process
// environment. Variables already set win. A missing file is not an
// error when path is the default ".env".
func LoadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	slog.Debug("env file loaded", "path", path)
	return nil
}

// Override records one applied environment override.
type Override struct {
	Key   string
	Value string
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides engine fields from IOCONTROL_* variables found by
// lookup (os.LookupEnv when nil). A malformed value is an error.
func (s *EngineSection) ApplyEnv(lookup LookupFunc) ([]Override, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var applied []Override
	var errs []error

	duration := func(key string, dst **Duration) {
		val, ok := lookup(EnvPrefix + key)
		if !ok || val == "" {
			return
		}
		d, err := time.ParseDuration(val)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s%s=%q: want a positive duration", EnvPrefix, key, val))
			return
		}
		v := Duration(d)
		*dst = &v
		applied = append(applied, Override{Key: EnvPrefix + key, Value: val})
	}
	integer := func(key string, dst **int) {
		val, ok := lookup(EnvPrefix + key)
		if !ok || val == "" {
			return
		}
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Errorf("%s%s=%q: want a positive integer", EnvPrefix, key, val))
			return
		}
		*dst = &n
		applied = append(applied, Override{Key: EnvPrefix + key, Value: val})
	}

	duration("CRITICAL_INTERVAL", &s.CriticalInterval)
	duration("NORMAL_INTERVAL", &s.NormalInterval)
	duration("TRANSACTION_TIMEOUT", &s.TransactionTimeout)
	integer("ERROR_THRESHOLD", &s.ErrorThreshold)
	integer("SUBSCRIBER_BUFFER", &s.SubscriberBuffer)
	integer("FAIL_SAFE_ATTEMPTS", &s.FailSafeAttempts)

	if val, ok := lookup(EnvPrefix + "DEADBAND"); ok && val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil || f < 0 {
			errs = append(errs, fmt.Errorf("%sDEADBAND=%q: want a non-negative number", EnvPrefix, val))
		} else {
			s.Deadband = &f
			applied = append(applied, Override{Key: EnvPrefix + "DEADBAND", Value: val})
		}
	}

	for _, o := range applied {
		slog.Info("env override", "key", o.Key, "value", o.Value)
	}
	return applied, errors.Join(errs...)
}
