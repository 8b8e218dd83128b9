// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OptionsEnvVar is the environment variable with the default options, see ParseOptions for its format.
const OptionsEnvVar = "GEMMTHUNK_OPTIONS"

// Options control the execution of GEMMs. They are read-only once created.
type Options struct {
	// DisableAutotune disables the search for the fastest algorithm: the backend's default is used.
	DisableAutotune bool

	// AutotuneMaxTrials bounds the number of algorithms tried when autotuning. 0 means all of them.
	AutotuneMaxTrials int
}

// ParseOptions parses a comma-separated list of options:
//
//   - "disable_autotune" or "disable_autotune=<bool>"
//   - "autotune_max_trials=<n>"
//
// Example: "disable_autotune=false,autotune_max_trials=4"
func ParseOptions(config string) (Options, error) {
	var opts Options
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		var err error
		switch key {
		case "disable_autotune":
			opts.DisableAutotune = true
			if hasValue {
				opts.DisableAutotune, err = strconv.ParseBool(value)
			}
		case "autotune_max_trials":
			opts.AutotuneMaxTrials, err = strconv.Atoi(value)
			if err == nil && opts.AutotuneMaxTrials < 0 {
				err = errors.Errorf("must be >= 0, got %d", opts.AutotuneMaxTrials)
			}
		default:
			return Options{}, errors.Errorf("unknown GEMM option %q", part)
		}
		if err != nil {
			return Options{}, errors.WithMessagef(err, "invalid value for GEMM option %q", key)
		}
	}
	return opts, nil
}

var defaultOptions = sync.OnceValue(func() Options {
	config := os.Getenv(OptionsEnvVar)
	opts, err := ParseOptions(config)
	if err != nil {
		klog.Errorf("Ignoring $%s=%q: %+v", OptionsEnvVar, config, err)
		return Options{}
	}
	return opts
})

// DefaultOptions returns the options set in $GEMMTHUNK_OPTIONS. They are read once, on first use.
func DefaultOptions() Options {
	return defaultOptions()
}
