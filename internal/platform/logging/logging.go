// Package logging configures the named module loggers shared by every service.
package logging

import (
	"fmt"
	"strings"

	"github.com/juju/loggo/v2"
)

// DefaultSpec keeps every module at INFO unless overridden.
const DefaultSpec = "<root>=INFO"

// Configure applies a loggo specification such as
// "<root>=INFO;donations.payments=DEBUG".
func Configure(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSpec
	}
	if err := loggo.ConfigureLoggers(spec); err != nil {
		return fmt.Errorf("configure loggers %q: %w", spec, err)
	}
	return nil
}

// Printf adapts a module logger to the logf sink accepted by platform helpers.
func Printf(logger loggo.Logger) func(string, ...any) {
	return func(format string, args ...any) {
		logger.Infof(format, args...)
	}
}
