// Package environment reads configuration from environment variables.
//
// Every helper takes a default and never exits: an unset or unparseable
// variable falls back to the default, keeping process-control decisions in
// main.
package environment

import (
	"os"
	"strconv"
)

// String returns the named variable's value and whether it was set at all
// (an explicitly empty value counts as set).
func String(name string) (string, bool) {
	return os.LookupEnv(name)
}

// StringOr returns the named variable's value, or def when it is unset or
// empty.
func StringOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// IntOr parses the named variable as a decimal integer, falling back to def
// when it is unset, empty, or malformed.
func IntOr(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
