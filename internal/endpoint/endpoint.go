// Package endpoint normalizes gateway addresses given on the command line
// or through the environment.
package endpoint

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// DefaultAddr is where the control plane listens when nothing is
// configured.
const DefaultAddr = "127.0.0.1:8210"

// ResolveBaseURL turns a user-supplied gateway address into a base URL for
// clients. Accepts "host:port", "http://host:port" or "https://host:port";
// empty falls back to $STACKPAD_HOST, then the local default.
func ResolveBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv("STACKPAD_HOST"))
	}
	if value == "" {
		return "http://" + DefaultAddr, nil
	}

	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return strings.TrimRight(value, "/"), nil
	}
	if strings.Contains(value, "://") {
		return "", fmt.Errorf("unsupported endpoint scheme in %q (use http:// or https://)", value)
	}
	if _, _, err := net.SplitHostPort(value); err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", value, err)
	}
	return "http://" + value, nil
}

// ResolveListen turns a user-supplied listen address into a host:port for
// net.Listen. Accepts "host:port" or ":port"; an http:// prefix is
// tolerated and stripped.
func ResolveListen(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return DefaultAddr, nil
	}
	value = strings.TrimPrefix(value, "http://")
	if strings.Contains(value, "://") {
		return "", fmt.Errorf("unsupported listen scheme in %q", value)
	}
	value = strings.TrimSuffix(value, "/")
	if _, _, err := net.SplitHostPort(value); err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", value, err)
	}
	return value, nil
}
