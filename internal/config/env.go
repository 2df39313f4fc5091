package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Environment variables that override the file
const (
	EnvToken         = "NOWCAST_TOKEN"
	EnvDebounce      = "NOWCAST_DEBOUNCE"
	EnvPollInterval  = "NOWCAST_POLL_INTERVAL"
	EnvMPRIS         = "NOWCAST_MPRIS"
	EnvSniffer       = "NOWCAST_SNIFFER"
	EnvHTTPPollerURL = "NOWCAST_HTTP_POLLER_URL"
	EnvMPDAddress    = "NOWCAST_MPD_ADDRESS"
	EnvGatewayURL    = "NOWCAST_GATEWAY_URL"
)

// applyEnv overlays the environment on c. Durations accept Go syntax ("3s",
// "750ms"). Setting NOWCAST_MPD_ADDRESS also enables the MPD poller.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var problems []error

	if v, ok := lookup(EnvToken); ok && v != "" {
		c.Token = v
	}
	if v, ok := lookup(EnvDebounce); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", EnvDebounce, err))
		} else {
			c.Reconciler.DebounceMS = int(d / time.Millisecond)
		}
	}
	if v, ok := lookup(EnvPollInterval); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", EnvPollInterval, err))
		} else {
			c.Sources.PollIntervalMS = int(d / time.Millisecond)
		}
	}
	if v, ok := lookup(EnvMPRIS); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", EnvMPRIS, err))
		} else {
			c.Sources.MPRIS.Enabled = b
		}
	}
	if v, ok := lookup(EnvSniffer); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", EnvSniffer, err))
		} else {
			c.Sources.Sniffer.Enabled = b
		}
	}
	if v, ok := lookup(EnvHTTPPollerURL); ok && v != "" {
		c.Sources.HTTP.URL = v
	}
	if v, ok := lookup(EnvMPDAddress); ok && v != "" {
		c.Sources.MPD.Address = v
		c.Sources.MPD.Enabled = true
	}
	if v, ok := lookup(EnvGatewayURL); ok && v != "" {
		c.Gateway.URL = v
	}

	return errors.Join(problems...)
}
