// Package sysproxy applies and restores machine-wide HTTP/HTTPS proxy
// settings through the networksetup utility. Apply captures the prior state
// of every enabled network service into a snapshot; Restore replays that
// snapshot verbatim. Both operations are idempotent at the OS level.
package sysproxy

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	apperrors "github.com/Finesssee/CoreWarden/internal/errors"
	"github.com/Finesssee/CoreWarden/internal/oscmd"
)

const tool = "networksetup"

// Override is the desired machine-wide proxy state.
type Override struct {
	Enabled       bool     `json:"enabled"`
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	BypassDomains []string `json:"bypass_domains,omitempty"`
}

// ProxyState is one protocol's proxy setting for a network service.
type ProxyState struct {
	Enabled bool
	Host    string
	Port    int
}

// ServiceSnapshot captures one service's pre-override proxy configuration.
type ServiceSnapshot struct {
	WebProxy       ProxyState
	SecureWebProxy ProxyState
	BypassDomains  []string
}

// Snapshot maps network-service names to their captured configuration.
// It exists only between a successful Apply and its Restore.
type Snapshot map[string]ServiceSnapshot

// Controller drives networksetup.
type Controller struct {
	runner oscmd.Runner
}

// NewController returns a Controller using the given runner.
func NewController(runner oscmd.Runner) *Controller {
	return &Controller{runner: runner}
}

// Apply captures the current proxy configuration of all enabled network
// services, then sets the override on each. Per-service failures are logged
// and do not stop the remaining services; the returned snapshot covers every
// service whose prior state was captured, so a partial apply still restores
// cleanly. The returned error reflects the first failure, if any.
func (c *Controller) Apply(ctx context.Context, ov Override) (Snapshot, error) {
	services, err := c.enabledServices(ctx)
	if err != nil {
		return nil, err
	}

	snap := make(Snapshot, len(services))
	var firstErr error
	for _, svc := range services {
		before, err := c.captureService(ctx, svc)
		if err != nil {
			log.WithField("service", svc).Warnf("skipping service, capture failed: %v", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		snap[svc] = before

		if err = c.applyService(ctx, svc, ov); err != nil {
			log.WithField("service", svc).Warnf("proxy apply failed: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return snap, firstErr
}

// Restore replays a snapshot. Services that no longer exist are silently
// skipped. The returned error reflects the first failure, if any.
func (c *Controller) Restore(ctx context.Context, snap Snapshot) error {
	if len(snap) == 0 {
		return nil
	}
	current, err := c.enabledServices(ctx)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(current))
	for _, svc := range current {
		present[svc] = true
	}

	var firstErr error
	for svc, before := range snap {
		if !present[svc] {
			log.WithField("service", svc).Debug("service gone, skipping proxy restore")
			continue
		}
		if err = c.restoreService(ctx, svc, before); err != nil {
			log.WithField("service", svc).Warnf("proxy restore failed: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// enabledServices lists network services, skipping administratively disabled
// ones (prefixed with '*') and the explanatory first line.
func (c *Controller) enabledServices(ctx context.Context) ([]string, error) {
	out, err := c.runner.Run(ctx, tool, "-listallnetworkservices")
	if err != nil {
		return nil, apperrors.New(apperrors.CodeToolFailed, "listing network services failed", err)
	}
	var services []string
	for i, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// First line is the asterisk legend.
		if i == 0 && strings.Contains(line, "asterisk") {
			continue
		}
		if strings.HasPrefix(line, "*") {
			continue
		}
		services = append(services, line)
	}
	return services, nil
}

func (c *Controller) captureService(ctx context.Context, svc string) (ServiceSnapshot, error) {
	var snap ServiceSnapshot

	web, err := c.getProxyState(ctx, "-getwebproxy", svc)
	if err != nil {
		return snap, err
	}
	secure, err := c.getProxyState(ctx, "-getsecurewebproxy", svc)
	if err != nil {
		return snap, err
	}
	bypass, err := c.getBypassDomains(ctx, svc)
	if err != nil {
		return snap, err
	}

	snap.WebProxy = web
	snap.SecureWebProxy = secure
	snap.BypassDomains = bypass
	return snap, nil
}

func (c *Controller) applyService(ctx context.Context, svc string, ov Override) error {
	port := strconv.Itoa(ov.Port)
	steps := [][]string{
		{"-setwebproxy", svc, ov.Host, port},
		{"-setwebproxystate", svc, onOff(ov.Enabled)},
		{"-setsecurewebproxy", svc, ov.Host, port},
		{"-setsecurewebproxystate", svc, onOff(ov.Enabled)},
	}
	if ov.BypassDomains != nil {
		steps = append(steps, append([]string{"-setproxybypassdomains", svc}, bypassArgs(ov.BypassDomains)...))
	}
	return c.runSteps(ctx, steps)
}

func (c *Controller) restoreService(ctx context.Context, svc string, before ServiceSnapshot) error {
	steps := [][]string{}
	if before.WebProxy.Host != "" {
		steps = append(steps, []string{"-setwebproxy", svc, before.WebProxy.Host, strconv.Itoa(before.WebProxy.Port)})
	}
	steps = append(steps, []string{"-setwebproxystate", svc, onOff(before.WebProxy.Enabled)})
	if before.SecureWebProxy.Host != "" {
		steps = append(steps, []string{"-setsecurewebproxy", svc, before.SecureWebProxy.Host, strconv.Itoa(before.SecureWebProxy.Port)})
	}
	steps = append(steps,
		[]string{"-setsecurewebproxystate", svc, onOff(before.SecureWebProxy.Enabled)},
		append([]string{"-setproxybypassdomains", svc}, bypassArgs(before.BypassDomains)...),
	)
	return c.runSteps(ctx, steps)
}

func (c *Controller) runSteps(ctx context.Context, steps [][]string) error {
	for _, args := range steps {
		if _, err := c.runner.Run(ctx, tool, args...); err != nil {
			return apperrors.New(apperrors.CodeToolFailed, fmt.Sprintf("%s %s failed", tool, args[0]), err)
		}
	}
	return nil
}

// getProxyState parses output of the form:
//
//	Enabled: Yes
//	Server: 127.0.0.1
//	Port: 8080
func (c *Controller) getProxyState(ctx context.Context, subcmd, svc string) (ProxyState, error) {
	out, err := c.runner.Run(ctx, tool, subcmd, svc)
	if err != nil {
		return ProxyState{}, apperrors.New(apperrors.CodeToolFailed, fmt.Sprintf("%s %s failed", tool, subcmd), err)
	}
	var st ProxyState
	for _, line := range strings.Split(out, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Enabled":
			st.Enabled = strings.EqualFold(value, "Yes") || value == "1"
		case "Server":
			st.Host = value
		case "Port":
			st.Port, _ = strconv.Atoi(value)
		}
	}
	return st, nil
}

func (c *Controller) getBypassDomains(ctx context.Context, svc string) ([]string, error) {
	out, err := c.runner.Run(ctx, tool, "-getproxybypassdomains", svc)
	if err != nil {
		return nil, apperrors.New(apperrors.CodeToolFailed, "networksetup -getproxybypassdomains failed", err)
	}
	var domains []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "There aren't any") {
			continue
		}
		domains = append(domains, line)
	}
	return domains, nil
}

// bypassArgs converts a domain list into networksetup arguments. The literal
// "Empty" clears the list, which is how an empty snapshot round-trips.
func bypassArgs(domains []string) []string {
	if len(domains) == 0 {
		return []string{"Empty"}
	}
	return domains
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
