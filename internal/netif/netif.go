// Package netif detects and force-releases contested TUN-style virtual
// network interfaces. A required interface name that is still bound, usually
// by a stale or half-killed prior core instance, is reclaimed by killing the
// holders, killing known rival proxy tools by name, and finally deactivating
// the interface directly.
package netif

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Finesssee/CoreWarden/internal/coreconfig"
	"github.com/Finesssee/CoreWarden/internal/oscmd"
)

// Options tune the reconciler's polling budgets. Zero values pick defaults.
type Options struct {
	// ReleaseTimeout bounds the per-interface force-release loop.
	ReleaseTimeout time.Duration
	// SettleTimeout bounds the post-stop wait for interfaces to clear.
	SettleTimeout time.Duration
	// PollInterval is the re-check cadence inside both waits.
	PollInterval time.Duration
	// ReservedLowIndex marks utun indexes at or below it as system-owned.
	ReservedLowIndex int
	// Rivals lists process names killed as a catch-all during cleanup.
	Rivals []string
}

const (
	defaultReleaseTimeout = 5 * time.Second
	defaultSettleTimeout  = 4 * time.Second
	defaultPollInterval   = 200 * time.Millisecond
	defaultReservedLow    = 4
)

// Reconciler force-releases contested virtual interfaces via OS tooling.
type Reconciler struct {
	runner oscmd.Runner
	opts   Options
}

// NewReconciler builds a Reconciler over the given runner.
func NewReconciler(runner oscmd.Runner, opts Options) *Reconciler {
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = defaultReleaseTimeout
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = defaultSettleTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ReservedLowIndex <= 0 {
		opts.ReservedLowIndex = defaultReservedLow
	}
	return &Reconciler{runner: runner, opts: opts}
}

// Present reports whether the named interface currently exists.
func (r *Reconciler) Present(ctx context.Context, name string) bool {
	if !coreconfig.ValidInterfaceName(name) {
		return false
	}
	_, err := r.runner.Run(ctx, "ifconfig", name)
	return err == nil
}

// ForceRelease reclaims one required interface name, retrying on a fixed
// interval until the release timeout. coreName is the process name of the
// core binary, killed by name alongside the configured rivals. A timeout is
// returned as an error; callers treat it as soft and fall back to the
// sidecar-config path.
func (r *Reconciler) ForceRelease(ctx context.Context, name, coreName string) error {
	if !coreconfig.ValidInterfaceName(name) {
		return fmt.Errorf("refusing to release invalid interface name %q", name)
	}
	if !r.Present(ctx, name) {
		return nil
	}

	log.WithField("interface", name).Info("interface contested, forcing release")
	r.releaseOnce(ctx, name, coreName)

	deadline := time.Now().Add(r.opts.ReleaseTimeout)
	halfway := time.Now().Add(r.opts.ReleaseTimeout / 2)
	retried := false
	for time.Now().Before(deadline) {
		if !r.Present(ctx, name) {
			return nil
		}
		if !retried && time.Now().After(halfway) {
			// Still bound midway through the budget: run the kill steps again.
			r.releaseOnce(ctx, name, coreName)
			retried = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.PollInterval):
		}
	}
	if !r.Present(ctx, name) {
		return nil
	}
	return fmt.Errorf("interface %s still bound after %s", name, r.opts.ReleaseTimeout)
}

// releaseOnce runs one pass of the force-release protocol.
func (r *Reconciler) releaseOnce(ctx context.Context, name, coreName string) {
	for _, pid := range r.holderPIDs(ctx, name) {
		log.WithFields(log.Fields{"interface": name, "pid": pid}).Info("killing interface holder")
		_ = unix.Kill(pid, unix.SIGKILL)
	}

	names := append([]string{}, r.opts.Rivals...)
	if coreName != "" {
		names = append([]string{coreName}, names...)
	}
	r.killByName(ctx, names)

	if r.Present(ctx, name) {
		// Last resort: deactivate the interface administratively.
		_, _ = r.runner.Run(ctx, "ifconfig", name, "down")
		_, _ = r.runner.Run(ctx, "ifconfig", name, "destroy")
	}
}

// WaitSettle polls after any stop until utun interfaces above the reserved
// low-index range disappear. Failing to fully clear is logged as a warning
// and never raises an error; the sidecar-config fallback guarantees forward
// progress regardless.
func (r *Reconciler) WaitSettle(ctx context.Context) {
	deadline := time.Now().Add(r.opts.SettleTimeout)
	for time.Now().Before(deadline) {
		lingering := r.lingeringUtuns(ctx)
		if len(lingering) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.PollInterval):
		}
	}
	if lingering := r.lingeringUtuns(ctx); len(lingering) > 0 {
		log.Warnf("interfaces still present after settle wait: %s", strings.Join(lingering, ", "))
	}
}

// NextFreeName returns the utun name with the lowest unused index at or above
// base, for the sidecar-config fallback. Names in exclude count as taken even
// when no live interface holds them yet, so successive picks within one patch
// pass stay distinct.
func (r *Reconciler) NextFreeName(ctx context.Context, base int, exclude ...string) string {
	used := make(map[int]bool)
	for _, name := range r.listUtuns(ctx) {
		if idx, ok := utunIndex(name); ok {
			used[idx] = true
		}
	}
	for _, name := range exclude {
		if idx, ok := utunIndex(name); ok {
			used[idx] = true
		}
	}
	for idx := base; ; idx++ {
		if !used[idx] {
			return "utun" + strconv.Itoa(idx)
		}
	}
}

// holderPIDs looks up processes holding the interface's device open.
// Best effort: an lsof failure just yields no holders, and the name-based
// kill pass remains the effective catch-all.
func (r *Reconciler) holderPIDs(ctx context.Context, name string) []int {
	out, err := r.runner.Run(ctx, "lsof", "-t", "/dev/"+name)
	if err != nil {
		return nil
	}
	var pids []int
	for _, field := range strings.Fields(out) {
		if pid, err := strconv.Atoi(field); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}

func (r *Reconciler) killByName(ctx context.Context, names []string) {
	for _, name := range names {
		if name == "" || !coreconfig.ValidInterfaceName(name) {
			// Process names share the interface-name character policy.
			continue
		}
		_, _ = r.runner.Run(ctx, "pkill", "-9", "-x", name)
	}
}

func (r *Reconciler) lingeringUtuns(ctx context.Context) []string {
	var lingering []string
	for _, name := range r.listUtuns(ctx) {
		if idx, ok := utunIndex(name); ok && idx > r.opts.ReservedLowIndex {
			lingering = append(lingering, name)
		}
	}
	return lingering
}

func (r *Reconciler) listUtuns(ctx context.Context) []string {
	out, err := r.runner.Run(ctx, "ifconfig", "-l")
	if err != nil {
		return nil
	}
	var utuns []string
	for _, name := range strings.Fields(out) {
		if strings.HasPrefix(name, "utun") {
			utuns = append(utuns, name)
		}
	}
	return utuns
}

func utunIndex(name string) (int, bool) {
	idx, err := strconv.Atoi(strings.TrimPrefix(name, "utun"))
	if err != nil {
		return 0, false
	}
	return idx, true
}
