package netif

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTools emulates ifconfig/lsof/pkill against an in-memory interface set.
type fakeTools struct {
	mu             sync.Mutex
	interfaces     map[string]bool
	holders        map[string][]int // interface -> holder pids reported by lsof
	calls          []string
	releaseOnPkill string // process name whose pkill frees every interface
}

func (f *fakeTools) Run(_ context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)

	switch name {
	case "ifconfig":
		if len(args) == 1 && args[0] == "-l" {
			var names []string
			for ifc, present := range f.interfaces {
				if present {
					names = append(names, ifc)
				}
			}
			return strings.Join(names, " ") + "\n", nil
		}
		ifc := args[0]
		if !f.interfaces[ifc] {
			return "", fmt.Errorf("ifconfig: interface %s does not exist", ifc)
		}
		if len(args) == 2 && args[1] == "destroy" {
			f.interfaces[ifc] = false
		}
		return ifc + ": flags=8051<UP,POINTOPOINT,RUNNING,MULTICAST>\n", nil
	case "lsof":
		ifc := strings.TrimPrefix(args[1], "/dev/")
		pids := f.holders[ifc]
		if len(pids) == 0 {
			return "", fmt.Errorf("lsof: no file use located")
		}
		out := ""
		for _, pid := range pids {
			out += fmt.Sprintf("%d\n", pid)
		}
		return out, nil
	case "pkill":
		proc := args[len(args)-1]
		if f.releaseOnPkill != "" && proc == f.releaseOnPkill {
			for ifc := range f.interfaces {
				f.interfaces[ifc] = false
			}
		}
		return "", nil
	}
	return "", fmt.Errorf("unexpected tool %q", name)
}

func (f *fakeTools) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func fastOpts() Options {
	return Options{
		ReleaseTimeout: 60 * time.Millisecond,
		SettleTimeout:  60 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		Rivals:         []string{"tun2socks"},
	}
}

func TestForceReleaseAbsentInterfaceIsNoop(t *testing.T) {
	fake := &fakeTools{interfaces: map[string]bool{}}
	r := NewReconciler(fake, fastOpts())

	require.NoError(t, r.ForceRelease(context.Background(), "utun199", "sing-box"))
	assert.False(t, fake.called("pkill"))
}

func TestForceReleaseKillsOrphanAndFreesInterface(t *testing.T) {
	fake := &fakeTools{
		interfaces:     map[string]bool{"utun199": true},
		holders:        map[string][]int{"utun199": {999999}},
		releaseOnPkill: "sing-box",
	}
	r := NewReconciler(fake, fastOpts())

	err := r.ForceRelease(context.Background(), "utun199", "sing-box")
	require.NoError(t, err)
	assert.True(t, fake.called("lsof -t /dev/utun199"))
	assert.True(t, fake.called("pkill -9 -x sing-box"))
	assert.True(t, fake.called("pkill -9 -x tun2socks"))
}

func TestForceReleaseFallsBackToDestroy(t *testing.T) {
	// No pkill releases the interface; destroy does.
	fake := &fakeTools{interfaces: map[string]bool{"utun5": true}}
	r := NewReconciler(fake, fastOpts())

	err := r.ForceRelease(context.Background(), "utun5", "sing-box")
	require.NoError(t, err)
	assert.True(t, fake.called("ifconfig utun5 down"))
	assert.True(t, fake.called("ifconfig utun5 destroy"))
}

func TestForceReleaseTimesOutOnStubbornInterface(t *testing.T) {
	fake := &fakeTools{interfaces: map[string]bool{"utun7": true}}
	r := NewReconciler(&stubbornTools{fakeTools: fake}, fastOpts())

	err := r.ForceRelease(context.Background(), "utun7", "core")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "utun7")
}

// stubbornTools wraps fakeTools but ignores destroy, so the interface never
// releases.
type stubbornTools struct {
	*fakeTools
}

func (s *stubbornTools) Run(ctx context.Context, name string, args ...string) (string, error) {
	if name == "ifconfig" && len(args) == 2 && args[1] == "destroy" {
		return "", nil
	}
	return s.fakeTools.Run(ctx, name, args...)
}

func TestForceReleaseRejectsInvalidName(t *testing.T) {
	fake := &fakeTools{interfaces: map[string]bool{}}
	r := NewReconciler(fake, fastOpts())

	err := r.ForceRelease(context.Background(), "utun0; reboot", "core")
	assert.Error(t, err)
	assert.Empty(t, fake.calls)
}

func TestPresent(t *testing.T) {
	fake := &fakeTools{interfaces: map[string]bool{"utun9": true}}
	r := NewReconciler(fake, fastOpts())

	assert.True(t, r.Present(context.Background(), "utun9"))
	assert.False(t, r.Present(context.Background(), "utun10"))
	assert.False(t, r.Present(context.Background(), "bad name"))
}

func TestNextFreeName(t *testing.T) {
	fake := &fakeTools{interfaces: map[string]bool{
		"utun0": true, "utun1": true, "utun200": true, "utun201": true,
	}}
	r := NewReconciler(fake, fastOpts())

	assert.Equal(t, "utun202", r.NextFreeName(context.Background(), 200))
	assert.Equal(t, "utun2", r.NextFreeName(context.Background(), 0))
}

func TestNextFreeNameSkipsExcludedNames(t *testing.T) {
	fake := &fakeTools{interfaces: map[string]bool{"utun200": true}}
	r := NewReconciler(fake, fastOpts())

	first := r.NextFreeName(context.Background(), 200)
	assert.Equal(t, "utun201", first)
	second := r.NextFreeName(context.Background(), 200, first)
	assert.Equal(t, "utun202", second)
	third := r.NextFreeName(context.Background(), 200, first, second)
	assert.Equal(t, "utun203", third)
}

func TestWaitSettleReturnsWhenOnlyReservedRemain(t *testing.T) {
	fake := &fakeTools{interfaces: map[string]bool{"utun0": true, "utun3": true}}
	r := NewReconciler(fake, fastOpts())

	start := time.Now()
	r.WaitSettle(context.Background())
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitSettleTimesOutWithoutError(t *testing.T) {
	fake := &fakeTools{interfaces: map[string]bool{"utun225": true}}
	r := NewReconciler(fake, fastOpts())

	// Must return (after the bounded wait), never hang or panic.
	r.WaitSettle(context.Background())
	assert.True(t, fake.called("ifconfig -l"))
}
