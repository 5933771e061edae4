// Package coreconfig reads the small subset of the core binary's JSON config
// that the supervisor needs: declared tun interface names and the optional
// system HTTP-proxy hint on a tun inbound. It deliberately avoids a full
// schema; everything else in the config belongs to the core process.
package coreconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ProxyHint is the http_proxy advertisement extracted from a tun inbound.
type ProxyHint struct {
	Host   string
	Port   int
	Bypass []string
}

// ValidInterfaceName reports whether name is safe to hand to OS tools:
// alphanumerics, '-' and '_' only. Interface names originate from external
// config data and must never be interpolated unvalidated into command
// arguments.
func ValidInterfaceName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// TunInterfaces returns the interface names declared by tun-type inbounds.
// Names failing validation are dropped; the OS could not have created them
// and passing them to cleanup tooling would be an injection hazard.
func TunInterfaces(raw []byte) []string {
	var names []string
	gjson.GetBytes(raw, "inbounds").ForEach(func(_, inbound gjson.Result) bool {
		if inbound.Get("type").String() != "tun" {
			return true
		}
		name := strings.TrimSpace(inbound.Get("interface_name").String())
		if name == "" || !ValidInterfaceName(name) {
			return true
		}
		names = append(names, name)
		return true
	})
	return names
}

// ProxyHintFrom scans tun inbounds for an enabled platform.http_proxy hint.
// The host defaults to loopback when absent; a hint without an explicit port
// is ignored. Returns false when no usable hint exists.
func ProxyHintFrom(raw []byte) (ProxyHint, bool) {
	var hint ProxyHint
	found := false
	gjson.GetBytes(raw, "inbounds").ForEach(func(_, inbound gjson.Result) bool {
		if inbound.Get("type").String() != "tun" {
			return true
		}
		hp := inbound.Get("platform.http_proxy")
		if !hp.Exists() || !hp.Get("enabled").Bool() {
			return true
		}
		port := int(hp.Get("server_port").Int())
		if port <= 0 {
			return true
		}
		host := strings.TrimSpace(hp.Get("server").String())
		if host == "" {
			host = "127.0.0.1"
		}
		var bypass []string
		for _, d := range hp.Get("bypass_domain").Array() {
			if s := strings.TrimSpace(d.String()); s != "" {
				bypass = append(bypass, s)
			}
		}
		hint = ProxyHint{Host: host, Port: port, Bypass: bypass}
		found = true
		return false
	})
	return hint, found
}

// ReplaceInterfaceName returns a copy of raw with every tun inbound declaring
// oldName rewritten to newName. All other content is preserved byte-for-byte
// where sjson allows.
func ReplaceInterfaceName(raw []byte, oldName, newName string) ([]byte, error) {
	if !ValidInterfaceName(newName) {
		return nil, fmt.Errorf("invalid substitute interface name %q", newName)
	}
	out := raw
	var err error
	idx := -1
	gjson.GetBytes(raw, "inbounds").ForEach(func(_, inbound gjson.Result) bool {
		idx++
		if inbound.Get("type").String() != "tun" {
			return true
		}
		if inbound.Get("interface_name").String() != oldName {
			return true
		}
		out, err = sjson.SetBytes(out, fmt.Sprintf("inbounds.%d.interface_name", idx), newName)
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("patch interface name: %w", err)
	}
	return out, nil
}

// SidecarPath derives the path used for a patched copy of configPath:
// "config.json" becomes "config.sidecar.json" in the same directory, so
// relative paths inside the config still resolve from the same working dir.
func SidecarPath(configPath string) string {
	dir := filepath.Dir(configPath)
	base := filepath.Base(configPath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, stem+".sidecar"+ext)
}

// WriteSidecar writes the patched config next to the original and returns its
// path. The original file is never modified.
func WriteSidecar(configPath string, patched []byte) (string, error) {
	path := SidecarPath(configPath)
	if err := os.WriteFile(path, patched, 0o600); err != nil {
		return "", fmt.Errorf("write sidecar config: %w", err)
	}
	return path, nil
}
