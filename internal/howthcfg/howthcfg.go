// Package howthcfg resolves daemon/project configuration: the IPC channel
// endpoint, the package store root, the registry base URL/auth token, and
// `.npmrc`-style scoped-registry/auth directives.
//
// Each value is read from an environment variable first, then falls back
// to a fixed default: the store root under the user cache dir, the IPC
// endpoint under $XDG_RUNTIME_DIR (or the temp dir), and the public npm
// registry URL; the auth token has no default. There is no hidden global
// mutable default beyond what's documented here.
package howthcfg

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultChannel is the channel used when none is named; a channel
// namespaces the daemon endpoint and the package store root.
const DefaultChannel = "stable"

// StoreRoot is the content-addressed package store root, defaulting to a
// per-channel directory under the user cache dir.
func StoreRoot(channel string) string {
	if v := os.Getenv("HOWTH_STORE_ROOT"); v != "" {
		return v
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.ExpandEnv("$HOME/.cache")
	}
	return filepath.Join(base, "howth", "store", channel)
}

// IPCEndpoint returns the per-channel local transport endpoint: a Unix
// domain socket path on Unix platforms, overridable by HOWTH_IPC_ENDPOINT.
func IPCEndpoint(channel string) string {
	if v := os.Getenv("HOWTH_IPC_ENDPOINT"); v != "" {
		return v
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "howth-run")
	}
	name := channel + ".sock"
	if runtime.GOOS == "windows" {
		name = channel + ".pipe"
	}
	return filepath.Join(dir, "howth", name)
}

// RegistryBaseURL returns the npm-compatible registry URL: an override env
// var, else the conventional public default.
func RegistryBaseURL() string {
	if v := os.Getenv("HOWTH_REGISTRY_URL"); v != "" {
		return v
	}
	return "https://registry.npmjs.org"
}

// AuthToken returns the registry auth token from NPM_TOKEN.
func AuthToken() string {
	return os.Getenv("NPM_TOKEN")
}

// NpmrcEntry is one scoped-registry or auth directive parsed from .npmrc.
type NpmrcEntry struct {
	Key   string
	Value string
}

// Npmrc is the parsed content of a project's .npmrc: scoped registries
// (`@scope:registry=`) and auth tokens (`//host/:_authToken=`), plus any
// other key=value directive, in file order.
type Npmrc struct {
	Entries       []NpmrcEntry
	ScopeRegistry map[string]string // "@scope" -> registry URL
	AuthTokens    map[string]string // "host" -> token
}

// ParseNpmrc reads and parses a .npmrc file. A missing file is not an
// error: it returns an empty Npmrc.
func ParseNpmrc(path string) (*Npmrc, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Npmrc{ScopeRegistry: map[string]string{}, AuthTokens: map[string]string{}}, nil
		}
		return nil, err
	}
	defer f.Close()

	rc := &Npmrc{ScopeRegistry: map[string]string{}, AuthTokens: map[string]string{}}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		rc.Entries = append(rc.Entries, NpmrcEntry{Key: key, Value: val})

		switch {
		case strings.HasPrefix(key, "@") && strings.HasSuffix(key, ":registry"):
			scope := strings.TrimSuffix(key, ":registry")
			rc.ScopeRegistry[scope] = val
		case strings.HasPrefix(key, "//") && strings.HasSuffix(key, ":_authToken"):
			host := strings.TrimSuffix(strings.TrimPrefix(key, "//"), ":_authToken")
			rc.AuthTokens[strings.TrimSuffix(host, "/")] = val
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rc, nil
}

// RegistryFor returns the registry base URL that should serve the given
// scope ("" for the default/unscoped registry), honoring .npmrc scoped
// registry directives, falling back to RegistryBaseURL.
func (rc *Npmrc) RegistryFor(scope string) string {
	if scope != "" {
		if url, ok := rc.ScopeRegistry[scope]; ok {
			return url
		}
	}
	if url, ok := rc.ScopeRegistry[""]; ok {
		return url
	}
	return RegistryBaseURL()
}
