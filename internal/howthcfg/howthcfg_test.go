package howthcfg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIPCEndpointOverride(t *testing.T) {
	t.Setenv("HOWTH_IPC_ENDPOINT", "/tmp/custom.sock")
	if got := IPCEndpoint("stable"); got != "/tmp/custom.sock" {
		t.Fatalf("got %q", got)
	}
}

func TestIPCEndpointDefaultPerChannel(t *testing.T) {
	t.Setenv("HOWTH_IPC_ENDPOINT", "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	stable := IPCEndpoint("stable")
	nightly := IPCEndpoint("nightly")
	if stable == nightly {
		t.Fatalf("expected distinct endpoints per channel, got %q for both", stable)
	}
	if filepath.Base(stable) != "stable.sock" {
		t.Fatalf("got %q", stable)
	}
}

func TestParseNpmrcMissingFileIsEmpty(t *testing.T) {
	rc, err := ParseNpmrc(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rc.Entries) != 0 {
		t.Fatalf("want empty, got %+v", rc.Entries)
	}
	if rc.RegistryFor("") != RegistryBaseURL() {
		t.Fatalf("want default registry fallback")
	}
}

func TestParseNpmrcScopedRegistryAndAuth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".npmrc")
	content := "@acme:registry=https://npm.acme.example/\n" +
		"//npm.acme.example/:_authToken=${ACME_TOKEN}\n" +
		"# a comment\n" +
		"save-exact=true\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	rc, err := ParseNpmrc(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := rc.RegistryFor("@acme"); got != "https://npm.acme.example/" {
		t.Fatalf("got %q", got)
	}
	if got := rc.AuthTokens["npm.acme.example"]; got != "${ACME_TOKEN}" {
		t.Fatalf("got %q", got)
	}
	if rc.RegistryFor("@other") != RegistryBaseURL() {
		t.Fatalf("unknown scope should fall back to default registry")
	}
}
