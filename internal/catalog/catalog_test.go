package catalog

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
)

func writeConf(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := ioutil.WriteFile(filepath.Join(dir, name+".conf"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAllBasic(t *testing.T) {
	dir, err := ioutil.TempDir("", "catalog")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	writeConf(t, dir, "sshd", `
start on runlevel [2345]
stop on runlevel [016]
respawn
exec /usr/sbin/sshd -D
`)

	c := New(hclog.NewNullLogger(), dir)
	parseErrs, err := c.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(parseErrs) != 0 {
		t.Fatalf("unexpected parse errors: %v", parseErrs)
	}
	cl, ok := c.Lookup("sshd")
	if !ok {
		t.Fatal("expected sshd class to be loaded")
	}
	if !cl.Respawn.Enabled {
		t.Fatal("expected respawn enabled")
	}
	if cl.Processes[Main] == nil || len(cl.Processes[Main].Argv) == 0 {
		t.Fatal("expected main process argv")
	}
}

func TestLoadAllSkipsMalformedFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "catalog")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	writeConf(t, dir, "good", "exec /bin/true\n")
	writeConf(t, dir, "bad", "bogus-stanza foo\n")

	c := New(hclog.NewNullLogger(), dir)
	parseErrs, err := c.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(parseErrs) != 1 {
		t.Fatalf("expected exactly one parse error, got %d", len(parseErrs))
	}
	if _, ok := c.Lookup("good"); !ok {
		t.Fatal("good class should still have loaded")
	}
	if _, ok := c.Lookup("bad"); ok {
		t.Fatal("bad class should not be present")
	}
}

func TestReloadDetectsAddedChangedRemoved(t *testing.T) {
	dir, err := ioutil.TempDir("", "catalog")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	writeConf(t, dir, "a", "exec /bin/a\n")
	writeConf(t, dir, "b", "exec /bin/b\n")

	c := New(hclog.NewNullLogger(), dir)
	if _, err := c.LoadAll(); err != nil {
		t.Fatal(err)
	}

	os.Remove(filepath.Join(dir, "b.conf"))
	writeConf(t, dir, "a", "exec /bin/a2\n")
	writeConf(t, dir, "c", "exec /bin/c\n")

	changes, _, err := c.Reload()
	if err != nil {
		t.Fatal(err)
	}
	kinds := map[string]ChangeKind{}
	for _, ch := range changes {
		kinds[ch.Name] = ch.Kind
	}
	if kinds["a"] != Changed {
		t.Fatalf("expected a changed, got %v", kinds)
	}
	if kinds["b"] != Removed {
		t.Fatalf("expected b removed, got %v", kinds)
	}
	if kinds["c"] != Added {
		t.Fatalf("expected c added, got %v", kinds)
	}
	cl, ok := c.Lookup("b")
	if !ok || !cl.Deleted {
		t.Fatal("expected b retained with Deleted=true")
	}
}

func TestOverridePriorityLaterDirWins(t *testing.T) {
	base, err := ioutil.TempDir("", "catalog-base")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(base)
	override, err := ioutil.TempDir("", "catalog-override")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(override)

	writeConf(t, base, "svc", "exec /bin/svc --base\n")
	writeConf(t, override, "svc", "exec /bin/svc --override\n")

	c := New(hclog.NewNullLogger(), base, override)
	if _, err := c.LoadAll(); err != nil {
		t.Fatal(err)
	}
	cl, ok := c.Lookup("svc")
	if !ok {
		t.Fatal("expected svc loaded")
	}
	if cl.Processes[Main].Argv[len(cl.Processes[Main].Argv)-1] != "--override" {
		t.Fatalf("expected override dir to win, got %v", cl.Processes[Main].Argv)
	}
}
