package procsup

import (
	"strings"
	"testing"

	"github.com/coreinit/upstart/internal/catalog"
	"github.com/coreinit/upstart/internal/instance"
)

func TestComposeEnvOrderingAndOverride(t *testing.T) {
	class := &catalog.Class{
		Name:   "foo",
		Env:    []string{"A=fromclass"},
		Export: []string{"B"},
	}
	inst := &instance.Instance{
		Class: class,
		Name:  "inst1",
		Env:   []string{"A=fromtrigger", "B=frigval"},
	}
	global := []string{"PATH=/bin"}

	env := composeEnv(global, class, inst, "sess1")

	get := func(key string) string {
		var last string
		for _, kv := range env {
			if strings.HasPrefix(kv, key+"=") {
				last = kv[len(key)+1:]
			}
		}
		return last
	}

	if get("A") != "fromtrigger" {
		t.Fatalf("expected trigger env to win over class default, got %q", get("A"))
	}
	if get("UPSTART_JOB") != "foo" {
		t.Fatalf("expected UPSTART_JOB=foo, got %q", get("UPSTART_JOB"))
	}
	if get("UPSTART_INSTANCE") != "inst1" {
		t.Fatalf("expected UPSTART_INSTANCE=inst1, got %q", get("UPSTART_INSTANCE"))
	}
	if get("UPSTART_SESSION") != "sess1" {
		t.Fatalf("expected UPSTART_SESSION=sess1, got %q", get("UPSTART_SESSION"))
	}
}

func TestArgvPlainExecNoWrap(t *testing.T) {
	class := &catalog.Class{Name: "foo"}
	class.Processes[catalog.Main] = &catalog.ProcessSpec{Argv: []string{"/bin/true", "-x"}}
	name, args, err := argv(class, catalog.Main)
	if err != nil {
		t.Fatal(err)
	}
	if name != "/bin/true" || len(args) != 1 || args[0] != "-x" {
		t.Fatalf("expected direct exec, got %q %v", name, args)
	}
}

func TestArgvWrapsWhenAttributesPresent(t *testing.T) {
	class := &catalog.Class{Name: "foo"}
	class.Processes[catalog.Main] = &catalog.ProcessSpec{Argv: []string{"/bin/true"}}
	n := 5
	class.Nice = &n
	name, args, err := argv(class, catalog.Main)
	if err != nil {
		t.Fatal(err)
	}
	if name != "/bin/sh" {
		t.Fatalf("expected shell wrap when nice set, got %q", name)
	}
	found := false
	for _, a := range args {
		if strings.Contains(a, "renice") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected renice prelude in args, got %v", args)
	}
}

func TestArgvMissingProcess(t *testing.T) {
	class := &catalog.Class{Name: "foo"}
	if _, _, err := argv(class, catalog.PreStart); err == nil {
		t.Fatal("expected error for undefined process kind")
	}
}
