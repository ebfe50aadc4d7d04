package control

import (
	"strings"
	"testing"

	"github.com/coreinit/upstart/internal/catalog"
)

func TestCheckConfigCleanCatalog(t *testing.T) {
	classes := []*catalog.Class{
		{Name: "mountall", Emits: []string{"filesystem"}},
		{Name: "sshd", StartOnText: "filesystem and starting mountall", StopOnText: "stopping mountall"},
	}
	if warnings := checkConfig(classes); len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
}

func TestCheckConfigUnknownEvent(t *testing.T) {
	classes := []*catalog.Class{
		{Name: "sshd", StartOnText: "net-device-up"},
	}
	warnings := checkConfig(classes)
	if len(warnings) != 1 || !strings.Contains(warnings[0], "net-device-up") {
		t.Fatalf("expected one unknown-event warning, got %v", warnings)
	}
}

func TestCheckConfigUnknownJobMatcher(t *testing.T) {
	classes := []*catalog.Class{
		{Name: "watchdog", StartOnText: "starting JOB=nonexistent"},
	}
	warnings := checkConfig(classes)
	if len(warnings) != 1 || !strings.Contains(warnings[0], "nonexistent") {
		t.Fatalf("expected one unknown-job warning, got %v", warnings)
	}
}

func TestCheckConfigBadStanza(t *testing.T) {
	classes := []*catalog.Class{
		{Name: "broken", StartOnText: "(starting foo"},
	}
	warnings := checkConfig(classes)
	if len(warnings) != 1 {
		t.Fatalf("expected one parse-error warning, got %v", warnings)
	}
}

func TestCheckConfigSkipsDeletedClasses(t *testing.T) {
	classes := []*catalog.Class{
		{Name: "gone", Deleted: true, StartOnText: "never-emitted-event"},
	}
	if warnings := checkConfig(classes); len(warnings) != 0 {
		t.Fatalf("expected deleted class to be skipped, got %v", warnings)
	}
}
