package control

import (
	"fmt"
	"path"

	"github.com/coreinit/upstart/internal/catalog"
	"github.com/coreinit/upstart/internal/expr"
)

// builtinEvents are synthesized by the supervisor itself for every
// instance (spec.md §4.3 step 7), so an operand naming one of them is
// never "unknown" even though no class's `emits` stanza lists it.
var builtinEvents = map[string]bool{
	"startup":  true,
	"starting": true,
	"started":  true,
	"stopping": true,
	"stopped":  true,
}

// checkConfig is CheckConfig's implementation, split out of service.go so
// it can be unit tested against a plain catalog without a running
// supervisor.
func checkConfig(classes []*catalog.Class) []string {
	knownEvents := map[string]bool{}
	knownJobs := map[string]bool{}
	for _, c := range classes {
		knownJobs[c.Name] = true
		for _, e := range c.Emits {
			knownEvents[e] = true
		}
	}

	var warnings []string
	for _, c := range classes {
		if c.Deleted {
			continue
		}
		warnings = append(warnings, checkStanza(c.Name, "start on", c.StartOnText, knownEvents, knownJobs)...)
		warnings = append(warnings, checkStanza(c.Name, "stop on", c.StopOnText, knownEvents, knownJobs)...)
	}
	return warnings
}

func checkStanza(jobName, stanza, text string, knownEvents, knownJobs map[string]bool) []string {
	if text == "" {
		return nil
	}
	x, err := expr.Parse(text)
	if err != nil {
		return []string{fmt.Sprintf("%s: %s: %v", jobName, stanza, err)}
	}

	var warnings []string
	for _, op := range x.Operands() {
		if !builtinEvents[op.Event] && !knownEvents[op.Event] {
			warnings = append(warnings, fmt.Sprintf("%s: %s: event %q is never emitted by any known job", jobName, stanza, op.Event))
		}
		for _, m := range op.Matchers {
			if m.Key != "JOB" {
				continue
			}
			if !matchesAny(m.Pattern, knownJobs) {
				warnings = append(warnings, fmt.Sprintf("%s: %s: JOB=%s names no known job", jobName, stanza, m.Pattern))
			}
		}
	}
	return warnings
}

func matchesAny(pattern string, jobs map[string]bool) bool {
	for job := range jobs {
		if ok, _ := path.Match(pattern, job); ok {
			return true
		}
	}
	return false
}
