package catalog

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coreinit/upstart/internal/upstarterr"
)

// ParseError is a ConfigSyntax/ConfigSemantic failure localised to one
// line of one file; the loader logs it and skips the file, never aborting
// the whole load (spec.md §7).
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string { return fmt.Sprintf("line %d: %s", e.Line, e.Msg) }

// Parse parses the stanzas of a single .conf file's contents into a Class
// named name. It never panics; any malformed stanza yields a *ParseError
// wrapped as upstarterr.ConfigSyntax or upstarterr.ConfigSemantic.
func Parse(name, text string) (*Class, error) {
	c := &Class{
		Name:       name,
		NormalExit: map[int]bool{0: true},
		Limits:     map[string]string{},
		KillTimeout: 5 * time.Second,
		KillSignal:  "SIGTERM",
	}

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := splitFields(line)
		stanza := fields[0]
		args := fields[1:]

		switch stanza {
		case "exec":
			c.Processes[Main] = &ProcessSpec{Argv: args}
		case "pre-start", "post-start", "pre-stop", "post-stop":
			kind, script, consumed, err := parseProcessStanza(stanza, args, sc, &lineNo)
			if err != nil {
				return nil, upstarterr.New(upstarterr.ConfigSyntax, name, &ParseError{Line: lineNo, Msg: err.Error()})
			}
			if consumed {
				c.Processes[kind] = &ProcessSpec{Script: script}
			} else {
				argv := args
				if len(argv) > 0 && argv[0] == "exec" {
					argv = argv[1:]
				}
				c.Processes[kind] = &ProcessSpec{Argv: argv}
			}
		case "script":
			// Bare "script ... end script" with no leading process
			// keyword names the main process.
			script, err := readScriptBlock(sc, &lineNo)
			if err != nil {
				return nil, upstarterr.New(upstarterr.ConfigSyntax, name, &ParseError{Line: lineNo, Msg: err.Error()})
			}
			c.Processes[Main] = &ProcessSpec{Script: script}
		case "start":
			if len(args) < 2 || args[0] != "on" {
				return nil, semErr(name, lineNo, "expected 'start on EXPR'")
			}
			c.StartOnText = strings.Join(args[1:], " ")
		case "stop":
			if len(args) < 2 || args[0] != "on" {
				return nil, semErr(name, lineNo, "expected 'stop on EXPR'")
			}
			c.StopOnText = strings.Join(args[1:], " ")
		case "emits":
			c.Emits = append(c.Emits, args...)
		case "instance":
			if len(args) != 1 {
				return nil, semErr(name, lineNo, "expected 'instance TEMPLATE'")
			}
			c.Instance = translateInstanceVars(args[0])
		case "respawn":
			if len(args) == 0 {
				c.Respawn.Enabled = true
			} else if args[0] == "limit" && len(args) == 3 {
				n, err1 := strconv.Atoi(args[1])
				secs, err2 := strconv.Atoi(args[2])
				if err1 != nil || err2 != nil {
					return nil, semErr(name, lineNo, "respawn limit N T must be integers")
				}
				c.Respawn.Enabled = true
				c.Respawn.Limit = n
				c.Respawn.Window = time.Duration(secs) * time.Second
			} else {
				return nil, semErr(name, lineNo, "unrecognised 'respawn' form")
			}
		case "normal":
			if len(args) < 2 || args[0] != "exit" {
				return nil, semErr(name, lineNo, "expected 'normal exit CODE...'")
			}
			for _, a := range args[1:] {
				n, err := strconv.Atoi(a)
				if err != nil {
					return nil, semErr(name, lineNo, "normal exit code must be an integer")
				}
				c.NormalExit[n] = true
			}
		case "expect":
			if len(args) != 1 {
				return nil, semErr(name, lineNo, "expected 'expect none|fork|daemon|stop'")
			}
			switch args[0] {
			case "none":
				c.Expect = ExpectNone
			case "fork":
				c.Expect = ExpectFork
			case "daemon":
				c.Expect = ExpectDaemon
			case "stop":
				c.Expect = ExpectStop
			default:
				return nil, semErr(name, lineNo, "unknown expect value "+args[0])
			}
		case "kill":
			if len(args) != 2 {
				return nil, semErr(name, lineNo, "expected 'kill timeout N' or 'kill signal SIG'")
			}
			switch args[0] {
			case "timeout":
				secs, err := strconv.Atoi(args[1])
				if err != nil {
					return nil, semErr(name, lineNo, "kill timeout must be an integer")
				}
				c.KillTimeout = time.Duration(secs) * time.Second
			case "signal":
				c.KillSignal = args[1]
			default:
				return nil, semErr(name, lineNo, "unknown 'kill' sub-stanza "+args[0])
			}
		case "console":
			if len(args) != 1 {
				return nil, semErr(name, lineNo, "expected 'console MODE'")
			}
			switch args[0] {
			case "none":
				c.Console = ConsoleNone
			case "log":
				c.Console = ConsoleLog
			case "owner":
				c.Console = ConsoleOwner
			case "output":
				c.Console = ConsoleOutput
			default:
				return nil, semErr(name, lineNo, "unknown console mode "+args[0])
			}
		case "env":
			if len(args) != 1 {
				return nil, semErr(name, lineNo, "expected 'env KEY=VALUE'")
			}
			c.Env = append(c.Env, args[0])
		case "export":
			c.Export = append(c.Export, args...)
		case "chdir":
			c.Chdir = strings.Join(args, " ")
		case "chroot":
			c.Chroot = strings.Join(args, " ")
		case "umask":
			if len(args) != 1 {
				return nil, semErr(name, lineNo, "expected 'umask MODE'")
			}
			v, err := strconv.ParseUint(args[0], 8, 32)
			if err != nil {
				return nil, semErr(name, lineNo, "umask must be octal")
			}
			u := uint32(v)
			c.Umask = &u
		case "nice":
			if len(args) != 1 {
				return nil, semErr(name, lineNo, "expected 'nice N'")
			}
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return nil, semErr(name, lineNo, "nice must be an integer")
			}
			c.Nice = &n
		case "oom":
			if len(args) < 2 || args[0] != "score" {
				return nil, semErr(name, lineNo, "expected 'oom score N'")
			}
			n, err := strconv.Atoi(args[len(args)-1])
			if err != nil {
				return nil, semErr(name, lineNo, "oom score must be an integer")
			}
			c.OOMScoreAdjust = &n
		case "limit":
			if len(args) != 2 {
				return nil, semErr(name, lineNo, "expected 'limit RESOURCE VALUE'")
			}
			c.Limits[strings.ToUpper(args[0])] = args[1]
		case "setuid":
			if len(args) != 1 {
				return nil, semErr(name, lineNo, "expected 'setuid USER'")
			}
			c.Setuid = args[0]
		case "setgid":
			if len(args) != 1 {
				return nil, semErr(name, lineNo, "expected 'setgid GROUP'")
			}
			c.Setgid = args[0]
		case "task":
			c.Kind = Task
		case "manual":
			c.Manual = true
		case "usage":
			c.Usage = strings.Join(args, " ")
		case "description":
			c.Description = strings.Join(args, " ")
		case "author":
			c.Author = strings.Join(args, " ")
		case "version":
			c.Version = strings.Join(args, " ")
		default:
			return nil, upstarterr.New(upstarterr.ConfigSemantic, name,
				&ParseError{Line: lineNo, Msg: "unknown stanza " + stanza})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, upstarterr.New(upstarterr.ConfigSyntax, name, err)
	}

	if err := validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func semErr(name string, line int, msg string) error {
	return upstarterr.New(upstarterr.ConfigSemantic, name, &ParseError{Line: line, Msg: msg})
}

// validate checks the cross-stanza invariants spec.md §3 lists.
func validate(c *Class) error {
	any := false
	for _, p := range c.Processes {
		if !p.empty() {
			any = true
			break
		}
	}
	if !any && len(c.Emits) == 0 {
		return upstarterr.New(upstarterr.ConfigSemantic, c.Name,
			&ParseError{Msg: "job defines no process and emits nothing; nothing for it to do"})
	}
	if c.Respawn.Window < 0 || c.Respawn.Limit < 0 {
		return upstarterr.New(upstarterr.ConfigSemantic, c.Name,
			&ParseError{Msg: "respawn limit/window must be non-negative"})
	}
	if c.KillTimeout < 0 {
		return upstarterr.New(upstarterr.ConfigSemantic, c.Name,
			&ParseError{Msg: "kill timeout must be non-negative"})
	}
	return nil
}

// splitFields tokenizes a stanza line on whitespace, honoring double-quoted
// substrings so "script args with spaces" can be written literally.
func splitFields(line string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '"':
			inQuote = !inQuote
		case (ch == ' ' || ch == '\t') && !inQuote:
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return out
}

// readScriptBlock consumes lines up to and including a line that is
// exactly "end script", returning the accumulated body.
func readScriptBlock(sc *bufio.Scanner, lineNo *int) (string, error) {
	var b strings.Builder
	for sc.Scan() {
		*lineNo++
		line := sc.Text()
		if strings.TrimSpace(line) == "end script" {
			return b.String(), nil
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return "", fmt.Errorf("unterminated script block (missing 'end script')")
}

// parseProcessStanza handles "pre-start exec ARGV", "pre-start script ...
// end script", and the bare "pre-start ARGV" shorthand.
func parseProcessStanza(stanza string, args []string, sc *bufio.Scanner, lineNo *int) (kind ProcessKind, script string, isScript bool, err error) {
	switch stanza {
	case "pre-start":
		kind = PreStart
	case "post-start":
		kind = PostStart
	case "pre-stop":
		kind = PreStop
	case "post-stop":
		kind = PostStop
	}
	if len(args) >= 1 && args[0] == "script" {
		s, e := readScriptBlock(sc, lineNo)
		return kind, s, true, e
	}
	if len(args) >= 1 && args[0] == "exec" {
		return kind, "", false, nil // caller re-reads args from the stanza line directly
	}
	return kind, "", false, nil
}
