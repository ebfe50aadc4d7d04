package catalog

import (
	"strings"
)

// InstanceName expands the class's instance template against trigger env
// (ordered "KEY=VALUE" pairs), returning "" for a singleton class. Template
// variables are referenced as "$NAME" or "${NAME}", Upstart's own syntax;
// we translate that into Go template actions before compiling, so the
// stanza author never has to know text/template's "{{.NAME}}" form.
func (c *Class) InstanceName(triggerEnv []string) (string, error) {
	if c.Singleton() {
		return "", nil
	}
	t, err := c.instanceTemplate()
	if err != nil {
		return "", err
	}
	env := map[string]string{}
	for _, kv := range triggerEnv {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	var buf strings.Builder
	if err := t.Execute(&buf, env); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// translateInstanceVars rewrites Upstart's "$VAR"/"${VAR}" instance-name
// syntax into "{{.VAR}}" actions consumable by text/template. Called by
// the parser before storing Class.Instance.
func translateInstanceVars(s string) string {
	var out strings.Builder
	i := 0
	for i < len(s) {
		if s[i] == '$' && i+1 < len(s) {
			if s[i+1] == '{' {
				end := strings.IndexByte(s[i+2:], '}')
				if end >= 0 {
					name := s[i+2 : i+2+end]
					out.WriteString("{{.")
					out.WriteString(name)
					out.WriteString("}}")
					i = i + 2 + end + 1
					continue
				}
			} else {
				j := i + 1
				for j < len(s) && isIdentByte(s[j]) {
					j++
				}
				if j > i+1 {
					out.WriteString("{{.")
					out.WriteString(s[i+1 : j])
					out.WriteString("}}")
					i = j
					continue
				}
			}
		}
		out.WriteByte(s[i])
		i++
	}
	return out.String()
}

func isIdentByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}
