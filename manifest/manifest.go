// Package manifest resolves the trigger manifest into typed trigger
// metadata and component bindings.
//
// The manifest is YAML with a strict schema:
//
//	trigger:
//	  type: mqtt
//	  address: mqtt://localhost:1883
//	  qos: 1
//	components:
//	  - component: comp-a
//	    topic: sensors/temp
//	    qos: 0
//
// String values may reference environment variables as ${VAR}.
package manifest

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miladsoleymani/mqttrigger/core"
)

// DefaultType is the trigger type accepted when Resolve is given no types.
const DefaultType = "mqtt"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// FieldError is one problem found in the manifest.
type FieldError struct {
	Path   string
	Reason string
}

func (e FieldError) String() string { return e.Path + ": " + e.Reason }

// ConfigError lists every problem found in a manifest.
type ConfigError struct {
	Problems []FieldError
}

func (e *ConfigError) Error() string {
	switch len(e.Problems) {
	case 0:
		return "manifest: invalid"
	case 1:
		return "manifest: " + e.Problems[0].String()
	}
	lines := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		lines[i] = "  " + p.String()
	}
	return fmt.Sprintf("manifest: %d problems:\n%s", len(e.Problems), strings.Join(lines, "\n"))
}

func (e *ConfigError) add(path, format string, args ...any) {
	e.Problems = append(e.Problems, FieldError{Path: path, Reason: fmt.Sprintf(format, args...)})
}

// Load reads the manifest at path and resolves it.
func Load(path string, types ...string) (core.TriggerMetadata, []core.ComponentBinding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.TriggerMetadata{}, nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return Resolve(data, types...)
}

// Resolve parses and validates a manifest. types lists the accepted
// trigger types and defaults to DefaultType. Every problem in the document
// is reported in a single *ConfigError.
func Resolve(data []byte, types ...string) (core.TriggerMetadata, []core.ComponentBinding, error) {
	if len(types) == 0 {
		types = []string{DefaultType}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return core.TriggerMetadata{}, nil, &ConfigError{Problems: []FieldError{{Path: "manifest", Reason: err.Error()}}}
	}

	r := &resolver{types: types, errs: &ConfigError{}}
	meta, bindings := r.document(&doc)
	if len(r.errs.Problems) > 0 {
		return core.TriggerMetadata{}, nil, r.errs
	}
	return meta, bindings, nil
}

type resolver struct {
	types []string
	errs  *ConfigError
}

type field struct {
	required bool
	seen     bool
	node     *yaml.Node
}

// fields checks that node is a mapping containing only the known keys and
// returns the value node of each key that is present. Missing required keys
// are reported.
func (r *resolver) fields(path string, node *yaml.Node, required []string, optional ...string) (map[string]*yaml.Node, bool) {
	if node.Kind != yaml.MappingNode {
		where := path
		if where == "" {
			where = "manifest"
		}
		r.errs.add(where, "expected a mapping, got %s", kindName(node))
		return nil, false
	}

	known := make(map[string]*field, len(required)+len(optional))
	for _, k := range required {
		known[k] = &field{required: true}
	}
	for _, k := range optional {
		known[k] = &field{}
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		f, ok := known[key.Value]
		switch {
		case !ok:
			r.errs.add(join(path, key.Value), "unknown field")
		case f.seen:
			r.errs.add(join(path, key.Value), "duplicate field")
		default:
			f.seen = true
			f.node = val
		}
	}

	out := make(map[string]*yaml.Node, len(known))
	for _, k := range append(append([]string(nil), required...), optional...) {
		f := known[k]
		if f.seen {
			out[k] = f.node
		} else if f.required {
			r.errs.add(join(path, k), "required field missing")
		}
	}
	return out, true
}

func (r *resolver) document(doc *yaml.Node) (core.TriggerMetadata, []core.ComponentBinding) {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		r.errs.add("manifest", "document is empty")
		return core.TriggerMetadata{}, nil
	}

	top, ok := r.fields("", doc.Content[0], []string{"trigger"}, "components")
	if !ok {
		return core.TriggerMetadata{}, nil
	}

	var meta core.TriggerMetadata
	if n, ok := top["trigger"]; ok {
		meta = r.trigger("trigger", n)
	}

	var bindings []core.ComponentBinding
	if n, ok := top["components"]; ok {
		bindings = r.components("components", n)
	}
	return meta, bindings
}

func (r *resolver) trigger(path string, node *yaml.Node) core.TriggerMetadata {
	var meta core.TriggerMetadata
	f, ok := r.fields(path, node, []string{"type", "address", "qos"})
	if !ok {
		return meta
	}

	if n, ok := f["type"]; ok {
		if s, ok := r.str(join(path, "type"), n); ok {
			if !contains(r.types, s) {
				r.errs.add(join(path, "type"), "unsupported trigger type %q (supported: %s)", s, strings.Join(r.types, ", "))
			}
			meta.Type = s
		}
	}
	if n, ok := f["address"]; ok {
		if s, ok := r.str(join(path, "address"), n); ok {
			meta.Address = s
		}
	}
	if n, ok := f["qos"]; ok {
		if q, ok := r.qos(join(path, "qos"), n); ok {
			meta.QoS = q
		}
	}
	return meta
}

func (r *resolver) components(path string, node *yaml.Node) []core.ComponentBinding {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.SequenceNode {
		r.errs.add(path, "expected a list, got %s", kindName(node))
		return nil
	}

	bindings := make([]core.ComponentBinding, 0, len(node.Content))
	for i, item := range node.Content {
		p := fmt.Sprintf("%s[%d]", path, i)
		f, ok := r.fields(p, item, []string{"component", "topic", "qos"})
		if !ok {
			continue
		}

		var b core.ComponentBinding
		if n, ok := f["component"]; ok {
			if s, ok := r.str(join(p, "component"), n); ok {
				b.Component = s
			}
		}
		if n, ok := f["topic"]; ok {
			if s, ok := r.str(join(p, "topic"), n); ok {
				if !core.ValidFilter(s) {
					r.errs.add(join(p, "topic"), "invalid topic filter %q", s)
				}
				b.Topic = s
			}
		}
		if n, ok := f["qos"]; ok {
			if q, ok := r.qos(join(p, "qos"), n); ok {
				b.QoS = q
			}
		}
		bindings = append(bindings, b)
	}
	return bindings
}

// str reads a non-empty string scalar, expanding ${VAR} references.
func (r *resolver) str(path string, node *yaml.Node) (string, bool) {
	if node.Kind != yaml.ScalarNode || node.Tag != "!!str" {
		r.errs.add(path, "expected a string, got %s", kindName(node))
		return "", false
	}
	s, ok := r.interpolate(path, node.Value)
	if !ok {
		return "", false
	}
	if strings.TrimSpace(s) == "" {
		r.errs.add(path, "must not be empty")
		return "", false
	}
	return s, true
}

// qos reads an integer in {0,1,2}. A quoted ${VAR} reference is expanded
// before parsing.
func (r *resolver) qos(path string, node *yaml.Node) (core.QoS, bool) {
	if node.Kind != yaml.ScalarNode {
		r.errs.add(path, "expected an integer, got %s", kindName(node))
		return 0, false
	}
	raw := node.Value
	switch node.Tag {
	case "!!int":
	case "!!str":
		if !envVarPattern.MatchString(raw) {
			r.errs.add(path, "expected an integer, got string %q", raw)
			return 0, false
		}
		var ok bool
		if raw, ok = r.interpolate(path, raw); !ok {
			return 0, false
		}
	default:
		r.errs.add(path, "expected an integer, got %s", kindName(node))
		return 0, false
	}

	n, err := strconv.ParseInt(strings.TrimSpace(raw), 0, 64)
	if err != nil {
		r.errs.add(path, "expected an integer, got %q", raw)
		return 0, false
	}
	if n < 0 || n > 2 {
		r.errs.add(path, "must be 0, 1 or 2, got %d", n)
		return 0, false
	}
	return core.QoS(n), true
}

// interpolate replaces ${VAR} with the environment value. Unset variables
// are reported.
func (r *resolver) interpolate(path, s string) (string, bool) {
	ok := true
	out := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if v, exists := os.LookupEnv(name); exists {
			return v
		}
		r.errs.add(path, "environment variable ${%s} is not set", name)
		ok = false
		return match
	})
	return out, ok
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func kindName(n *yaml.Node) string {
	switch n.Kind {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "list"
	case yaml.AliasNode:
		return "alias"
	case yaml.ScalarNode:
		switch n.Tag {
		case "!!str":
			return "string"
		case "!!int":
			return "integer"
		case "!!float":
			return "float"
		case "!!bool":
			return "boolean"
		case "!!null":
			return "null"
		}
		return "scalar " + n.Tag
	}
	return "unknown"
}
