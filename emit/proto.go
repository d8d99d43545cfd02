// Package emit renders a compiled schema as a proto3 interface-definition
// document. Output is a pure function of the schema: emitting the same
// schema twice yields identical bytes.
package emit

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/broady/modelrpc/schema"
)

// DefaultHeader is written at the top of every generated document.
const DefaultHeader = "Code generated by modelrpc generateproto. DO NOT EDIT."

// Options configures emission.
type Options struct {
	// Package is the proto package. Defaults to the schema's package.
	Package string

	// Header is emitted as a line comment before the syntax statement.
	// Defaults to DefaultHeader.
	Header string
}

// Proto renders s as a proto3 document.
func Proto(s *schema.Schema, opts Options) ([]byte, error) {
	if errs := s.Validate(); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	pkg := opts.Package
	if pkg == "" {
		pkg = s.Package
	}
	header := opts.Header
	if header == "" {
		header = DefaultHeader
	}

	var buf bytes.Buffer
	for _, line := range strings.Split(header, "\n") {
		buf.WriteString("// " + line + "\n")
	}
	buf.WriteString("\nsyntax = \"proto3\";\n")
	if pkg != "" {
		fmt.Fprintf(&buf, "\npackage %s;\n", pkg)
	}
	if imports := s.Imports(); len(imports) > 0 {
		buf.WriteString("\n")
		for _, imp := range imports {
			fmt.Fprintf(&buf, "import %q;\n", imp)
		}
	}

	services := append([]*schema.ServiceSchema(nil), s.Services...)
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	for _, svc := range services {
		buf.WriteString("\n")
		writeService(&buf, svc)
	}
	for _, m := range Order(s.Messages) {
		buf.WriteString("\n")
		writeMessage(&buf, m)
	}
	return buf.Bytes(), nil
}

func writeService(buf *bytes.Buffer, svc *schema.ServiceSchema) {
	fmt.Fprintf(buf, "service %s {\n", svc.Name)
	for _, m := range svc.Methods {
		in, out := m.Input, m.Output
		if m.Streaming.ClientStreams() {
			in = "stream " + in
		}
		if m.Streaming.ServerStreams() {
			out = "stream " + out
		}
		fmt.Fprintf(buf, "  rpc %s(%s) returns (%s)", m.Name, in, out)
		switch {
		case m.Cacheable:
			buf.WriteString(" {\n    option idempotency_level = NO_SIDE_EFFECTS;\n  }\n")
		case m.Idempotent:
			buf.WriteString(" {\n    option idempotency_level = IDEMPOTENT;\n  }\n")
		default:
			buf.WriteString(";\n")
		}
	}
	buf.WriteString("}\n")
}

func writeMessage(buf *bytes.Buffer, m *schema.MessageSchema) {
	fmt.Fprintf(buf, "message %s {\n", m.Name)
	if m.Enum != nil {
		buf.WriteString("  enum Enum {\n")
		for _, v := range m.Enum.Values {
			fmt.Fprintf(buf, "    %s = %d;", v.Name, v.Number)
			if v.Label != "" && v.Label != v.Name {
				fmt.Fprintf(buf, " // %s", v.Label)
			}
			buf.WriteString("\n")
		}
		buf.WriteString("  }\n")
	}
	for _, f := range m.Fields {
		if f.Comment != "" {
			for _, line := range strings.Split(f.Comment, "\n") {
				fmt.Fprintf(buf, "  // %s\n", line)
			}
		}
		buf.WriteString("  ")
		if l := f.Label.String(); l != "" {
			buf.WriteString(l + " ")
		}
		fmt.Fprintf(buf, "%s %s = %d;\n", f.Type, f.Name, f.Tag)
	}
	buf.WriteString("}\n")
}

// Order returns messages with every message after the messages it
// references. Among messages that are ready at the same time the one with
// the smaller name comes first. Reference cycles are broken by emitting the
// smallest remaining name.
func Order(msgs []*schema.MessageSchema) []*schema.MessageSchema {
	byName := make(map[string]*schema.MessageSchema, len(msgs))
	for _, m := range msgs {
		byName[m.Name] = m
	}

	pending := make(map[string]map[string]bool, len(msgs))
	for _, m := range msgs {
		deps := make(map[string]bool)
		for _, d := range m.Dependencies() {
			if _, ok := byName[d]; ok {
				deps[d] = true
			}
		}
		pending[m.Name] = deps
	}

	out := make([]*schema.MessageSchema, 0, len(msgs))
	for len(pending) > 0 {
		var ready []string
		for name, deps := range pending {
			if len(deps) == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			for name := range pending {
				ready = append(ready, name)
			}
			sort.Strings(ready)
			ready = ready[:1]
		}
		sort.Strings(ready)
		next := ready[0]

		out = append(out, byName[next])
		delete(pending, next)
		for _, deps := range pending {
			delete(deps, next)
		}
	}
	return out
}
