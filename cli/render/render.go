// Package render writes command output as json, yaml or an aligned table.
//
// Format selection:
//   - --format always wins; unknown formats are errors
//   - otherwise a terminal gets a table and anything else gets json
//   - --no-color only affects table headers
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string. An empty string yields an empty
// Format so the caller can pick a default.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatTable, FormatYAML, "":
		return f, nil
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

var headerStyle = lipgloss.NewStyle().Bold(true)

// Renderer handles output formatting.
type Renderer struct {
	format Format
	color  bool
	out    io.Writer
}

// FromContext builds a renderer for the app's writer (stdout by default)
// from the --format and --no-color flags.
func FromContext(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	var out io.Writer = os.Stdout
	if c.App != nil && c.App.Writer != nil {
		out = c.App.Writer
	}
	tty := isTTY(out)
	if format == "" {
		format = FormatJSON
		if tty {
			format = FormatTable
		}
	}
	return &Renderer{format: format, color: tty && !c.Bool("no-color"), out: out}, nil
}

// IsTerminal reports whether w is a character device.
func IsTerminal(w io.Writer) bool { return isTTY(w) }

// NewWithWriter creates a renderer writing to out. Colors are off.
func NewWithWriter(format Format, out io.Writer) *Renderer {
	if format == "" {
		format = FormatJSON
	}
	return &Renderer{format: format, out: out}
}

// Format returns the selected format.
func (r *Renderer) Format() Format { return r.format }

// Render outputs data in the configured format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable:
		return r.renderTable(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

func (r *Renderer) renderTable(data any) error {
	v := reflect.ValueOf(data)
	for v.Kind() == reflect.Ptr && !v.IsNil() {
		v = v.Elem()
	}

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			fmt.Fprintln(r.out, "(no results)")
			return nil
		}
		headers := columns(v.Index(0))
		fmt.Fprintln(w, r.header(strings.Join(headers, "\t")))
		for i := 0; i < v.Len(); i++ {
			fmt.Fprintln(w, strings.Join(row(v.Index(i), headers), "\t"))
		}
	case reflect.Struct, reflect.Map:
		for _, kv := range pairs(v) {
			fmt.Fprintf(w, "%s\t%s\n", r.header(kv[0]+":"), kv[1])
		}
	default:
		fmt.Fprintf(w, "%v\n", data)
	}
	return w.Flush()
}

func (r *Renderer) header(s string) string {
	if !r.color {
		return s
	}
	return headerStyle.Render(s)
}

// columns returns the column names of a slice element.
func columns(v reflect.Value) []string {
	v = indirect(v)
	switch v.Kind() {
	case reflect.Struct:
		var names []string
		for _, f := range visibleFields(v.Type()) {
			names = append(names, fieldName(f))
		}
		return names
	case reflect.Map:
		return sortedKeys(v)
	default:
		return []string{"value"}
	}
}

func row(v reflect.Value, headers []string) []string {
	v = indirect(v)
	switch v.Kind() {
	case reflect.Struct:
		var cells []string
		for _, f := range visibleFields(v.Type()) {
			cells = append(cells, cell(v.FieldByIndex(f.Index)))
		}
		return cells
	case reflect.Map:
		cells := make([]string, len(headers))
		for i, h := range headers {
			cells[i] = cell(v.MapIndex(reflect.ValueOf(h)))
		}
		return cells
	default:
		return []string{cell(v)}
	}
}

// pairs flattens a struct or map into name/value rows.
func pairs(v reflect.Value) [][2]string {
	var out [][2]string
	if v.Kind() == reflect.Struct {
		for _, f := range visibleFields(v.Type()) {
			out = append(out, [2]string{fieldName(f), cell(v.FieldByIndex(f.Index))})
		}
		return out
	}
	for _, k := range sortedKeys(v) {
		out = append(out, [2]string{k, cell(v.MapIndex(reflect.ValueOf(k)))})
	}
	return out
}

func visibleFields(t reflect.Type) []reflect.StructField {
	var out []reflect.StructField
	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() || f.Anonymous || f.Tag.Get("json") == "-" {
			continue
		}
		out = append(out, f)
	}
	return out
}

func sortedKeys(v reflect.Value) []string {
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		keys = append(keys, fmt.Sprint(k.Interface()))
	}
	sort.Strings(keys)
	return keys
}

// fieldName prefers the json tag name.
func fieldName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" {
		return name
	}
	return strings.ToLower(f.Name)
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func cell(v reflect.Value) string {
	v = indirect(v)
	if !v.IsValid() {
		return ""
	}
	switch x := v.Interface().(type) {
	case time.Time:
		if x.IsZero() {
			return ""
		}
		return x.Format(time.RFC3339)
	case time.Duration:
		return x.String()
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "[]"
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		if v.Len() == 0 {
			return "{}"
		}
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	default:
		return fmt.Sprint(v.Interface())
	}
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
