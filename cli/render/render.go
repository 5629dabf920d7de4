// Package render writes riverout command results.
//
// Format selection:
//   - If stdout is a TTY, default to table
//   - If stdout is not a TTY, default to json
//   - --format always overrides the default
//   - Invalid formats are errors
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

// ParseFormat parses a format string, returning an error for invalid formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "table":
		return FormatTable, nil
	case "yaml":
		return FormatYAML, nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Renderer handles output formatting.
type Renderer struct {
	format Format
	out    io.Writer
}

// NewRenderer creates a renderer for the app writer (stdout unless replaced)
// from the --format flag. Only an *os.File writer can be detected as a TTY;
// any other writer defaults to json.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	var out io.Writer = os.Stdout
	if c.App != nil && c.App.Writer != nil {
		out = c.App.Writer
	}
	return newRenderer(c.String("format"), out)
}

func newRenderer(formatStr string, out io.Writer) (*Renderer, error) {
	format, err := ParseFormat(formatStr)
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = FormatJSON
		if f, ok := out.(*os.File); ok && isTTY(f) {
			format = FormatTable
		}
	}
	return &Renderer{format: format, out: out}, nil
}

// NewRendererWithWriter creates a renderer with a fixed format (for testing).
func NewRendererWithWriter(format Format, out io.Writer) *Renderer {
	return &Renderer{format: format, out: out}
}

// Format returns the selected format.
func (r *Renderer) Format() Format {
	return r.format
}

// Render outputs the data in the configured format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		return r.renderJSON(data)
	case FormatTable:
		return r.renderTable(data)
	case FormatYAML:
		return r.renderYAML(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

func (r *Renderer) renderJSON(data any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (r *Renderer) renderYAML(data any) error {
	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return err
	}
	return enc.Close()
}

func (r *Renderer) renderTable(data any) error {
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Slice {
		return r.renderSliceTable(v)
	}
	return r.renderRecordTable(v)
}

// renderSliceTable prints one row per element with a header row.
func (r *Renderer) renderSliceTable(v reflect.Value) error {
	if v.Len() == 0 {
		fmt.Fprintln(r.out, "(no results)")
		return nil
	}

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	var headers []string
	for _, kv := range flatten("", v.Index(0)) {
		headers = append(headers, kv.key)
	}
	fmt.Fprintln(w, strings.Join(headers, "\t"))

	for i := 0; i < v.Len(); i++ {
		row := make([]string, 0, len(headers))
		for _, kv := range flatten("", v.Index(i)) {
			row = append(row, kv.value)
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return nil
}

// renderRecordTable prints "key: value" lines. Nested structs are
// flattened into dotted keys; nil pointers are omitted.
func (r *Renderer) renderRecordTable(v reflect.Value) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	rows := flatten("", v)
	if len(rows) == 1 && rows[0].key == "" {
		fmt.Fprintf(w, "%s\n", rows[0].value)
		return nil
	}
	for _, kv := range rows {
		fmt.Fprintf(w, "%s:\t%s\n", kv.key, kv.value)
	}
	return nil
}

type keyValue struct {
	key   string
	value string
}

func flatten(prefix string, v reflect.Value) []keyValue {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Struct:
		if v.Type().String() == "time.Time" {
			return []keyValue{{prefix, fmt.Sprintf("%v", v.Interface())}}
		}
		var out []keyValue
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			name, ok := fieldName(field)
			if !ok {
				continue
			}
			out = append(out, flatten(join(prefix, name), v.Field(i))...)
		}
		return out
	case reflect.Map:
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		var out []keyValue
		for _, k := range keys {
			out = append(out, flatten(join(prefix, fmt.Sprint(k.Interface())), v.MapIndex(k))...)
		}
		return out
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return []keyValue{{prefix, "[]"}}
		}
		return []keyValue{{prefix, fmt.Sprintf("[%d items]", v.Len())}}
	default:
		return []keyValue{{prefix, fmt.Sprintf("%v", v.Interface())}}
	}
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// fieldName prefers the json tag name. Fields tagged "-" are skipped.
func fieldName(f reflect.StructField) (string, bool) {
	if tag := f.Tag.Get("json"); tag != "" {
		name, _, _ := strings.Cut(tag, ",")
		if name == "-" {
			return "", false
		}
		if name != "" {
			return name, true
		}
	}
	return strings.ToLower(f.Name), true
}

// isTTY returns true if the file is a terminal.
func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
