// internal/service/template_service.go
package service

import (
	"regexp"
	"strings"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// RenderTemplate substitutes every {{name}} token with attrs[name]. The first
// token with no attribute fails the render with a MissingAttributeError; an
// attribute that is present but empty renders as empty.
func RenderTemplate(template string, attrs map[string]string) (string, error) {
	var (
		b    strings.Builder
		last int
	)
	for _, m := range placeholder.FindAllStringSubmatchIndex(template, -1) {
		name := template[m[2]:m[3]]
		value, ok := attrs[name]
		if !ok {
			return "", appErrors.NewMissingAttribute(name)
		}
		b.WriteString(template[last:m[0]])
		b.WriteString(value)
		last = m[1]
	}
	b.WriteString(template[last:])
	return b.String(), nil
}

// Placeholders lists the distinct attribute names a template references, in
// order of first use.
func Placeholders(template string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholder.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}
