// internal/service/template_service.go
package service

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/unclebandit/smsleopard-dispatcher/internal/model"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// ExtractVariables returns the placeholder names in content, trimmed and
// deduplicated, in the order they first appear.
func ExtractVariables(content string) []string {
	vars := []string{}
	seen := map[string]bool{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(content, -1) {
		name := strings.TrimSpace(m[1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		vars = append(vars, name)
	}
	return vars
}

// Render substitutes every mapped placeholder with the recipient's field value.
// Missing fields become empty strings and unmapped placeholders are kept as-is.
func Render(content string, recipient *model.Recipient, mapping model.VariableMapping) string {
	var fields map[string]any
	if recipient != nil {
		fields = recipient.Fields()
	}
	return placeholderPattern.ReplaceAllStringFunc(content, func(token string) string {
		name := strings.TrimSpace(placeholderPattern.FindStringSubmatch(token)[1])
		path := strings.TrimSpace(mapping[name])
		if path == "" {
			return token
		}
		return ResolveField(fields, path)
	})
}

// ResolveField walks a dot-separated path through nested maps.
func ResolveField(fields map[string]any, path string) string {
	var cur any = fields
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[strings.TrimSpace(key)]
		if !ok {
			return ""
		}
	}
	return stringify(cur)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// ValidateMapping lists the template variables without a non-empty mapping.
func ValidateMapping(tpl *model.Template, mapping model.VariableMapping) []string {
	unmapped := []string{}
	for _, v := range ExtractVariables(tpl.Content()) {
		if strings.TrimSpace(mapping[v]) == "" {
			unmapped = append(unmapped, v)
		}
	}
	return unmapped
}
