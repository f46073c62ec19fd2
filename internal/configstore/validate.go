package configstore

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/af-corp/aegis-router/internal/config"
)

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks every provider and cluster and the cross-record rules,
// returning a *ValidationError listing all violations or nil.
func Validate(doc *config.Document) error {
	var out []Violation

	seenProviders := make(map[string]bool, len(doc.Providers))
	for i, p := range doc.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		out = append(out, structViolations(prefix, p)...)

		if p.ID != "" && !slugPattern.MatchString(p.ID) {
			out = append(out, Violation{Field: prefix + ".id", Message: "id may only contain letters, digits, '.', '_' and '-'"})
		}
		if p.ID != "" {
			if seenProviders[p.ID] {
				out = append(out, Violation{Field: prefix + ".id", Message: fmt.Sprintf("duplicate provider id %q", p.ID)})
			}
			seenProviders[p.ID] = true
		}
		if p.Family != "" && !p.Family.Known() {
			out = append(out, Violation{Field: prefix + ".family", Message: fmt.Sprintf("unknown family %q", p.Family)})
		}
	}

	seenClusters := make(map[string]bool, len(doc.Clusters))
	for i, c := range doc.Clusters {
		prefix := fmt.Sprintf("clusters[%d]", i)
		out = append(out, structViolations(prefix, c)...)

		if c.Name != "" && !slugPattern.MatchString(c.Name) {
			out = append(out, Violation{Field: prefix + ".name", Message: "name may only contain letters, digits, '.', '_' and '-'"})
		}
		if c.Name != "" {
			if seenClusters[c.Name] {
				out = append(out, Violation{Field: prefix + ".name", Message: fmt.Sprintf("duplicate cluster name %q", c.Name)})
			}
			seenClusters[c.Name] = true
		}

		refs := make(map[string]bool, len(c.ProviderIDs))
		for j, id := range c.ProviderIDs {
			field := fmt.Sprintf("%s.provider_ids[%d]", prefix, j)
			if !seenProviders[id] {
				out = append(out, Violation{Field: field, Message: fmt.Sprintf("unknown provider %q", id)})
			}
			if refs[id] {
				out = append(out, Violation{Field: field, Message: fmt.Sprintf("provider %q listed twice", id)})
			}
			refs[id] = true
		}
	}

	if len(out) == 0 {
		return nil
	}
	return &ValidationError{Violations: out}
}

func structViolations(prefix string, s any) []Violation {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []Violation{{Field: prefix, Message: err.Error()}}
	}
	out := make([]Violation, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		// Namespace is "ProviderConfig.pricing.input"; drop the type name.
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		out = append(out, Violation{Field: prefix + "." + path, Message: describe(fe)})
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed '%s' check", fe.Tag())
	}
}
