package conf

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// FilterKind enumerates the match predicate variants.
type FilterKind int

const (
	FilterEquals FilterKind = iota
	FilterNotEquals
	FilterStartsWith
	FilterEndsWith
	FilterContains
	FilterRegex
)

// Filter is a single string predicate, written in configuration as a tagged
// scalar, e.g. `adapter: !Equals hci0` or `device_name: !Regex "^Sensor"`.
type Filter struct {
	Kind  FilterKind
	Value string

	re *regexp.Regexp
}

// UnmarshalYAML decodes the tagged scalar form and compiles regex filters
// eagerly so bad patterns fail at startup.
func (f *Filter) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("filter must be a tagged scalar, got %v", node.Kind)
	}

	switch node.Tag {
	case "!Equals":
		f.Kind = FilterEquals
	case "!NotEquals":
		f.Kind = FilterNotEquals
	case "!StartsWith":
		f.Kind = FilterStartsWith
	case "!EndsWith":
		f.Kind = FilterEndsWith
	case "!Contains":
		f.Kind = FilterContains
	case "!Regex":
		f.Kind = FilterRegex
	default:
		return fmt.Errorf("unknown filter tag %q", node.Tag)
	}

	f.Value = node.Value
	if f.Kind == FilterRegex {
		re, err := regexp.Compile(f.Value)
		if err != nil {
			return fmt.Errorf("bad filter regex %q: %w", f.Value, err)
		}
		f.re = re
	}
	return nil
}

// Match evaluates the predicate against a source string.
func (f *Filter) Match(source string) bool {
	switch f.Kind {
	case FilterEquals:
		return source == f.Value
	case FilterNotEquals:
		return source != f.Value
	case FilterStartsWith:
		return strings.HasPrefix(source, f.Value)
	case FilterEndsWith:
		return strings.HasSuffix(source, f.Value)
	case FilterContains:
		return strings.Contains(source, f.Value)
	case FilterRegex:
		return f.re.MatchString(source)
	default:
		return false
	}
}

func (f *Filter) String() string {
	kind := [...]string{"Equals", "NotEquals", "StartsWith", "EndsWith", "Contains", "Regex"}[f.Kind]
	return fmt.Sprintf("%s(%q)", kind, f.Value)
}
