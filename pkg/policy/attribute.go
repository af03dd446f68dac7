package policy

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/guptadeepak8/archestra/pkg/models"
)

// pathSegment is one dot-separated step of an attribute path: an optional
// field name followed by zero or more [*] array expansions.
type pathSegment struct {
	field     string
	wildcards int
}

// parsePath parses an attribute path like "emails[*].from". An empty path
// addresses the root value itself.
func parsePath(path string) ([]pathSegment, error) {
	if path == "" {
		return nil, nil
	}

	parts := strings.Split(path, ".")
	segments := make([]pathSegment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("empty segment in path %q", path)
		}

		seg := pathSegment{}
		for strings.HasSuffix(part, "[*]") {
			seg.wildcards++
			part = strings.TrimSuffix(part, "[*]")
		}
		if strings.ContainsAny(part, "[]") {
			return nil, fmt.Errorf("malformed segment %q: only [*] subscripts are supported", part)
		}
		seg.field = part
		if seg.field == "" && seg.wildcards == 0 {
			return nil, fmt.Errorf("empty segment in path %q", path)
		}

		segments = append(segments, seg)
	}

	return segments, nil
}

// Evaluate walks the attribute path over a decoded JSON value and tests every
// reachable scalar against the operator and comparison value. matched is true
// iff any reached value satisfies the pair; matchedValues collects the values
// that did. Malformed paths and operator/type mismatches fail the match and
// log a warning, they never raise.
func Evaluate(value any, path string, op models.PolicyOperator, compare string) (bool, []any) {
	segments, err := parsePath(path)
	if err != nil {
		slog.Warn("Malformed attribute path, treating as no match",
			"path", path, "error", err)
		return false, nil
	}

	nodes := []any{value}
	for _, seg := range segments {
		var next []any
		for _, node := range nodes {
			current := node
			if seg.field != "" {
				obj, ok := current.(map[string]any)
				if !ok {
					continue
				}
				child, ok := obj[seg.field]
				if !ok {
					continue
				}
				current = child
			}
			next = append(next, expandWildcards(current, seg.wildcards)...)
		}
		nodes = next
		if len(nodes) == 0 {
			return false, nil
		}
	}

	var matchedValues []any
	mismatch := false
	for _, node := range nodes {
		scalar, ok := asScalar(node)
		if !ok {
			continue
		}
		satisfied, typeOK := applyOperator(scalar, op, compare)
		if !typeOK {
			mismatch = true
			continue
		}
		if satisfied {
			matchedValues = append(matchedValues, node)
		}
	}

	if mismatch && len(matchedValues) == 0 {
		slog.Warn("Attribute policy operator/type mismatch, treating as no match",
			"path", path, "operator", op, "value", compare)
	}

	return len(matchedValues) > 0, matchedValues
}

// expandWildcards applies n levels of [*] array expansion to a node.
func expandWildcards(node any, n int) []any {
	nodes := []any{node}
	for i := 0; i < n; i++ {
		var next []any
		for _, cur := range nodes {
			arr, ok := cur.([]any)
			if !ok {
				continue
			}
			next = append(next, arr...)
		}
		nodes = next
	}
	return nodes
}

// asScalar reports whether a decoded JSON node is a comparable scalar and
// returns its string form.
func asScalar(node any) (string, bool) {
	switch v := node.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

// applyOperator tests one scalar against the operator and comparison value.
// The second return reports whether the types were usable for the operator.
func applyOperator(scalar string, op models.PolicyOperator, compare string) (bool, bool) {
	switch op {
	case models.OperatorEqual:
		return scalar == compare, true
	case models.OperatorNotEqual:
		return scalar != compare, true
	case models.OperatorContains:
		return strings.Contains(scalar, compare), true
	case models.OperatorNotContains:
		return !strings.Contains(scalar, compare), true
	case models.OperatorStartsWith:
		return strings.HasPrefix(scalar, compare), true
	case models.OperatorEndsWith:
		return strings.HasSuffix(scalar, compare), true
	case models.OperatorGreaterThan, models.OperatorLessThan:
		left, lok := parseFinite(scalar)
		right, rok := parseFinite(compare)
		if !lok || !rok {
			return false, false
		}
		if op == models.OperatorGreaterThan {
			return left > right, true
		}
		return left < right, true
	default:
		return false, false
	}
}

// parseFinite parses a finite float64, rejecting NaN and infinities.
func parseFinite(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
