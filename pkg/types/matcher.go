package types

import "strings"

// MatchOperator 群組比對方式
type MatchOperator string

const (
	MatchEquals     MatchOperator = "EQUALS"
	MatchStartsWith MatchOperator = "STARTS_WITH"
	MatchEndsWith   MatchOperator = "ENDS_WITH"
	MatchContains   MatchOperator = "CONTAINS"
	MatchAnything   MatchOperator = "ANYTHING"
)

// GroupMatcher 以群組名稱選取任務或觸發器
type GroupMatcher struct {
	Operator MatchOperator `json:"operator" yaml:"operator"`
	Value    string        `json:"value" yaml:"value"`
}

func GroupEquals(group string) GroupMatcher {
	return GroupMatcher{Operator: MatchEquals, Value: group}
}

func GroupStartsWith(prefix string) GroupMatcher {
	return GroupMatcher{Operator: MatchStartsWith, Value: prefix}
}

func GroupEndsWith(suffix string) GroupMatcher {
	return GroupMatcher{Operator: MatchEndsWith, Value: suffix}
}

func GroupContains(part string) GroupMatcher {
	return GroupMatcher{Operator: MatchContains, Value: part}
}

func AnyGroup() GroupMatcher {
	return GroupMatcher{Operator: MatchAnything}
}

// Matches reports whether group is selected.
func (m GroupMatcher) Matches(group string) bool {
	switch m.Operator {
	case MatchEquals:
		return group == m.Value
	case MatchStartsWith:
		return strings.HasPrefix(group, m.Value)
	case MatchEndsWith:
		return strings.HasSuffix(group, m.Value)
	case MatchContains:
		return strings.Contains(group, m.Value)
	case MatchAnything:
		return true
	default:
		return false
	}
}

// SQLPattern returns the LIKE pattern equivalent of the matcher. Callers
// must pass "\" as the ESCAPE character.
func (m GroupMatcher) SQLPattern() string {
	v := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(m.Value)
	switch m.Operator {
	case MatchEquals:
		return v
	case MatchStartsWith:
		return v + "%"
	case MatchEndsWith:
		return "%" + v
	case MatchContains:
		return "%" + v + "%"
	default:
		return "%"
	}
}
