package services

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"autorules/pkg/dtable"
)

// Filter predicates understood by the table service.
const (
	PredicateIs        = "is"
	PredicateIsExactly = "is_exactly"
	PredicateEqual     = "equal"
)

// predicateByColumnType 列类型到“行匹配”谓词的固定映射
var predicateByColumnType = map[string]string{
	dtable.ColumnTypeText:         PredicateIs,
	dtable.ColumnTypeLongText:     PredicateIs,
	dtable.ColumnTypeURL:          PredicateIs,
	dtable.ColumnTypeEmail:        PredicateIs,
	dtable.ColumnTypeSingleSelect: PredicateIs,
	dtable.ColumnTypeDate:         PredicateIs,
	dtable.ColumnTypeCheckbox:     PredicateIs,
	dtable.ColumnTypeMultiSelect:  PredicateIsExactly,
	dtable.ColumnTypeCollaborator: PredicateIsExactly,
	dtable.ColumnTypeNumber:       PredicateEqual,
	dtable.ColumnTypeDuration:     PredicateEqual,
	dtable.ColumnTypeRate:         PredicateEqual,
}

// PredicateFor 返回该列类型的行匹配谓词，未知类型回落到 is
func PredicateFor(columnType string) string {
	if p, ok := predicateByColumnType[columnType]; ok {
		return p
	}
	return PredicateIs
}

// MatchFilter 构造 filter-rows 的一个过滤条件
func MatchFilter(column *dtable.Column, term interface{}) map[string]interface{} {
	return map[string]interface{}{
		"column_key":       column.Key,
		"filter_predicate": PredicateFor(column.Type),
		"filter_term":      term,
	}
}

// MergeFilters 视图过滤与触发器过滤取并集并去重
func MergeFilters(groups ...[]map[string]interface{}) []map[string]interface{} {
	seen := make(map[string]bool)
	var merged []map[string]interface{}
	for _, group := range groups {
		for _, f := range group {
			key := filterKey(f)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, f)
		}
	}
	return merged
}

func filterKey(f map[string]interface{}) string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := ""
	for _, k := range keys {
		payload, _ := json.Marshal(f[k])
		key += k + "=" + string(payload) + ";"
	}
	return key
}

// RowSatisfiesFilters 在本地按谓词表求值触发器过滤条件。事件行是
// 名称键入的 converted_row；条件为空视为满足。
func RowSatisfiesFilters(table *dtable.Table, convertedRow map[string]interface{},
	filters []map[string]interface{}, conjunction string) bool {
	if len(filters) == 0 {
		return true
	}
	matchedAny := false
	for _, f := range filters {
		columnKey, _ := f["column_key"].(string)
		column := table.FindColumnByKey(columnKey)
		if column == nil {
			if conjunction != "Or" {
				return false
			}
			continue
		}
		ok := matchTerm(column, convertedRow[column.Name], f["filter_term"])
		if conjunction == "Or" {
			if ok {
				matchedAny = true
			}
			continue
		}
		if !ok {
			return false
		}
	}
	if conjunction == "Or" {
		return matchedAny
	}
	return true
}

func matchTerm(column *dtable.Column, value, term interface{}) bool {
	switch PredicateFor(column.Type) {
	case PredicateIsExactly:
		return sameSet(toStringList(value), toStringList(term))
	case PredicateEqual:
		a, aok := toFloat(value)
		b, bok := toFloat(term)
		return aok && bok && a == b
	default:
		if value == nil && term == nil {
			return true
		}
		return fmt.Sprintf("%v", value) == fmt.Sprintf("%v", term)
	}
}

func toStringList(v interface{}) []string {
	switch vv := v.(type) {
	case nil:
		return nil
	case []string:
		out := append([]string(nil), vv...)
		sort.Strings(out)
		return out
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			out = append(out, fmt.Sprintf("%v", item))
		}
		sort.Strings(out)
		return out
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}

// sameSet 比较两个 id 集合，忽略顺序
func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	return reflect.DeepEqual(as, bs)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
