package services

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"autorules/pkg/dtable"
)

// DateRenderer 集中掌握日期格式串与时区，规则执行期经上下文传入
type DateRenderer struct {
	loc *time.Location
}

func NewDateRenderer(timezone string) *DateRenderer {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return &DateRenderer{loc: loc}
}

// dtable 的日期格式串到 Go layout 的映射
var dateLayouts = map[string]string{
	"YYYY-MM-DD":       "2006-01-02",
	"YYYY-MM-DD HH:mm": "2006-01-02 15:04",
	"DD/MM/YYYY":       "02/01/2006",
	"DD/MM/YYYY HH:mm": "02/01/2006 15:04",
	"M/D/YYYY":         "1/2/2006",
	"DD.MM.YYYY":       "02.01.2006",
	"DD.MM.YYYY HH:mm": "02.01.2006 15:04",
}

// 解析日期文本时依次尝试的 layout
var parseLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"02.01.2006",
	"1/2/2006",
}

// Format 按列的格式串渲染；未知格式回落到 YYYY-MM-DD
func (d *DateRenderer) Format(t time.Time, format string) string {
	layout, ok := dateLayouts[format]
	if !ok {
		layout = "2006-01-02"
	}
	return t.In(d.loc).Format(layout)
}

// Parse 对固定的 ISO 风格格式集逐一尝试
func (d *DateRenderer) Parse(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range parseLayouts {
		if t, err := time.ParseInLocation(layout, s, d.loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ResolveDateSpec 解析 update/add 动作里日期列的取值描述：
// {specific_value: literal} 原样透传，{relative_date: N} 执行时算 now+N 天
func (d *DateRenderer) ResolveDateSpec(column *dtable.Column, raw interface{}) (interface{}, bool) {
	spec, ok := raw.(map[string]interface{})
	if !ok {
		return raw, true
	}
	if v, ok := spec["specific_value"]; ok {
		return v, true
	}
	if v, ok := spec["relative_date"]; ok {
		offset, ok := toFloat(v)
		if !ok {
			return nil, false
		}
		t := time.Now().In(d.loc).AddDate(0, 0, int(offset))
		return d.Format(t, column.Format()), true
	}
	return nil, false
}

// RenderCell 把单元格值渲染为消息模板可用的字符串
func RenderCell(column *dtable.Column, value interface{}, d *DateRenderer, nicknames map[string]string) string {
	if value == nil {
		return ""
	}
	switch column.Type {
	case dtable.ColumnTypeCollaborator:
		var names []string
		for _, email := range toStringList(value) {
			if name, ok := nicknames[email]; ok {
				names = append(names, name)
			} else {
				names = append(names, email)
			}
		}
		return strings.Join(names, ", ")
	case dtable.ColumnTypeSingleSelect:
		return optionName(column, fmt.Sprintf("%v", value))
	case dtable.ColumnTypeMultiSelect:
		var names []string
		for _, item := range toStringList(value) {
			names = append(names, optionName(column, item))
		}
		return strings.Join(names, ",")
	case dtable.ColumnTypeDate, dtable.ColumnTypeCTime, dtable.ColumnTypeMTime:
		if s, ok := value.(string); ok {
			if t, ok := d.Parse(s); ok {
				return d.Format(t, column.Format())
			}
			return s
		}
		return fmt.Sprintf("%v", value)
	case dtable.ColumnTypeLink:
		var parts []string
		if items, ok := value.([]interface{}); ok {
			for _, item := range items {
				if m, ok := item.(map[string]interface{}); ok {
					parts = append(parts, scalarString(m["display_value"]))
					continue
				}
				parts = append(parts, scalarString(item))
			}
		}
		return strings.Join(parts, ", ")
	case dtable.ColumnTypeGeolocation:
		return renderGeolocation(value)
	case dtable.ColumnTypeLongText:
		// 带图片的长文本按原文透传
		if m, ok := value.(map[string]interface{}); ok {
			return scalarString(m["text"])
		}
		return scalarString(value)
	default:
		return scalarString(value)
	}
}

func optionName(column *dtable.Column, idOrName string) string {
	for _, opt := range column.Options() {
		if opt.ID == idOrName || opt.Name == idOrName {
			return opt.Name
		}
	}
	return idOrName
}

func renderGeolocation(value interface{}) string {
	m, ok := value.(map[string]interface{})
	if !ok {
		return scalarString(value)
	}
	if cr, ok := m["country_region"].(string); ok && cr != "" {
		return cr
	}
	lng, hasLng := m["lng"]
	lat, hasLat := m["lat"]
	if hasLng && hasLat {
		return fmt.Sprintf("%v, %v", lng, lat)
	}
	var parts []string
	for _, k := range []string{"province", "city", "district", "detail"} {
		if v, ok := m[k].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "")
}

func scalarString(v interface{}) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		return vv
	case float64:
		return strconv.FormatFloat(vv, 'f', -1, 64)
	case bool:
		if vv {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// templateRe {列名} 占位符
var templateRe = regexp.MustCompile(`\{([^{}]+)\}`)

// FillTemplate 用行的渲染值替换消息里的 {column_name} 占位符
func FillTemplate(message string, table *dtable.Table, convertedRow map[string]interface{},
	d *DateRenderer, nicknames map[string]string) string {
	return templateRe.ReplaceAllStringFunc(message, func(match string) string {
		name := match[1 : len(match)-1]
		column := table.FindColumnByName(name)
		if column == nil {
			return match
		}
		return RenderCell(column, convertedRow[name], d, nicknames)
	})
}

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// IsValidEmail 邮件动作的收件人过滤
func IsValidEmail(addr string) bool {
	return emailRe.MatchString(addr)
}

// optionColors 自动新增 select 选项的配色轮转表
var optionColors = []string{
	"#FF8000", "#FFB600", "#E91E63", "#9C27B0", "#673AB7",
	"#2196F3", "#00BCD4", "#4CAF50", "#8BC34A", "#FFEB3B",
}

// NewSelectOption 生成带轮转颜色的新选项
func NewSelectOption(name string, existing int) dtable.SelectOption {
	return dtable.SelectOption{
		ID:    strconv.FormatInt(time.Now().UnixNano()%1e9+int64(existing), 10),
		Name:  name,
		Color: optionColors[existing%len(optionColors)],
	}
}

// source types no destination column can convert; the rest go through
// ConvertCellValue, which skips incompatible pairs per destination
var uncopyableSourceTypes = map[string]bool{
	dtable.ColumnTypeButton:      true,
	dtable.ColumnTypeLinkFormula: true,
	dtable.ColumnTypeAutoNumber:  true,
}

// CopyConvertible 源列是否参与跨表复制
func CopyConvertible(srcType string) bool {
	return !uncopyableSourceTypes[srcType]
}

// WritableDest 目标列是否可写；计算列由服务端维护，不接受复制写入
func WritableDest(dstType string) bool {
	switch dstType {
	case dtable.ColumnTypeButton, dtable.ColumnTypeLinkFormula,
		dtable.ColumnTypeAutoNumber, dtable.ColumnTypeCTime,
		dtable.ColumnTypeMTime, dtable.ColumnTypeCreator,
		dtable.ColumnTypeLastModifier, dtable.ColumnTypeFormula:
		return false
	}
	return true
}

// ConvertCellValue 跨表复制的类型转换表。返回 (值, true) 表示写入目标列，
// (nil, false) 表示这对类型不兼容、略过该单元格。
func ConvertCellValue(src, dst *dtable.Column, value interface{},
	d *DateRenderer, nicknames map[string]string) (interface{}, bool) {
	if value == nil {
		return nil, false
	}
	switch dst.Type {
	case dtable.ColumnTypeCheckbox:
		return convertToCheckbox(src, value)
	case dtable.ColumnTypeDate:
		return convertToDate(src, dst, value, d)
	case dtable.ColumnTypeSingleSelect, dtable.ColumnTypeMultiSelect:
		// 选项缺失由动作层先行补建
		return value, true
	case dtable.ColumnTypeText, dtable.ColumnTypeLongText:
		switch src.Type {
		case dtable.ColumnTypeMultiSelect, dtable.ColumnTypeCheckbox,
			dtable.ColumnTypeCTime, dtable.ColumnTypeMTime:
			return nil, false
		}
		return RenderCell(src, value, d, nicknames), true
	case dtable.ColumnTypeNumber, dtable.ColumnTypeDuration, dtable.ColumnTypeRate:
		return convertToNumber(src, dst, value)
	case dtable.ColumnTypeCollaborator:
		return convertToCollaborator(src, value, nicknames)
	default:
		if src.Type == dst.Type {
			return value, true
		}
		return nil, false
	}
}

func convertToCheckbox(src *dtable.Column, value interface{}) (interface{}, bool) {
	switch src.Type {
	case dtable.ColumnTypeCheckbox:
		return value, true
	case dtable.ColumnTypeText:
		s, _ := value.(string)
		if s == "true" || s == "True" {
			return true, true
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n > 0, true
		}
		return false, true
	case dtable.ColumnTypeNumber:
		n, ok := toFloat(value)
		return ok && n > 0, true
	}
	return nil, false
}

func convertToDate(src, dst *dtable.Column, value interface{}, d *DateRenderer) (interface{}, bool) {
	s, ok := value.(string)
	if !ok {
		return nil, false
	}
	switch src.Type {
	case dtable.ColumnTypeDate, dtable.ColumnTypeFormula:
		if t, ok := d.Parse(s); ok {
			return d.Format(t, dst.Format()), true
		}
		return nil, false
	case dtable.ColumnTypeText:
		if t, ok := d.Parse(s); ok {
			return d.Format(t, dst.Format()), true
		}
		return nil, false
	case dtable.ColumnTypeCTime, dtable.ColumnTypeMTime:
		// ctime/mtime 为 UTC ISO 串，转到配置时区再按目标格式渲染
		if t, ok := d.Parse(s); ok {
			return d.Format(t, dst.Format()), true
		}
		return nil, false
	}
	return nil, false
}

func convertToNumber(src, dst *dtable.Column, value interface{}) (interface{}, bool) {
	var n float64
	switch src.Type {
	case dtable.ColumnTypeNumber, dtable.ColumnTypeDuration,
		dtable.ColumnTypeRate, dtable.ColumnTypeFormula:
		v, ok := toFloat(value)
		if !ok {
			return nil, false
		}
		n = v
	case dtable.ColumnTypeText:
		s, _ := value.(string)
		if strings.Contains(s, ":") {
			// "h:mm" 时长文本
			parts := strings.SplitN(s, ":", 2)
			h, err1 := strconv.ParseFloat(parts[0], 64)
			m, err2 := strconv.ParseFloat(parts[1], 64)
			if err1 != nil || err2 != nil {
				return nil, false
			}
			n = h + m/60
		} else {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, false
			}
			n = v
		}
	default:
		return nil, false
	}
	if dst.Type == dtable.ColumnTypeRate {
		return int64(n + 0.5), true
	}
	return n, true
}

func convertToCollaborator(src *dtable.Column, value interface{}, nicknames map[string]string) (interface{}, bool) {
	switch src.Type {
	case dtable.ColumnTypeCollaborator:
		return value, true
	case dtable.ColumnTypeCreator, dtable.ColumnTypeLastModifier:
		// 标量包装成列表
		return []string{fmt.Sprintf("%v", value)}, true
	case dtable.ColumnTypeText:
		s, _ := value.(string)
		byName := make(map[string]string, len(nicknames))
		for email, name := range nicknames {
			byName[name] = email
		}
		var emails []string
		for _, part := range strings.Split(s, ",") {
			part = strings.TrimSpace(part)
			if email, ok := byName[part]; ok {
				emails = append(emails, email)
			}
		}
		if len(emails) == 0 {
			return nil, false
		}
		return emails, true
	}
	return nil, false
}
