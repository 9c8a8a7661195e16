package dtable

import "time"

// Column types as stored in dtable metadata.
const (
	ColumnTypeText         = "text"
	ColumnTypeLongText     = "long-text"
	ColumnTypeNumber       = "number"
	ColumnTypeDate         = "date"
	ColumnTypeCheckbox     = "checkbox"
	ColumnTypeSingleSelect = "single-select"
	ColumnTypeMultiSelect  = "multiple-select"
	ColumnTypeURL          = "url"
	ColumnTypeDuration     = "duration"
	ColumnTypeCollaborator = "collaborator"
	ColumnTypeEmail        = "email"
	ColumnTypeRate         = "rate"
	ColumnTypeLink         = "link"
	ColumnTypeGeolocation  = "geolocation"
	ColumnTypeImage        = "image"
	ColumnTypeCreator      = "creator"
	ColumnTypeLastModifier = "last-modifier"
	ColumnTypeCTime        = "ctime"
	ColumnTypeMTime        = "mtime"
	ColumnTypeFormula      = "formula"
	ColumnTypeLinkFormula  = "link-formula"
	ColumnTypeAutoNumber   = "auto-number"
	ColumnTypeButton       = "button"
)

// Metadata 一个 dtable 的完整元数据
type Metadata struct {
	Tables []*Table `json:"tables"`
}

// FindTable ID 优先，当 ID 为空时按名称匹配
func (m *Metadata) FindTable(tableID, tableName string) *Table {
	for _, t := range m.Tables {
		if tableID != "" && t.ID == tableID {
			return t
		}
		if tableID == "" && tableName != "" && t.Name == tableName {
			return t
		}
	}
	return nil
}

type Table struct {
	ID      string    `json:"_id"`
	Name    string    `json:"name"`
	Columns []*Column `json:"columns"`
	Views   []*View   `json:"views"`
}

func (t *Table) FindColumnByKey(key string) *Column {
	for _, c := range t.Columns {
		if c.Key == key {
			return c
		}
	}
	return nil
}

func (t *Table) FindColumnByName(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (t *Table) FindView(viewID string) *View {
	for _, v := range t.Views {
		if v.ID == viewID {
			return v
		}
	}
	return nil
}

// Column data 是按类型变化的配置：select 的 options、数字/日期的 format、
// link 的 link_id 与 array_type 等
type Column struct {
	Key  string                 `json:"key"`
	Name string                 `json:"name"`
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Options 返回 select 列的选项表，非 select 列返回 nil
func (c *Column) Options() []SelectOption {
	if c.Data == nil {
		return nil
	}
	raw, ok := c.Data["options"].([]interface{})
	if !ok {
		return nil
	}
	options := make([]SelectOption, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		opt := SelectOption{}
		opt.ID, _ = m["id"].(string)
		opt.Name, _ = m["name"].(string)
		opt.Color, _ = m["color"].(string)
		options = append(options, opt)
	}
	return options
}

// Format 返回 data.format，缺省为空串
func (c *Column) Format() string {
	if c.Data == nil {
		return ""
	}
	f, _ := c.Data["format"].(string)
	return f
}

type SelectOption struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type View struct {
	ID                string                   `json:"_id"`
	Name              string                   `json:"name"`
	Filters           []map[string]interface{} `json:"filters"`
	FilterConjunction string                   `json:"filter_conjunction"`
}

// RelatedUser 表格相关用户（协作者昵称解析与管理员通知都用它）
type RelatedUser struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	ContactEmail string `json:"contact_email"`
	IsAdmin      bool   `json:"is_admin"`
}

// FilterRowsRequest POST /internal/dtables/{uuid}/filter-rows/ 的请求体
type FilterRowsRequest struct {
	TableID           string                   `json:"table_id"`
	ViewID            string                   `json:"view_id,omitempty"`
	Filters           []map[string]interface{} `json:"filters,omitempty"`
	FilterConjunction string                   `json:"filter_conjunction,omitempty"`
	Sorts             []map[string]interface{} `json:"sorts,omitempty"`
	Limit             int                      `json:"limit,omitempty"`
}

type FilterRowsResponse struct {
	Rows []map[string]interface{} `json:"rows"`
}

// InternalNotification 站内通知载荷
type InternalNotification struct {
	ToUser string                 `json:"to_user"`
	Type   string                 `json:"msg_type"`
	Detail map[string]interface{} `json:"detail"`
}

// ScriptTask 提交到脚本运行器的任务
type ScriptTask struct {
	DTableUUID   string `json:"dtable_uuid"`
	ScriptName   string `json:"script_name"`
	Owner        string `json:"owner"`
	OrgID        int64  `json:"org_id"`
	ScriptsLimit int64  `json:"scripts_running_limit"`
	OperateFrom  string `json:"operate_from"`
}

// now hook for tests
var timeNow = time.Now
