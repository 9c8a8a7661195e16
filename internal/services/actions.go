package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"autorules/pkg/dtable"
)

// NotifyMsgType 站内通知的消息类型
const NotifyMsgType = "notification_rules"

// 周期动作拉取行时的上限与排序
const scheduledRowLimit = 500

func mtimeDescSorts() []map[string]interface{} {
	return []map[string]interface{}{{"column_key": "_mtime", "sort_type": "dsc"}}
}

// updatableColumnTypes update_record / add_record 允许写入的列类型
var updatableColumnTypes = map[string]bool{
	dtable.ColumnTypeText:         true,
	dtable.ColumnTypeLongText:     true,
	dtable.ColumnTypeNumber:       true,
	dtable.ColumnTypeDate:         true,
	dtable.ColumnTypeCheckbox:     true,
	dtable.ColumnTypeSingleSelect: true,
	dtable.ColumnTypeMultiSelect:  true,
	dtable.ColumnTypeURL:          true,
	dtable.ColumnTypeDuration:     true,
	dtable.ColumnTypeCollaborator: true,
	dtable.ColumnTypeEmail:        true,
	dtable.ColumnTypeRate:         true,
}

func (r *Runtime) executeAction(ctx context.Context, rc *runContext, action ActionSpec) ActionOutcome {
	switch action.Type {
	case ActionUpdateRecord:
		return r.actionUpdateRecord(ctx, rc, action)
	case ActionAddRecord:
		return r.actionAddRecord(ctx, rc, action)
	case ActionLockRecord:
		return r.actionLockRecord(ctx, rc, action)
	case ActionNotify:
		return r.actionNotify(ctx, rc, action)
	case ActionSendWechat, ActionSendDingtalk:
		return r.actionSendRobot(ctx, rc, action)
	case ActionSendEmail:
		return r.actionSendEmail(ctx, rc, action)
	case ActionRunPythonScript:
		return r.actionRunScript(ctx, rc, action)
	case ActionLinkRecords:
		return r.actionLinkRecords(ctx, rc, action)
	case ActionCopyRecordTo:
		return r.actionCopyRecordTo(ctx, rc, action)
	default:
		return outcomeSkip(fmt.Sprintf("unknown action type %q", action.Type))
	}
}

// filterWritableUpdates 把动作里的列值映射收敛到触发视图可见且
// 类型可写的列，日期列的取值描述在此解析
func (r *Runtime) filterWritableUpdates(ctx context.Context, rc *runContext,
	updates map[string]interface{}) map[string]interface{} {
	viewCols := r.loadViewColumns(ctx, rc)
	byName := make(map[string]*dtable.Column, len(viewCols))
	for _, c := range viewCols {
		byName[c.Name] = c
	}
	out := make(map[string]interface{}, len(updates))
	for name, value := range updates {
		column, ok := byName[name]
		if !ok || !updatableColumnTypes[column.Type] {
			continue
		}
		if column.Type == dtable.ColumnTypeDate {
			resolved, ok := r.dates.ResolveDateSpec(column, value)
			if !ok {
				continue
			}
			out[name] = resolved
			continue
		}
		out[name] = value
	}
	return out
}

func (r *Runtime) actionUpdateRecord(ctx context.Context, rc *runContext, action ActionSpec) ActionOutcome {
	event := rc.event()
	if event == nil {
		return outcomeSkip("update_record requires a realtime event")
	}
	// 自反馈防护：本次修改触及的列又被本规则改写，会形成
	// modify → rule → modify 的循环
	for _, key := range event.UpdatedColumnKeys {
		column := rc.table.FindColumnByKey(key)
		if column == nil {
			continue
		}
		if _, ok := action.Updates[column.Name]; ok {
			return outcomeSkip("updates overlap the columns that triggered this event")
		}
	}
	updates := r.filterWritableUpdates(ctx, rc, action.Updates)
	if len(updates) == 0 {
		return outcomeSkip("no writable columns left after filtering")
	}
	rowID := event.RowID()
	if rowID == "" {
		return outcomeSkip("event carries no row id")
	}
	if err := r.api.UpdateRow(ctx, rc.uuid(), rc.table.Name, rowID, updates); err != nil {
		return outcomeFail(fmt.Sprintf("update row: %v", err))
	}
	return outcomeOKResult()
}

func (r *Runtime) actionAddRecord(ctx context.Context, rc *runContext, action ActionSpec) ActionOutcome {
	row := r.filterWritableUpdates(ctx, rc, action.Row)
	if len(row) == 0 {
		return outcomeSkip("no writable columns left after filtering")
	}
	if err := r.api.AppendRow(ctx, rc.uuid(), rc.table.Name, row); err != nil {
		return outcomeFail(fmt.Sprintf("append row: %v", err))
	}
	return outcomeOKResult()
}

func (r *Runtime) actionLockRecord(ctx context.Context, rc *runContext, _ ActionSpec) ActionOutcome {
	if event := rc.event(); event != nil {
		rowID := event.RowID()
		if rowID == "" {
			return outcomeSkip("event carries no row id")
		}
		if err := r.api.LockRows(ctx, rc.uuid(), rc.table.Name, []string{rowID}); err != nil {
			return outcomeFail(fmt.Sprintf("lock row: %v", err))
		}
		return outcomeOKResult()
	}

	// 周期规则锁定视图过滤集内的行
	trigger := rc.rule().Trigger
	filters := trigger.Filters
	conjunction := trigger.FilterConjunction
	if view := rc.view(); view != nil {
		filters = MergeFilters(view.Filters, trigger.Filters)
		if conjunction == "" {
			conjunction = view.FilterConjunction
		}
	}
	rows, err := r.api.FilterRows(ctx, rc.uuid(), &dtable.FilterRowsRequest{
		TableID:           rc.table.ID,
		Filters:           filters,
		FilterConjunction: conjunction,
		Sorts:             mtimeDescSorts(),
		Limit:             scheduledRowLimit,
	})
	if err != nil {
		return outcomeFail(fmt.Sprintf("filter rows: %v", err))
	}
	rowIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		if id, ok := row["_id"].(string); ok {
			rowIDs = append(rowIDs, id)
		}
	}
	if len(rowIDs) == 0 {
		return outcomeSkip("no rows matched the view filters")
	}
	if err := r.api.LockRows(ctx, rc.uuid(), rc.table.Name, rowIDs); err != nil {
		return outcomeFail(fmt.Sprintf("lock rows: %v", err))
	}
	return outcomeOKResult()
}

func (r *Runtime) actionNotify(ctx context.Context, rc *runContext, action ActionSpec) ActionOutcome {
	nicknames := r.loadNicknames(ctx, rc)
	message := action.DefaultMsg
	var rowID string
	if event := rc.event(); event != nil {
		message = FillTemplate(message, rc.table, event.ConvertedRow, r.dates, nicknames)
		rowID = event.RowID()
	}

	seen := make(map[string]bool)
	var users []string
	add := func(user string) {
		user = strings.TrimSpace(user)
		if user == "" || seen[user] {
			return
		}
		seen[user] = true
		users = append(users, user)
	}
	for _, u := range action.Users {
		add(u)
	}
	if action.UsersColumnKey != "" && rc.event() != nil {
		for _, u := range toStringList(rc.event().Row[action.UsersColumnKey]) {
			add(u)
		}
	}
	if len(users) == 0 {
		return outcomeSkip("no notification recipients")
	}

	rule := rc.rule()
	notifications := make([]dtable.InternalNotification, 0, len(users))
	for _, user := range users {
		notifications = append(notifications, dtable.InternalNotification{
			ToUser: user,
			Type:   NotifyMsgType,
			Detail: map[string]interface{}{
				"table_id":  rc.table.ID,
				"row_id":    rowID,
				"rule_id":   rule.Model.ID,
				"rule_name": rule.Name(),
				"msg":       message,
			},
		})
	}
	if err := r.api.SendNotification(ctx, rc.uuid(), notifications); err != nil {
		return outcomeFail(fmt.Sprintf("send notifications: %v", err))
	}
	return outcomeOKResult()
}

func (r *Runtime) actionSendRobot(ctx context.Context, rc *runContext, action ActionSpec) ActionOutcome {
	account, detail, err := LoadAccount(ctx, r.db, action.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return outcomeInvalid(InvalidTypeAccountNotFound,
				fmt.Sprintf("account %d not found", action.AccountID))
		}
		return outcomeFail(fmt.Sprintf("load account: %v", err))
	}
	wantType := AccountTypeWechat
	if action.Type == ActionSendDingtalk {
		wantType = AccountTypeDingtalk
	}
	if account.AccountType != wantType {
		return outcomeInvalid(InvalidTypeAccountNotFound,
			fmt.Sprintf("account %d is %s, want %s", action.AccountID, account.AccountType, wantType))
	}

	message := action.DefaultMsg
	if event := rc.event(); event != nil {
		nicknames := r.loadNicknames(ctx, rc)
		message = FillTemplate(message, rc.table, event.ConvertedRow, r.dates, nicknames)
	}
	if action.Type == ActionSendDingtalk {
		err = r.sender.SendDingtalk(ctx, detail.WebhookURL, message, action.MsgType, action.Title)
	} else {
		err = r.sender.SendWechat(ctx, detail.WebhookURL, message, action.MsgType, action.Title)
	}
	if err != nil {
		return outcomeFail(fmt.Sprintf("send %s: %v", action.Type, err))
	}
	return outcomeOKResult()
}

func (r *Runtime) actionSendEmail(ctx context.Context, rc *runContext, action ActionSpec) ActionOutcome {
	account, detail, err := LoadAccount(ctx, r.db, action.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return outcomeInvalid(InvalidTypeAccountNotFound,
				fmt.Sprintf("account %d not found", action.AccountID))
		}
		return outcomeFail(fmt.Sprintf("load account: %v", err))
	}
	if account.AccountType != AccountTypeEmail {
		return outcomeInvalid(InvalidTypeAccountNotFound,
			fmt.Sprintf("account %d is %s, want %s", action.AccountID, account.AccountType, AccountTypeEmail))
	}

	subject := action.Subject
	body := action.DefaultMsg
	if event := rc.event(); event != nil {
		nicknames := r.loadNicknames(ctx, rc)
		subject = FillTemplate(subject, rc.table, event.ConvertedRow, r.dates, nicknames)
		body = FillTemplate(body, rc.table, event.ConvertedRow, r.dates, nicknames)
	}
	to := validEmails(action.SendTo)
	cc := validEmails(action.CopyTo)
	if len(to) == 0 {
		return outcomeSkip("no valid recipient addresses")
	}
	if err := r.sender.SendEmail(detail, subject, body, to, cc); err != nil {
		return outcomeFail(fmt.Sprintf("send email: %v", err))
	}
	return outcomeOKResult()
}

func validEmails(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		addr := strings.TrimSpace(part)
		if IsValidEmail(addr) {
			out = append(out, addr)
		}
	}
	return out
}

func (r *Runtime) actionRunScript(ctx context.Context, rc *runContext, action ActionSpec) ActionOutcome {
	if rc.canRunPython == nil {
		allowed := r.canRunPython
		rc.canRunPython = &allowed
	}
	if !*rc.canRunPython {
		return outcomeSkip("scripts disabled for this tenant")
	}
	rule := rc.rule()
	token, err := dtable.AccessToken(r.privateKey, rc.uuid(), rule.Owner())
	if err != nil {
		return outcomeFail(fmt.Sprintf("mint access token: %v", err))
	}
	task := &dtable.ScriptTask{
		DTableUUID:   rc.uuid(),
		ScriptName:   action.ScriptName,
		Owner:        rule.Owner(),
		OrgID:        rule.OrgID(),
		ScriptsLimit: r.scriptsLimit,
		OperateFrom:  "automation-rule",
	}
	// 脚本运行器故障只告警，不判规则失败
	if err := r.sender.RunScript(ctx, task, token); err != nil {
		return outcomeSkip(fmt.Sprintf("run script %s: %v", action.ScriptName, err))
	}
	return outcomeOKResult()
}

func (r *Runtime) actionLinkRecords(ctx context.Context, rc *runContext, action ActionSpec) ActionOutcome {
	event := rc.event()
	if event == nil {
		return outcomeSkip("link_records requires a realtime event")
	}
	rowID := event.RowID()
	if rowID == "" {
		return outcomeSkip("event carries no row id")
	}
	linked := rc.metadata.FindTable(action.LinkedTableID, "")
	if linked == nil {
		return outcomeSkip("linked table not found")
	}

	var filters []map[string]interface{}
	for _, mc := range action.MatchConditions {
		srcCol := rc.table.FindColumnByKey(mc.ColumnKey)
		otherCol := linked.FindColumnByKey(mc.OtherColumnKey)
		if srcCol == nil || otherCol == nil {
			return outcomeSkip("match condition column not found")
		}
		term := translateLinkTerm(srcCol, otherCol, event.Row[srcCol.Key])
		filters = append(filters, MatchFilter(otherCol, term))
	}
	if len(filters) == 0 {
		return outcomeSkip("no match conditions")
	}

	rows, err := r.api.FilterRows(ctx, rc.uuid(), &dtable.FilterRowsRequest{
		TableID:           linked.ID,
		Filters:           filters,
		FilterConjunction: "And",
		Sorts:             mtimeDescSorts(),
		Limit:             scheduledRowLimit,
	})
	if err != nil {
		return outcomeFail(fmt.Sprintf("filter linked rows: %v", err))
	}
	otherIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		if id, ok := row["_id"].(string); ok {
			otherIDs = append(otherIDs, id)
		}
	}

	// 链接集合已一致时不发请求
	if linkCol := findLinkColumn(rc.table, action.LinkID); linkCol != nil {
		current := currentLinkIDs(event.Row[linkCol.Key])
		if sameSet(current, otherIDs) {
			return outcomeSkip("link set already up to date")
		}
	}

	body := map[string]interface{}{
		"table_id":       rc.table.ID,
		"other_table_id": linked.ID,
		"link_id":        action.LinkID,
		"row_id":         rowID,
		"other_rows_ids": otherIDs,
	}
	if err := r.api.UpdateLinks(ctx, rc.uuid(), body); err != nil {
		return outcomeFail(fmt.Sprintf("update links: %v", err))
	}
	return outcomeOKResult()
}

// translateLinkTerm 把源行的值翻译成可用于被链接列过滤的谓词项
func translateLinkTerm(srcCol, otherCol *dtable.Column, value interface{}) interface{} {
	switch otherCol.Type {
	case dtable.ColumnTypeSingleSelect:
		return optionName(srcCol, scalarString(value))
	case dtable.ColumnTypeMultiSelect:
		var names []string
		for _, item := range toStringList(value) {
			names = append(names, optionName(srcCol, item))
		}
		return names
	case dtable.ColumnTypeCreator, dtable.ColumnTypeLastModifier, dtable.ColumnTypeCollaborator:
		if _, ok := value.([]interface{}); ok {
			return value
		}
		if s, ok := value.(string); ok {
			return []string{s}
		}
		return value
	default:
		return value
	}
}

func findLinkColumn(table *dtable.Table, linkID string) *dtable.Column {
	for _, c := range table.Columns {
		if c.Type != dtable.ColumnTypeLink || c.Data == nil {
			continue
		}
		if id, _ := c.Data["link_id"].(string); id == linkID {
			return c
		}
	}
	return nil
}

func currentLinkIDs(value interface{}) []string {
	items, ok := value.([]interface{})
	if !ok {
		return nil
	}
	var ids []string
	for _, item := range items {
		switch v := item.(type) {
		case string:
			ids = append(ids, v)
		case map[string]interface{}:
			if id, ok := v["row_id"].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (r *Runtime) actionCopyRecordTo(ctx context.Context, rc *runContext, action ActionSpec) ActionOutcome {
	event := rc.event()
	if event == nil {
		return outcomeSkip("copy_record_to requires a realtime event")
	}
	dst := rc.metadata.FindTable(action.DstTableID, "")
	if dst == nil {
		return outcomeSkip("destination table not found")
	}
	nicknames := r.loadNicknames(ctx, rc)

	newRow := make(map[string]interface{})
	for _, dstCol := range dst.Columns {
		srcCol := rc.table.FindColumnByName(dstCol.Name)
		if srcCol == nil || !CopyConvertible(srcCol.Type) || !WritableDest(dstCol.Type) {
			continue
		}
		value := event.Row[srcCol.Key]
		if value == nil {
			continue
		}
		switch dstCol.Type {
		case dtable.ColumnTypeSingleSelect:
			name := RenderCell(srcCol, value, r.dates, nicknames)
			if name == "" {
				continue
			}
			if out := r.ensureOptions(ctx, rc, dst, dstCol, []string{name}); out != nil {
				return *out
			}
			newRow[dstCol.Name] = name
		case dtable.ColumnTypeMultiSelect:
			names := selectNames(srcCol, value)
			if len(names) == 0 {
				continue
			}
			if out := r.ensureOptions(ctx, rc, dst, dstCol, names); out != nil {
				return *out
			}
			newRow[dstCol.Name] = names
		default:
			converted, ok := ConvertCellValue(srcCol, dstCol, value, r.dates, nicknames)
			if !ok {
				continue
			}
			newRow[dstCol.Name] = converted
		}
	}
	if len(newRow) == 0 {
		return outcomeSkip("no convertible cells to copy")
	}
	if err := r.api.AppendRow(ctx, rc.uuid(), dst.Name, newRow); err != nil {
		return outcomeFail(fmt.Sprintf("append copied row: %v", err))
	}
	return outcomeOKResult()
}

// selectNames 源值展开为选项名列表；文本列按逗号拆分
func selectNames(srcCol *dtable.Column, value interface{}) []string {
	if srcCol.Type == dtable.ColumnTypeText {
		var names []string
		for _, part := range strings.Split(scalarString(value), ",") {
			if s := strings.TrimSpace(part); s != "" {
				names = append(names, s)
			}
		}
		return names
	}
	var names []string
	for _, item := range toStringList(value) {
		if name := optionName(srcCol, item); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// ensureOptions 目标 select 列缺失的选项先补建再写行。
// 返回非 nil 表示动作应以该结论提前结束。
func (r *Runtime) ensureOptions(ctx context.Context, rc *runContext,
	dst *dtable.Table, dstCol *dtable.Column, names []string) *ActionOutcome {
	existing := make(map[string]bool)
	options := dstCol.Options()
	for _, opt := range options {
		existing[opt.Name] = true
	}
	var missing []dtable.SelectOption
	for i, name := range names {
		if !existing[name] {
			missing = append(missing, NewSelectOption(name, len(options)+i))
			existing[name] = true
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := r.api.AddColumnOptions(ctx, rc.uuid(), dst.Name, dstCol.Name, missing); err != nil {
		out := outcomeFail(fmt.Sprintf("add column options: %v", err))
		return &out
	}
	return nil
}
