package router

import (
	"errors"
	"fmt"
	"strings"

	"timetask/internal/task"
	"timetask/internal/task/lifecycle"
)

const (
	TextUnauthorized = "你没有权限使用此命令"
	TextBusy         = "系统繁忙，请稍后再试"
	TextSlowDown     = "操作过于频繁，请稍后再试"
	TextInternal     = "处理命令时出错，请稍后再试"
	TextRemoveUsage  = "请提供要删除的任务ID，格式：/time rm <任务ID1> [任务ID2 ...]"
	TextNoTasks      = "当前没有定时任务"
)

const helpText = `定时任务 - 常用命令

【创建任务】
/time 每天 08:00 早安！
/time 每周五 17:30 周末愉快！
/time 明天 09:00 记得开会
/time 2025-05-01 10:00 劳动节快乐！
/time cron[0 12 * * *] 午饭时间到！

【使用GPT】
/time 每天 09:00 GPT 说一句励志的话
/time 每周一 08:30 GPT 用猫娘语气说早安

【群组消息】
/time 每天 10:00 开始会议！ group[工作群]
/time 每周五 18:00 GPT 周末祝福 group[亲友群]

【管理任务】
/time ls    # 查看任务
/time rm 123 # 删除任务

注：群组名称需要在配置的 destinations 中预先登记`

// HelpText is the reply to "time help".
func HelpText() string { return helpText }

// describe is the trigger text shown to users: the generated description for
// recurring tasks and the deadline itself for one-shots.
func describe(t task.Trigger) string {
	if t.Kind() == task.KindOneShot {
		return t.Value()
	}
	return t.Description()
}

func kindLabel(k task.Kind) string {
	if k == task.KindOneShot {
		return "具体时间"
	}
	return "cron表达式"
}

// FormatCreated renders the creation summary.
func FormatCreated(v lifecycle.View) string {
	rec := v.Record
	var b strings.Builder
	b.WriteString("定时任务创建成功！\n")
	fmt.Fprintf(&b, "任务ID: %s\n", rec.ID)
	fmt.Fprintf(&b, "触发方式: %s\n", kindLabel(rec.Trigger.Kind()))
	fmt.Fprintf(&b, "触发值: %s\n", rec.Trigger.Value())
	fmt.Fprintf(&b, "触发描述: %s\n", describe(rec.Trigger))
	gpt := "否"
	if rec.UseAugmentation {
		gpt = "是"
	}
	fmt.Fprintf(&b, "使用GPT: %s\n", gpt)
	if rec.DestinationLabel != "" {
		fmt.Fprintf(&b, "目标群组: %s\n", rec.DestinationLabel)
	}
	fmt.Fprintf(&b, "消息内容: %s", rec.Content)
	return b.String()
}

// FormatList renders "time ls".
func FormatList(views []lifecycle.View) string {
	if len(views) == 0 {
		return TextNoTasks
	}
	var b strings.Builder
	b.WriteString("当前的定时任务：\n")
	for _, v := range views {
		rec := v.Record
		fmt.Fprintf(&b, "[%s] %s", rec.ID, describe(rec.Trigger))
		if rec.UseAugmentation {
			b.WriteString(" GPT：")
		}
		b.WriteString(" " + rec.Content)
		if rec.DestinationLabel != "" {
			b.WriteString(" 发到群" + rec.DestinationLabel)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), " \n")
}

// FormatRemove renders "time rm".
func FormatRemove(res lifecycle.RemoveResult) string {
	var lines []string
	if ids := res.RemovedIDs(); len(ids) > 0 {
		lines = append(lines, "已删除任务："+strings.Join(ids, ", "))
	}
	if len(res.NotFound) > 0 {
		lines = append(lines, "未找到任务："+strings.Join(res.NotFound, ", "))
	}
	return strings.Join(lines, "\n")
}

// ErrorText maps a create failure to the user-facing reply. label and
// deadline fill the destination and past-deadline messages.
func ErrorText(err error, label, deadline string) string {
	switch {
	case errors.Is(err, task.ErrEmptyContent):
		return "消息内容不能为空"
	case errors.Is(err, task.ErrParse):
		return "命令格式错误，请检查语法"
	case errors.Is(err, task.ErrPastDeadline):
		return fmt.Sprintf("设置的时间 %s 早于当前时间，请设置未来的时间", deadline)
	case errors.Is(err, task.ErrDestination):
		return fmt.Sprintf("未找到名为 %s 的群", label)
	case errors.Is(err, task.ErrPersistence):
		return "保存任务失败，请稍后再试"
	case errors.Is(err, lifecycle.ErrStopped):
		return "服务正在停止，请稍后再试"
	default:
		return TextInternal
	}
}
