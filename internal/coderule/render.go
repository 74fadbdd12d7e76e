package coderule

import (
	"strconv"
	"strings"
	"time"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

// dateTokens 日期格式 token，按长度优先匹配
var dateTokens = []struct {
	token  string
	layout string
}{
	{"YYYY", "2006"},
	{"YY", "06"},
	{"MM", "01"},
	{"DD", "02"},
	{"HH", "15"},
	{"mm", "04"},
	{"ss", "05"},
}

// FormatDate 按 YYYY/YY/MM/DD/HH/mm/ss token 格式化日期，其余字符原样输出
func FormatDate(format string, t time.Time) string {
	var b strings.Builder
	for i := 0; i < len(format); {
		matched := false
		for _, tk := range dateTokens {
			if strings.HasPrefix(format[i:], tk.token) {
				b.WriteString(t.Format(tk.layout))
				i += len(tk.token)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(format[i])
			i++
		}
	}
	return b.String()
}

// PadCounter 计数值按位数左补零（超出位数时原样输出）
func PadCounter(v int64, digits int) string {
	s := strconv.FormatInt(v, 10)
	neg := v < 0
	if neg {
		s = s[1:]
	}
	if len(s) < digits {
		s = strings.Repeat("0", digits-len(s)) + s
	}
	if neg {
		s = "-" + s
	}
	return s
}

// Render 按组件顺序拼接编码。
// counter 为本次分配的计数值（无计数组件时忽略）。
func (r *Rule) Render(now time.Time, counter int64, vars map[string]string) string {
	var b strings.Builder
	for _, c := range r.Components {
		switch c.Type {
		case FixedText:
			b.WriteString(c.Text)
		case Date:
			b.WriteString(FormatDate(c.Format, now))
		case FormField:
			if v, ok := vars[c.Field]; ok && v != "" {
				b.WriteString(v)
			} else {
				b.WriteString(c.Default)
			}
		case AutoCounter:
			b.WriteString(PadCounter(counter, r.Counter.Digits))
		}
	}
	return b.String()
}

// SamePeriod 判断两个日期是否属于同一重置周期
func SamePeriod(cycle domain.ResetRule, a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	switch cycle {
	case domain.ResetDaily:
		return ay == by && am == bm && ad == bd
	case domain.ResetMonthly:
		return ay == by && am == bm
	case domain.ResetYearly:
		return ay == by
	}
	return true
}

// Truncate 截断到日期（in loc），用于 reset_date
func Truncate(t time.Time, loc *time.Location) time.Time {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// NextValues 在一个已加锁的序号上计算本次分配结果。
// current/resetDate 为存储中的值（exists=false 表示首次分配），n 为分配个数。
// 返回 (新 current_seq, 新 reset_date, 分配的 n 个值)。
func (c *Counter) NextValues(current int64, resetDate time.Time, exists bool, today time.Time, n int) (int64, time.Time, []int64) {
	base := c.InitialValue - c.Step
	if !exists {
		current = base
		resetDate = today
	} else if !SamePeriod(c.ResetCycle, resetDate, today) {
		current = base
		resetDate = today
	}
	values := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		current += c.Step
		values = append(values, current)
	}
	return current, resetDate, values
}

// Peek 预览下一次分配的值（不改变状态）
func (c *Counter) Peek(current int64, resetDate time.Time, exists bool, today time.Time) int64 {
	_, _, vals := c.NextValues(current, resetDate, exists, today, 1)
	return vals[0]
}
