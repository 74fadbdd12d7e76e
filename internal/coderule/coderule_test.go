package coderule

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

func poRule(t *testing.T) *Rule {
	t.Helper()
	r, err := Compile(&domain.CodeRule{
		Code: "PO_CODE",
		Components: json.RawMessage(`[
			{"type":"fixed_text","order":0,"text":"PO"},
			{"type":"date","order":1,"format":"YYYYMMDD"},
			{"type":"auto_counter","order":2,"digits":4,"initial_value":1,"reset_cycle":"daily"}
		]`),
		SeqStart: 1,
		SeqStep:  1,
	})
	require.NoError(t, err)
	return r
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func TestRender_DailyReset(t *testing.T) {
	r := poRule(t)
	require.NotNil(t, r.Counter)

	d1 := day(2026, 3, 1)
	cur, reset, vals := r.Counter.NextValues(0, time.Time{}, false, Truncate(d1, nil), 1)
	assert.Equal(t, "PO202603010001", r.Render(d1, vals[0], nil))

	cur, reset, vals = r.Counter.NextValues(cur, reset, true, Truncate(d1, nil), 1)
	assert.Equal(t, "PO202603010002", r.Render(d1, vals[0], nil))

	d2 := day(2026, 3, 2)
	_, reset, vals = r.Counter.NextValues(cur, reset, true, Truncate(d2, nil), 1)
	assert.Equal(t, "PO202603020001", r.Render(d2, vals[0], nil))
	assert.Equal(t, Truncate(d2, nil), reset)
}

func TestNextValues_Batch(t *testing.T) {
	c := &Counter{Digits: 3, InitialValue: 10, Step: 5, ResetCycle: domain.ResetNever}
	cur, _, vals := c.NextValues(0, time.Time{}, false, day(2026, 1, 1), 3)
	assert.Equal(t, []int64{10, 15, 20}, vals)
	assert.Equal(t, int64(20), cur)

	// never 不因日期变化而重置
	cur, _, vals = c.NextValues(cur, day(2020, 1, 1), true, day(2026, 1, 1), 1)
	assert.Equal(t, []int64{25}, vals)
	assert.Equal(t, int64(25), cur)
}

func TestPeek_DoesNotAdvance(t *testing.T) {
	c := &Counter{Digits: 4, InitialValue: 1, Step: 1, ResetCycle: domain.ResetNever}
	assert.Equal(t, int64(43), c.Peek(42, day(2026, 1, 1), true, day(2026, 1, 1)))
	assert.Equal(t, int64(1), c.Peek(0, time.Time{}, false, day(2026, 1, 1)))
}

func TestSamePeriod(t *testing.T) {
	tests := []struct {
		name  string
		cycle domain.ResetRule
		a, b  time.Time
		want  bool
	}{
		{"daily same", domain.ResetDaily, day(2026, 3, 1), day(2026, 3, 1), true},
		{"daily next", domain.ResetDaily, day(2026, 3, 1), day(2026, 3, 2), false},
		{"monthly same", domain.ResetMonthly, day(2026, 3, 1), day(2026, 3, 31), true},
		{"monthly next", domain.ResetMonthly, day(2026, 3, 31), day(2026, 4, 1), false},
		{"monthly other year", domain.ResetMonthly, day(2025, 3, 1), day(2026, 3, 1), false},
		{"yearly same", domain.ResetYearly, day(2026, 1, 1), day(2026, 12, 31), true},
		{"yearly next", domain.ResetYearly, day(2026, 12, 31), day(2027, 1, 1), false},
		{"never", domain.ResetNever, day(2000, 1, 1), day(2026, 1, 1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SamePeriod(tt.cycle, tt.a, tt.b))
		})
	}
}

func TestFormatDate(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 5, 7, 0, time.UTC)
	assert.Equal(t, "20260301", FormatDate("YYYYMMDD", ts))
	assert.Equal(t, "260301", FormatDate("YYMMDD", ts))
	assert.Equal(t, "2026-03", FormatDate("YYYY-MM", ts))
	assert.Equal(t, "090507", FormatDate("HHmmss", ts))
}

func TestPadCounter(t *testing.T) {
	assert.Equal(t, "0007", PadCounter(7, 4))
	assert.Equal(t, "12345", PadCounter(12345, 4))
	assert.Equal(t, "-007", PadCounter(-7, 3))
}

func TestRender_FormFieldAndNoCounter(t *testing.T) {
	r, err := Compile(&domain.CodeRule{
		Code: "MAT_BATCH",
		Components: json.RawMessage(`[
			{"type":"variable","order":1,"field":"material_code","default":"X"},
			{"type":"literal","order":0,"text":"B-"}
		]`),
	})
	require.NoError(t, err)
	assert.Nil(t, r.Counter)
	now := day(2026, 1, 1)
	assert.Equal(t, "B-M100", r.Render(now, 0, map[string]string{"material_code": "M100"}))
	assert.Equal(t, "B-X", r.Render(now, 0, nil))
}

func TestCompile_RuleLevelDefaults(t *testing.T) {
	r, err := Compile(&domain.CodeRule{
		Code:       "X",
		Components: json.RawMessage(`[{"type":"counter"}]`),
		SeqStart:   100,
		SeqStep:    0,
		ResetRule:  domain.ResetMonthly,
	})
	require.NoError(t, err)
	require.NotNil(t, r.Counter)
	assert.Equal(t, int64(100), r.Counter.InitialValue)
	assert.Equal(t, int64(1), r.Counter.Step)
	assert.Equal(t, 4, r.Counter.Digits)
	assert.Equal(t, domain.ResetMonthly, r.Counter.ResetCycle)
}

func TestParseComponents_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", `[]`},
		{"null", `null`},
		{"malformed", `{"type":`},
		{"two counters", `[{"type":"auto_counter"},{"type":"auto_counter"}]`},
		{"unknown type", `[{"type":"emoji"}]`},
		{"bad digits", `[{"type":"auto_counter","digits":40}]`},
		{"bad reset", `[{"type":"auto_counter","reset_cycle":"hourly"}]`},
		{"field missing", `[{"type":"form_field"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseComponents(json.RawMessage(tt.raw))
			require.Error(t, err)
			e, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, apperr.CodeConfiguration, e.ErrorCode())
		})
	}
}

func TestPresets_Compile(t *testing.T) {
	for _, p := range Presets {
		r, err := Compile(p.Rule(1))
		require.NoError(t, err, p.Code)
		require.NotNil(t, r.Counter, p.Code)
		assert.Equal(t, p.ResetRule, r.Counter.ResetCycle)
	}
}
