package browser

import (
	"fmt"
	"html"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

var (
	countPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(k|w|m|千|万|亿)?(?:$|[^a-z])`)

	relativeZH = regexp.MustCompile(`(\d+)\s*(秒|分钟|小时|天|周|个月|年)前`)
	relativeEN = regexp.MustCompile(`(\d+)\s*(second|minute|hour|day|week|month|year)s?\s+ago`)
	clockPart  = regexp.MustCompile(`(\d{1,2}):(\d{2})`)

	strictPolicy = bluemonday.StrictPolicy()
)

var countMultipliers = map[string]float64{
	"":  1,
	"k": 1e3,
	"千": 1e3,
	"w": 1e4,
	"万": 1e4,
	"m": 1e6,
	"亿": 1e8,
}

// ParseCount converts compact engagement counts such as "1.2k", "3万",
// "1,024" or "阅读 2.5w" to an integer.
func ParseCount(s string) (int64, error) {
	clean := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
	m := countPattern.FindStringSubmatch(clean)
	if m == nil {
		return 0, fmt.Errorf("parse count %q: no number", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parse count %q: %w", s, err)
	}
	count := math.Round(value * countMultipliers[m[2]])
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if count >= math.MaxInt64 {
		return 0, fmt.Errorf("parse count %q: out of range", s)
	}
	return int64(count), nil
}

var absoluteLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006/01/02",
	"2006.01.02",
	"2006年01月02日 15:04",
	"2006年1月2日 15:04",
	"2006年01月02日",
	"2006年1月2日",
}

// Layouts without a year are resolved against the year of now, or the
// year before when that would put the date after now.
var yearlessLayouts = []string{
	"01-02 15:04",
	"01-02",
	"1月2日 15:04",
	"1月2日",
}

// ParseDate converts the relative ("3小时前", "2 days ago", "昨天 12:30")
// and absolute date strings platforms print next to posts and comments.
// Relative forms are resolved against now.
func ParseDate(s string, now time.Time) (time.Time, error) {
	raw := strings.TrimSpace(s)
	lower := strings.ToLower(raw)
	loc := now.Location()

	switch {
	case lower == "":
		return time.Time{}, fmt.Errorf("parse date: empty")
	case lower == "刚刚" || lower == "just now":
		return now, nil
	case strings.HasPrefix(lower, "今天") || strings.HasPrefix(lower, "today"):
		return atClock(now, lower), nil
	case strings.HasPrefix(lower, "昨天") || strings.HasPrefix(lower, "yesterday"):
		return atClock(now.AddDate(0, 0, -1), lower), nil
	case strings.HasPrefix(lower, "前天"):
		return atClock(now.AddDate(0, 0, -2), lower), nil
	}

	if m := relativeZH.FindStringSubmatch(lower); m != nil {
		return subtract(now, m[1], m[2])
	}
	if m := relativeEN.FindStringSubmatch(lower); m != nil {
		return subtract(now, m[1], m[2])
	}

	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	for _, layout := range yearlessLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return withYear(t, now), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse date %q: unrecognised format", s)
}

func withYear(t, now time.Time) time.Time {
	out := time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if out.After(now) {
		out = time.Date(now.Year()-1, t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	}
	return out
}

func atClock(day time.Time, s string) time.Time {
	hour, minute := 0, 0
	if m := clockPart.FindStringSubmatch(s); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
	} else {
		hour, minute = day.Hour(), day.Minute()
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())
}

func subtract(now time.Time, amount, unit string) (time.Time, error) {
	n, err := strconv.Atoi(amount)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse relative date amount %q: %w", amount, err)
	}
	switch unit {
	case "秒", "second":
		return now.Add(-time.Duration(n) * time.Second), nil
	case "分钟", "minute":
		return now.Add(-time.Duration(n) * time.Minute), nil
	case "小时", "hour":
		return now.Add(-time.Duration(n) * time.Hour), nil
	case "天", "day":
		return now.AddDate(0, 0, -n), nil
	case "周", "week":
		return now.AddDate(0, 0, -7*n), nil
	case "个月", "month":
		return now.AddDate(0, -n, 0), nil
	default:
		return now.AddDate(-n, 0, 0), nil
	}
}

// CleanText strips markup from scraped text and collapses whitespace.
func CleanText(s string) string {
	text := html.UnescapeString(strictPolicy.Sanitize(s))
	return strings.Join(strings.Fields(text), " ")
}
