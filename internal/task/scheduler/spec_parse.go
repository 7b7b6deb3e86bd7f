package scheduler

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TimeType selects how a job's time argument is read.
type TimeType string

const (
	Delay    TimeType = "delay"
	Interval TimeType = "interval"
	Calendar TimeType = "calendar"
)

// ParseTimeType is case-insensitive.
func ParseTimeType(s string) (TimeType, error) {
	switch TimeType(strings.ToLower(strings.TrimSpace(s))) {
	case Delay:
		return Delay, nil
	case Interval:
		return Interval, nil
	case Calendar:
		return Calendar, nil
	default:
		return "", fmt.Errorf("%w: unknown time type %q (want delay, interval or calendar)", ErrUnschedulable, s)
	}
}

// Trigger is a validated time specification.
type Trigger struct {
	Type      TimeType
	Every     time.Duration // delay and interval
	Cron      string        // calendar, normalized cron expression
	Recurring bool
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseTrigger validates timeArg against the grammar of timeType.
//
// delay and interval take a duration:
//   - bare integer: seconds ("10")
//   - Go duration: "90s", "2h30m"
//   - ISO-8601 duration without years/months: "PT10M", "P1DT2H", "P2W"
//
// calendar takes a wall-clock time:
//   - "HH:MM" daily
//   - "<weekday>[,<weekday>...] HH:MM" weekly; full or 3-letter English names
//   - "cron:<expr>" any 5/6-field cron expression or descriptor
//
// Every failure wraps ErrUnschedulable.
func ParseTrigger(timeType, timeArg string) (Trigger, error) {
	tt, err := ParseTimeType(timeType)
	if err != nil {
		return Trigger{}, err
	}
	switch tt {
	case Delay, Interval:
		d, err := parseDuration(timeArg)
		if err != nil {
			return Trigger{}, fmt.Errorf("%w: %s %q: %v", ErrUnschedulable, tt, timeArg, err)
		}
		// cron.Every truncates to whole seconds with a 1s floor.
		if tt == Interval && d%time.Second != 0 {
			return Trigger{}, fmt.Errorf("%w: interval %q: must be a whole number of seconds", ErrUnschedulable, timeArg)
		}
		return Trigger{Type: tt, Every: d, Recurring: tt == Interval}, nil
	default:
		expr, err := parseCalendar(timeArg)
		if err != nil {
			return Trigger{}, fmt.Errorf("%w: calendar %q: %v", ErrUnschedulable, timeArg, err)
		}
		return Trigger{Type: Calendar, Cron: expr, Recurring: true}, nil
	}
}

var (
	reDigits = regexp.MustCompile(`^[+-]?\d+$`)
	reISO    = regexp.MustCompile(`^P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)
)

func parseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("duration required")
	}

	var d time.Duration
	switch {
	case reDigits.MatchString(s):
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, err
		}
		if n > math.MaxInt64/int64(time.Second) {
			return 0, fmt.Errorf("duration too large")
		}
		d = time.Duration(n) * time.Second
	case s[0] == 'P' || s[0] == 'p':
		var err error
		d, err = parseISODuration(strings.ToUpper(s))
		if err != nil {
			return 0, err
		}
	default:
		var err error
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("use seconds, a duration like 90s or 2h30m, or ISO-8601 like PT10M")
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be > 0")
	}
	return d, nil
}

func parseISODuration(s string) (time.Duration, error) {
	m := reISO.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute}
	var total float64
	for i, u := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, err
		}
		total += float64(n) * float64(u)
	}
	if m[5] != "" {
		f, err := strconv.ParseFloat(m[5], 64)
		if err != nil {
			return 0, err
		}
		total += f * float64(time.Second)
	}
	if total > math.MaxInt64 {
		return 0, fmt.Errorf("duration too large")
	}
	return time.Duration(total), nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseCalendar(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("time required")
	}

	var expr string
	if strings.HasPrefix(strings.ToLower(s), "cron:") {
		expr = strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return "", fmt.Errorf("cron expression required after 'cron:'")
		}
	} else {
		fields := strings.Fields(s)
		switch len(fields) {
		case 1:
			h, m, err := parseHHMM(fields[0])
			if err != nil {
				return "", err
			}
			expr = fmt.Sprintf("%d %d * * *", m, h)
		case 2:
			days, err := parseWeekdays(fields[0])
			if err != nil {
				return "", err
			}
			h, m, err := parseHHMM(fields[1])
			if err != nil {
				return "", err
			}
			expr = fmt.Sprintf("%d %d * * %s", m, h, days)
		default:
			return "", fmt.Errorf("expected HH:MM, '<weekday> HH:MM' or 'cron:<expr>'")
		}
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return "", err
	}
	if sched.Next(time.Now()).IsZero() {
		return "", fmt.Errorf("expression never fires")
	}
	return expr, nil
}

func parseWeekdays(s string) (string, error) {
	parts := strings.Split(s, ",")
	seen := map[time.Weekday]bool{}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(p))]
		if !ok {
			return "", fmt.Errorf("invalid weekday %q", p)
		}
		if seen[wd] {
			continue
		}
		seen[wd] = true
		out = append(out, strconv.Itoa(int(wd)))
	}
	return strings.Join(out, ","), nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
