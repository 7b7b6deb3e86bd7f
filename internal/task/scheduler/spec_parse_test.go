package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestParseTriggerDurations(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		timeType string
		arg      string
		want     time.Duration
	}{
		{name: "bare seconds", timeType: "delay", arg: "10", want: 10 * time.Second},
		{name: "go duration", timeType: "delay", arg: "2h30m", want: 150 * time.Minute},
		{name: "iso minutes", timeType: "interval", arg: "PT10M", want: 10 * time.Minute},
		{name: "iso days and hours", timeType: "interval", arg: "P1DT2H", want: 26 * time.Hour},
		{name: "iso weeks", timeType: "interval", arg: "P2W", want: 14 * 24 * time.Hour},
		{name: "iso fractional seconds lower case", timeType: "delay", arg: "pt1.5s", want: 1500 * time.Millisecond},
		{name: "type is case-insensitive", timeType: "INTERVAL", arg: "5", want: 5 * time.Second},
		{name: "sub-second delay", timeType: "delay", arg: "300ms", want: 300 * time.Millisecond},
		{name: "whole-second interval from minutes", timeType: "interval", arg: "1.5m", want: 90 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTrigger(tt.timeType, tt.arg)
			if err != nil {
				t.Fatalf("ParseTrigger(%q, %q) error: %v", tt.timeType, tt.arg, err)
			}
			if got.Every != tt.want {
				t.Fatalf("Every = %v, want %v", got.Every, tt.want)
			}
			if got.Recurring != (got.Type == Interval) {
				t.Fatalf("Recurring = %v for %s", got.Recurring, got.Type)
			}
		})
	}
}

func TestParseTriggerCalendar(t *testing.T) {
	t.Parallel()
	tests := []struct {
		arg  string
		cron string
	}{
		{arg: "10:30", cron: "30 10 * * *"},
		{arg: "monday 08:05", cron: "5 8 * * 1"},
		{arg: "Sat,sun 22:00", cron: "0 22 * * 6,0"},
		{arg: "cron:*/15 * * * *", cron: "*/15 * * * *"},
		{arg: "cron:@daily", cron: "@daily"},
	}
	for _, tt := range tests {
		got, err := ParseTrigger("calendar", tt.arg)
		if err != nil {
			t.Fatalf("ParseTrigger(calendar, %q) error: %v", tt.arg, err)
		}
		if got.Cron != tt.cron || !got.Recurring {
			t.Fatalf("ParseTrigger(calendar, %q) = %+v, want cron %q", tt.arg, got, tt.cron)
		}
	}
}

func TestParseTriggerRejects(t *testing.T) {
	t.Parallel()
	tests := []struct{ timeType, arg string }{
		{"delay", "0"},
		{"delay", "-5"},
		{"delay", ""},
		{"interval", "soon"},
		{"interval", "-1m"},
		{"interval", "P"},
		{"interval", "PT"},
		{"interval", "P1Y"},
		{"interval", "300ms"},
		{"interval", "1.5s"},
		{"interval", "PT2.5S"},
		{"calendar", "25:00"},
		{"calendar", "10:7"},
		{"calendar", "funday 10:00"},
		{"calendar", "monday 10:00 extra"},
		{"calendar", "cron:not a cron"},
		{"calendar", "cron:0 0 30 2 *"},
		{"weekly", "10:00"},
	}
	for _, tt := range tests {
		_, err := ParseTrigger(tt.timeType, tt.arg)
		if !errors.Is(err, ErrUnschedulable) {
			t.Fatalf("ParseTrigger(%q, %q) = %v, want ErrUnschedulable", tt.timeType, tt.arg, err)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}
}
