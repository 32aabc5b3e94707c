package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int
		want  string
	}{
		{-1, "0 B"},
		{0, "0 B"},
		{512, "512 B"},
		{8_000, "8.0 kB"},
		{100_000, "100 kB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSize(tt.bytes), tt.bytes)
	}
}

func TestFormatMillis(t *testing.T) {
	assert.Equal(t, "never", formatMillis(0))

	diffYear := time.Date(2020, time.December, 25, 8, 0, 0, 0, time.Local)
	out := formatMillis(diffYear.UnixMilli())
	assert.Contains(t, out, "Dec 25  2020")
	assert.Contains(t, out, "ago")
}

func TestFormatTime(t *testing.T) {
	now := time.Now()
	sameYear := time.Date(now.Year(), time.March, 15, 10, 30, 0, 0, time.UTC)

	result := formatTime(sameYear)
	assert.Contains(t, result, "Mar")
	assert.Contains(t, result, "10:30")
	assert.NotContains(t, result, "2020")
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	printTable(&buf, []string{"VIDEO", "STATE", "WHEN"}, [][]string{
		{"dQw4w9WgXcQ", "watched", "Jan 15 10:30"},
		{"jNQXAC9IVRw", "unwatched", "Feb  1 09:00"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "VIDEO        STATE      WHEN", lines[0])
	assert.Equal(t, "dQw4w9WgXcQ  watched    Jan 15 10:30", lines[1])
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer

	assert.NoError(t, printJSON(&buf, map[string]int{"removed": 2}))
	assert.JSONEq(t, `{"removed":2}`, buf.String())
}
