package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const holidaysICS = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//bellsched//test//EN
BEGIN:VEVENT
UID:christmas@test
DTSTAMP:20170101T000000Z
DTSTART;VALUE=DATE:20161225
DTEND;VALUE=DATE:20161226
RRULE:FREQ=YEARLY
EXDATE;VALUE=DATE:20191225
SUMMARY:Christmas Day
END:VEVENT
BEGIN:VEVENT
UID:break@test
DTSTAMP:20170101T000000Z
DTSTART;VALUE=DATE:20171023
DTEND;VALUE=DATE:20171026
SUMMARY:Fall Break
END:VEVENT
BEGIN:VEVENT
UID:assembly@test
DTSTAMP:20170101T000000Z
DTSTART:20170824T100000
DTEND:20170824T110000
SUMMARY:Assembly
END:VEVENT
END:VCALENDAR
`

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func localDate(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}

func TestParseICS(t *testing.T) {
	events, err := ParseICS(Source{ID: "holidays"}, crlf(holidaysICS))
	require.NoError(t, err)
	require.Len(t, events, 3)

	byUID := map[string]ParsedEvent{}
	for _, ev := range events {
		byUID[ev.UID] = ev
	}
	xmas := byUID["christmas@test"]
	assert.True(t, xmas.AllDay)
	assert.Equal(t, "FREQ=YEARLY", xmas.RawRRule)
	require.Len(t, xmas.ExDates, 1)
	assert.Equal(t, "Christmas Day", xmas.Summary)

	assert.False(t, byUID["assembly@test"].AllDay)

	_, err = ParseICS(Source{ID: "empty"}, nil)
	assert.Error(t, err)
}

func TestFeedOn(t *testing.T) {
	feed, err := NewFeed(Source{ID: "holidays"}, crlf(holidaysICS), "")
	require.NoError(t, err)

	tests := []struct {
		name    string
		day     time.Time
		hit     bool
		summary string
	}{
		{"recurring yearly", localDate(2017, time.December, 25), true, "Christmas Day"},
		{"recurring later year", localDate(2024, time.December, 25), true, "Christmas Day"},
		{"exdate removes occurrence", localDate(2019, time.December, 25), false, ""},
		{"day after all-day event", localDate(2017, time.December, 26), false, ""},
		{"multi-day first", localDate(2017, time.October, 23), true, "Fall Break"},
		{"multi-day last", localDate(2017, time.October, 25), true, "Fall Break"},
		{"multi-day end exclusive", localDate(2017, time.October, 26), false, ""},
		{"timed event", localDate(2017, time.August, 24), true, "Assembly"},
		{"plain day", localDate(2017, time.August, 23), false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			occ, ok := feed.On(tt.day.Add(13 * time.Hour))
			assert.Equal(t, tt.hit, ok)
			if tt.hit {
				assert.Equal(t, tt.summary, occ.Summary)
			}
		})
	}
}

func TestFeedMatchFilter(t *testing.T) {
	feed, err := NewFeed(Source{ID: "holidays"}, crlf(holidaysICS), "BREAK")
	require.NoError(t, err)

	_, ok := feed.On(localDate(2017, time.December, 25))
	assert.False(t, ok)
	_, ok = feed.On(localDate(2017, time.October, 24))
	assert.True(t, ok)
}

func TestFetchLocalPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holidays.ics")
	require.NoError(t, os.WriteFile(path, crlf(holidaysICS), 0o600))

	f := NewFetcher(t.TempDir())
	res, err := f.FetchOne(context.Background(), Source{ID: "local", Path: path})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, crlf(holidaysICS), res.Body)
}

func TestFetchUsesCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch n {
		case 1:
			w.Header().Set("ETag", `"v1"`)
			_, _ = w.Write(crlf(holidaysICS))
		case 2:
			assert.Equal(t, `"v1"`, r.Header.Get("If-None-Match"))
			w.WriteHeader(http.StatusNotModified)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	src := Source{ID: "remote", URL: srv.URL + "/holidays.ics"}

	first, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)

	third, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, third.FromCache)

	_, err = f.FetchOne(context.Background(), Source{ID: "broken"})
	assert.Error(t, err)
}

func TestFetchWithoutUsableCacheDir(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(crlf(holidaysICS))
	}))
	defer srv.Close()

	// A regular file where the cache directory should be makes MkdirAll fail.
	blocker := filepath.Join(t.TempDir(), "cache")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	f := NewFetcher(filepath.Join(blocker, "ics"))
	res, err := f.FetchOne(context.Background(), Source{ID: "remote", URL: srv.URL + "/holidays.ics"})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Contains(t, string(res.Body), "christmas@test")
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://example.com/...(redacted)", redactURL("https://example.com/private.ics?token=abc"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
