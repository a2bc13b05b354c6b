package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/api/option"
)

// fakeGoogleAPI serves drive, sheets and calendar endpoints from one server.
type fakeGoogleAPI struct {
	driveStatus    int
	sheetsStatus   int
	calendarStatus int

	driveCalls    atomic.Int64
	sheetsCreates atomic.Int64
	deletes       atomic.Int64
}

func (f *fakeGoogleAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.Path, "/calendarList"):
			if f.calendarStatus != http.StatusOK {
				w.WriteHeader(f.calendarStatus)
				fmt.Fprint(w, `{"error":{"code":403,"message":"forbidden"}}`)
				return
			}
			fmt.Fprint(w, `{"items":[]}`)
		case strings.Contains(r.URL.Path, "/spreadsheets"):
			f.sheetsCreates.Add(1)
			if f.sheetsStatus != http.StatusOK {
				w.WriteHeader(f.sheetsStatus)
				fmt.Fprint(w, `{"error":{"code":403,"message":"forbidden"}}`)
				return
			}
			fmt.Fprint(w, `{"spreadsheetId":"probe-sheet-1"}`)
		case r.Method == http.MethodDelete:
			f.deletes.Add(1)
			w.WriteHeader(http.StatusNoContent)
		case strings.Contains(r.URL.Path, "/files"):
			f.driveCalls.Add(1)
			if f.driveStatus != http.StatusOK {
				w.WriteHeader(f.driveStatus)
				fmt.Fprint(w, `{"error":{"code":403,"message":"forbidden"}}`)
				return
			}
			fmt.Fprint(w, `{"files":[]}`)
		default:
			fmt.Fprint(w, `{}`)
		}
	})
}

func testProber(t *testing.T, api *fakeGoogleAPI) *Prober {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	p := New(slog.New(slog.DiscardHandler), option.WithEndpoint(srv.URL))
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func allOK() *fakeGoogleAPI {
	return &fakeGoogleAPI{
		driveStatus:    http.StatusOK,
		sheetsStatus:   http.StatusOK,
		calendarStatus: http.StatusOK,
	}
}

func TestProber_AllGranted(t *testing.T) {
	api := allOK()
	p := testProber(t, api)

	res := p.Probe(context.Background(), "tok")

	if !res.Drive || !res.Sheets || !res.Calendar {
		t.Errorf("Probe() = %+v, want all true", res)
	}
	if !res.RequiredOK() {
		t.Error("RequiredOK() = false, want true")
	}
	if api.deletes.Load() == 0 {
		t.Error("sheets probe must delete the spreadsheet it created")
	}
}

func TestProber_CalendarOptional(t *testing.T) {
	api := allOK()
	api.calendarStatus = http.StatusForbidden
	p := testProber(t, api)

	res := p.Probe(context.Background(), "tok")

	if res.Calendar {
		t.Error("Calendar probe should fail")
	}
	if !res.RequiredOK() {
		t.Error("calendar failure must not block RequiredOK")
	}
}

func TestProber_RequiredFailureAfterRetries(t *testing.T) {
	api := allOK()
	api.driveStatus = http.StatusForbidden
	p := testProber(t, api)

	res := p.Probe(context.Background(), "tok")

	if res.Drive {
		t.Error("Drive probe should fail")
	}
	if res.RequiredOK() {
		t.Error("RequiredOK() = true with drive denied")
	}
	if got := api.driveCalls.Load(); got != maxAttempts {
		t.Errorf("drive probe attempts = %d, want %d", got, maxAttempts)
	}
}
