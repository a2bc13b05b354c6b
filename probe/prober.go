// Package probe confirms live access to each protected resource API. A scope
// claim from introspection alone is not trusted: every resource gets one
// minimal call to prove the grant actually works.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Scope strings for the probed resources.
const (
	ScopeDrive    = "https://www.googleapis.com/auth/drive"
	ScopeSheets   = "https://www.googleapis.com/auth/spreadsheets"
	ScopeCalendar = "https://www.googleapis.com/auth/calendar"
)

const (
	// maxAttempts is one initial try plus two retries.
	maxAttempts = 3

	// backoffStep is the linear backoff unit between attempts.
	backoffStep = 500 * time.Millisecond
)

// Results holds per-resource live-probe outcomes. Drive and Sheets access is
// required; Calendar is optional.
type Results struct {
	Drive    bool
	Sheets   bool
	Calendar bool
}

// RequiredOK reports whether every required resource probe succeeded.
func (r Results) RequiredOK() bool {
	return r.Drive && r.Sheets
}

// Prober issues the probe calls. clientOpts is appended to every service
// constructor, letting tests point the services at a fake endpoint.
type Prober struct {
	logger     *slog.Logger
	clientOpts []option.ClientOption
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a Prober.
func New(logger *slog.Logger, clientOpts ...option.ClientOption) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		logger:     logger,
		clientOpts: clientOpts,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Prober) serviceOpts(token string) []option.ClientOption {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})),
	}
	return append(opts, p.clientOpts...)
}

// Probe runs every resource probe with the given token.
func (p *Prober) Probe(ctx context.Context, token string) Results {
	return Results{
		Drive:    p.withRetry(ctx, "drive", func() error { return p.probeDrive(ctx, token) }),
		Sheets:   p.withRetry(ctx, "sheets", func() error { return p.probeSheets(ctx, token) }),
		Calendar: p.withRetry(ctx, "calendar", func() error { return p.probeCalendar(ctx, token) }),
	}
}

// withRetry runs fn up to maxAttempts times with linear backoff and reports
// whether it eventually succeeded.
func (p *Prober) withRetry(ctx context.Context, resource string, fn func() error) bool {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return true
		}
		p.logger.Warn("permission probe failed", "resource", resource, "attempt", attempt, "error", err)
		if attempt == maxAttempts {
			break
		}
		if err := p.sleep(ctx, time.Duration(attempt)*backoffStep); err != nil {
			break
		}
	}
	return false
}

// probeDrive lists at most one file; read-only, no side effects.
func (p *Prober) probeDrive(ctx context.Context, token string) error {
	srv, err := drive.NewService(ctx, p.serviceOpts(token)...)
	if err != nil {
		return fmt.Errorf("create drive service: %w", err)
	}
	_, err = srv.Files.List().PageSize(1).Fields("files(id)").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("drive probe: %w", err)
	}
	return nil
}

// probeSheets has no side-effect-free call available, so it creates a
// throwaway spreadsheet and deletes it through Drive. The delete is attempted
// on every exit path once the spreadsheet exists.
func (p *Prober) probeSheets(ctx context.Context, token string) error {
	sheetsSrv, err := sheets.NewService(ctx, p.serviceOpts(token)...)
	if err != nil {
		return fmt.Errorf("create sheets service: %w", err)
	}

	created, err := sheetsSrv.Spreadsheets.Create(&sheets.Spreadsheet{
		Properties: &sheets.SpreadsheetProperties{Title: "taskdock-permission-probe"},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("sheets probe create: %w", err)
	}

	defer func() {
		driveSrv, derr := drive.NewService(ctx, p.serviceOpts(token)...)
		if derr != nil {
			p.logger.Warn("probe cleanup skipped", "spreadsheet", created.SpreadsheetId, "error", derr)
			return
		}
		if derr := driveSrv.Files.Delete(created.SpreadsheetId).Context(ctx).Do(); derr != nil {
			p.logger.Warn("probe cleanup failed", "spreadsheet", created.SpreadsheetId, "error", derr)
		}
	}()

	if created.SpreadsheetId == "" {
		return fmt.Errorf("sheets probe: created spreadsheet has no id")
	}
	return nil
}

// probeCalendar lists at most one calendar; read-only, no side effects.
func (p *Prober) probeCalendar(ctx context.Context, token string) error {
	srv, err := calendar.NewService(ctx, p.serviceOpts(token)...)
	if err != nil {
		return fmt.Errorf("create calendar service: %w", err)
	}
	_, err = srv.CalendarList.List().MaxResults(1).Fields("items(id)").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("calendar probe: %w", err)
	}
	return nil
}
