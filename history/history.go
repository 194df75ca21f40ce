// Package history reads browser visit history from on-disk sqlite
// databases. Browsers keep their history files locked while running, so
// each read copies the database to a temp file first and queries the
// copy read-only.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "modernc.org/sqlite"
)

// Flavor selects the schema a history database uses.
type Flavor string

const (
	// FlavorChromium covers Chrome, Edge, Brave and other Blink
	// browsers: an `urls` table with WebKit-epoch timestamps.
	FlavorChromium Flavor = "chromium"
	// FlavorFirefox covers the moz_places schema with Unix-epoch
	// microsecond timestamps.
	FlavorFirefox Flavor = "firefox"
)

// Source is one browser history database to poll.
type Source struct {
	Browser string
	Path    string
	Flavor  Flavor
}

// Visit is one page visit extracted from a history database.
type Visit struct {
	Browser   string
	URL       string
	Title     string
	VisitedAt time.Time
}

// Reader polls a fixed set of history databases.
type Reader struct {
	sources []Source
	tempDir string
}

// NewReader builds a reader over the given sources. Sources whose file
// does not exist are skipped at read time, not rejected here.
func NewReader(sources []Source) *Reader {
	return &Reader{sources: sources, tempDir: os.TempDir()}
}

// DefaultSources returns the history database locations for the
// browsers installed in standard paths on this platform.
func DefaultSources() []Source {
	var sources []Source
	switch runtime.GOOS {
	case "windows":
		local := os.Getenv("LOCALAPPDATA")
		if local != "" {
			sources = append(sources,
				Source{Browser: "chrome", Flavor: FlavorChromium,
					Path: filepath.Join(local, "Google", "Chrome", "User Data", "Default", "History")},
				Source{Browser: "edge", Flavor: FlavorChromium,
					Path: filepath.Join(local, "Microsoft", "Edge", "User Data", "Default", "History")},
			)
		}
		if appData := os.Getenv("APPDATA"); appData != "" {
			sources = append(sources, firefoxProfiles(filepath.Join(appData, "Mozilla", "Firefox", "Profiles"))...)
		}
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		sources = append(sources,
			Source{Browser: "chrome", Flavor: FlavorChromium,
				Path: filepath.Join(home, ".config", "google-chrome", "Default", "History")},
			Source{Browser: "chromium", Flavor: FlavorChromium,
				Path: filepath.Join(home, ".config", "chromium", "Default", "History")},
		)
		sources = append(sources, firefoxProfiles(filepath.Join(home, ".mozilla", "firefox"))...)
	}
	return sources
}

// firefoxProfiles finds places.sqlite databases under the profiles dir.
func firefoxProfiles(profilesDir string) []Source {
	entries, err := os.ReadDir(profilesDir)
	if err != nil {
		return nil
	}
	var sources []Source
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		db := filepath.Join(profilesDir, e.Name(), "places.sqlite")
		if _, err := os.Stat(db); err == nil {
			sources = append(sources, Source{Browser: "firefox", Flavor: FlavorFirefox, Path: db})
		}
	}
	return sources
}

// VisitsSince returns all visits newer than since across every readable
// source. A source that cannot be read is skipped; the last such error
// is returned alongside the visits that did succeed.
func (r *Reader) VisitsSince(ctx context.Context, since time.Time) ([]Visit, error) {
	var visits []Visit
	var lastErr error
	for _, src := range r.sources {
		if _, err := os.Stat(src.Path); err != nil {
			continue
		}
		vs, err := r.readSource(ctx, src, since)
		if err != nil {
			lastErr = fmt.Errorf("read %s history: %w", src.Browser, err)
			continue
		}
		visits = append(visits, vs...)
	}
	return visits, lastErr
}

func (r *Reader) readSource(ctx context.Context, src Source, since time.Time) ([]Visit, error) {
	tmp, err := copyToTemp(src.Path, r.tempDir)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	db, err := sql.Open("sqlite", "file:"+tmp+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open history copy: %w", err)
	}
	defer db.Close()

	switch src.Flavor {
	case FlavorFirefox:
		return queryFirefox(ctx, db, src.Browser, since)
	default:
		return queryChromium(ctx, db, src.Browser, since)
	}
}

// webkitUnixDeltaMicros is the offset between the WebKit epoch
// (1601-01-01) and the Unix epoch, in microseconds. The conversion is
// plain integer math: the 424-year offset does not fit in a
// time.Duration.
const webkitUnixDeltaMicros int64 = 11644473600000000

func toWebkitMicros(t time.Time) int64 {
	us := t.UnixMicro() + webkitUnixDeltaMicros
	if us < 0 {
		return 0
	}
	return us
}

func fromWebkitMicros(us int64) time.Time {
	return time.UnixMicro(us - webkitUnixDeltaMicros).UTC()
}

func queryChromium(ctx context.Context, db *sql.DB, browser string, since time.Time) ([]Visit, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT url, title, last_visit_time FROM urls
		 WHERE last_visit_time > ? ORDER BY last_visit_time ASC`,
		toWebkitMicros(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visits []Visit
	for rows.Next() {
		var url, title sql.NullString
		var ts int64
		if err := rows.Scan(&url, &title, &ts); err != nil {
			return nil, err
		}
		visits = append(visits, Visit{
			Browser:   browser,
			URL:       url.String,
			Title:     title.String,
			VisitedAt: fromWebkitMicros(ts),
		})
	}
	return visits, rows.Err()
}

func queryFirefox(ctx context.Context, db *sql.DB, browser string, since time.Time) ([]Visit, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT url, title, last_visit_date FROM moz_places
		 WHERE last_visit_date IS NOT NULL AND last_visit_date > ?
		 ORDER BY last_visit_date ASC`,
		since.UnixMicro())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visits []Visit
	for rows.Next() {
		var url, title sql.NullString
		var ts int64
		if err := rows.Scan(&url, &title, &ts); err != nil {
			return nil, err
		}
		visits = append(visits, Visit{
			Browser:   browser,
			URL:       url.String,
			Title:     title.String,
			VisitedAt: time.UnixMicro(ts).UTC(),
		})
	}
	return visits, rows.Err()
}

func copyToTemp(path, tempDir string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open history db: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(tempDir, "sentinel-history-*.sqlite")
	if err != nil {
		return "", fmt.Errorf("create temp copy: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("copy history db: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}
