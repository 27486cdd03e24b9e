package config

import (
	"fmt"
	"strings"
)

type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
)

// Issue is a single validation finding. Path is a dotted path into the
// config, e.g. "database.kind".
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue has SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks a normalized Config. It does not mutate c.
func (c Config) Validate() []Issue {
	var issues []Issue

	if !strings.HasPrefix(c.Input.Extension, ".") {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "input.extension",
			Message:  fmt.Sprintf("extension %q must start with a dot", c.Input.Extension),
		})
	}
	if c.Input.SongRoot == c.Input.LogRoot {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "input.log_root",
			Message:  "song_root and log_root are the same directory; song files will be parsed as logs",
		})
	}
	if strings.TrimSpace(c.Log.NextSongPage) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "log.next_song_page",
			Message:  "next_song_page must not be blank",
		})
	}

	issues = append(issues, c.Database.validate()...)
	return issues
}

func (d Database) validate() []Issue {
	var issues []Issue

	switch d.Kind {
	case "postgres", "mssql":
		if d.DSN == "" && d.User == "" {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     "database.user",
				Message:  "no user configured; the driver default will be used",
			})
		}
		if d.Port < 0 || d.Port > 65535 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "database.port",
				Message:  fmt.Sprintf("port %d out of range", d.Port),
			})
		}
	case "sqlite":
		if d.DSN == "" && strings.TrimSpace(d.Path) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "database.path",
				Message:  "sqlite requires a path or dsn",
			})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "database.kind",
			Message:  fmt.Sprintf("unknown database kind %q (want postgres|sqlite|mssql)", d.Kind),
		})
	}

	if d.TimeoutSeconds < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "database.timeout_seconds",
			Message:  "timeout_seconds must not be negative",
		})
	}
	return issues
}
