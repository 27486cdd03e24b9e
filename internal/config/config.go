// Package config holds the run configuration shared by the create_tables and
// etl commands: input roots, the song-play page filter and the database
// target.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultJob          = "sparkify_etl"
	DefaultSongRoot     = "./data/song_data"
	DefaultLogRoot      = "./data/log_data"
	DefaultExtension    = ".json"
	DefaultNextSongPage = "NextSong"
	DefaultKind         = "postgres"
	DefaultHost         = "127.0.0.1"
	DefaultDBName       = "sparkifydb"
	DefaultSQLitePath   = "sparkifydb.sqlite"
	DefaultTimeout      = 30 * time.Second
)

type Config struct {
	Job      string   `json:"job" yaml:"job"`
	Input    Input    `json:"input" yaml:"input"`
	Log      Log      `json:"log" yaml:"log"`
	Database Database `json:"database" yaml:"database"`
}

type Input struct {
	SongRoot  string `json:"song_root" yaml:"song_root"`
	LogRoot   string `json:"log_root" yaml:"log_root"`
	Extension string `json:"extension" yaml:"extension"`
}

type Log struct {
	// NextSongPage is the page value that marks a song-play event.
	NextSongPage string `json:"next_song_page" yaml:"next_song_page"`
}

// Database describes the target. DSN, when set, is used verbatim (after
// environment expansion); otherwise it is built from the discrete fields.
type Database struct {
	Kind           string `json:"kind" yaml:"kind"` // postgres | sqlite | mssql
	DSN            string `json:"dsn" yaml:"dsn"`
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	Name           string `json:"name" yaml:"name"`
	User           string `json:"user" yaml:"user"`
	Password       string `json:"password" yaml:"password"`
	SSLMode        string `json:"sslmode" yaml:"sslmode"`
	Path           string `json:"path" yaml:"path"` // sqlite only
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Unmarshal decodes data as YAML when path ends in .yaml/.yml and as JSON
// otherwise.
func Unmarshal(path string, data []byte, v any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, v)
	default:
		return json.Unmarshal(data, v)
	}
}

// Load reads, decodes and normalizes the config at path. A missing path
// yields the defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Unmarshal(path, data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.Normalize()
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Normalize expands ${VAR} references in database fields and fills defaults.
func (c *Config) Normalize() {
	db := &c.Database
	for _, s := range []*string{&db.Kind, &db.DSN, &db.Host, &db.Name, &db.User, &db.Password, &db.SSLMode, &db.Path} {
		*s = strings.TrimSpace(os.ExpandEnv(*s))
	}

	if strings.TrimSpace(c.Job) == "" {
		c.Job = DefaultJob
	}
	if c.Input.SongRoot == "" {
		c.Input.SongRoot = DefaultSongRoot
	}
	if c.Input.LogRoot == "" {
		c.Input.LogRoot = DefaultLogRoot
	}
	if c.Input.Extension == "" {
		c.Input.Extension = DefaultExtension
	}
	if c.Log.NextSongPage == "" {
		c.Log.NextSongPage = DefaultNextSongPage
	}

	db.Kind = strings.ToLower(db.Kind)
	if db.Kind == "" {
		db.Kind = DefaultKind
	}
	if db.Host == "" {
		db.Host = DefaultHost
	}
	if db.Name == "" {
		db.Name = DefaultDBName
	}
	if db.Path == "" {
		db.Path = DefaultSQLitePath
	}
	if db.Kind == "postgres" && db.SSLMode == "" {
		db.SSLMode = "disable"
	}
	if db.Port == 0 {
		switch db.Kind {
		case "postgres":
			db.Port = 5432
		case "mssql":
			db.Port = 1433
		}
	}
	if db.TimeoutSeconds == 0 {
		db.TimeoutSeconds = int(DefaultTimeout / time.Second)
	}
}

// Timeout is the per-call database deadline.
func (d Database) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// ConnString returns the driver connection string for Kind.
func (d Database) ConnString() (string, error) {
	if d.DSN != "" {
		return d.DSN, nil
	}
	hostPort := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))

	switch d.Kind {
	case "postgres":
		u := url.URL{Scheme: "postgres", Host: hostPort, Path: "/" + d.Name}
		u.User = userInfo(d.User, d.Password)
		q := url.Values{}
		if d.SSLMode != "" {
			q.Set("sslmode", d.SSLMode)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	case "mssql":
		u := url.URL{Scheme: "sqlserver", Host: hostPort}
		u.User = userInfo(d.User, d.Password)
		q := url.Values{}
		q.Set("database", d.Name)
		u.RawQuery = q.Encode()
		return u.String(), nil
	case "sqlite":
		return d.Path, nil
	default:
		return "", fmt.Errorf("config: unsupported database kind %q", d.Kind)
	}
}

func userInfo(user, password string) *url.Userinfo {
	switch {
	case user == "":
		return nil
	case password == "":
		return url.User(user)
	default:
		return url.UserPassword(user, password)
	}
}
