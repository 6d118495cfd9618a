// Package config builds the run configuration once at startup, from the
// environment first and a YAML file second.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultFile        = "config.yaml"
	defaultArchiveName = "archive.md"
	defaultPostsDir    = "mastodon"
	defaultMediaDir    = "media"
	defaultStateFile   = "sync_state.json"
	defaultTimezone    = "+08:00"
	defaultPageSize    = 40
	defaultEditWindow  = 40
	defaultWorkers     = 4
)

var ErrMissingCredentials = errors.New("mastodon instance url, user id and access token are required")

// Config is passed by value into every component; nothing below cmd reads
// the environment.
type Config struct {
	InstanceURL string
	AccountID   string
	AccessToken string

	// Root is the backup directory. ArchiveName, PostsDir and MediaDir are
	// relative to it.
	Root        string
	ArchiveName string
	PostsDir    string
	MediaDir    string

	Timezone string
	Location *time.Location

	PageSize     int
	PageLimit    int
	EditWindow   int
	MediaWorkers int

	CursorDSN      string
	RecordStoreDSN string
	ForceFull      bool

	// Source is "env" or the path of the file the credentials came from.
	Source string
}

func (c *Config) ArchivePath() string {
	return filepath.Join(c.Root, c.ArchiveName)
}

func (c *Config) PostsPath() string {
	return filepath.Join(c.Root, c.PostsDir)
}

func (c *Config) MediaPath() string {
	return filepath.Join(c.Root, c.MediaDir)
}

type fileConfig struct {
	Mastodon struct {
		InstanceURL string `yaml:"instance_url"`
		UserID      string `yaml:"user_id"`
		AccessToken string `yaml:"access_token"`
	} `yaml:"mastodon"`
	Backup struct {
		Path            string `yaml:"path"`
		ArchiveFilename string `yaml:"archive_filename"`
		PostsFolder     string `yaml:"posts_folder"`
		MediaFolder     string `yaml:"media_folder"`
		Timezone        string `yaml:"timezone"`
	} `yaml:"backup"`
	Sync struct {
		StateFile      string `yaml:"state_file"`
		CursorDSN      string `yaml:"cursor_dsn"`
		RecordStoreDSN string `yaml:"record_store_dsn"`
		PageSize       int    `yaml:"page_size"`
		PageLimit      int    `yaml:"page_limit"`
		EditWindow     int    `yaml:"edit_window"`
		MediaWorkers   int    `yaml:"media_workers"`
		ForceFullSync  bool   `yaml:"force_full_sync"`
	} `yaml:"sync"`
}

// Load reads the Mastodon credentials from MASTODON_INSTANCE_URL,
// MASTODON_USER_ID and MASTODON_ACCESS_TOKEN. When any of them is missing
// the YAML file at path (config.yaml when empty) is read instead. The other
// environment variables override file values when set.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultFile
	}

	var fc fileConfig
	source := "env"
	instanceURL := envString("MASTODON_INSTANCE_URL")
	accountID := envString("MASTODON_USER_ID")
	token := envString("MASTODON_ACCESS_TOKEN")
	if instanceURL == "" || accountID == "" || token == "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: environment incomplete and %s not found", ErrMissingCredentials, path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		instanceURL = strings.TrimSpace(fc.Mastodon.InstanceURL)
		accountID = strings.TrimSpace(fc.Mastodon.UserID)
		token = strings.TrimSpace(fc.Mastodon.AccessToken)
		source = path
	}

	cfg := &Config{
		InstanceURL:    instanceURL,
		AccountID:      accountID,
		AccessToken:    token,
		Root:           firstNonEmpty(envString("BACKUP_PATH"), fc.Backup.Path, "."),
		ArchiveName:    firstNonEmpty(envString("ARCHIVE_FILENAME"), fc.Backup.ArchiveFilename, defaultArchiveName),
		PostsDir:       firstNonEmpty(envString("POSTS_FOLDER"), fc.Backup.PostsFolder, defaultPostsDir),
		MediaDir:       firstNonEmpty(envString("MEDIA_FOLDER"), fc.Backup.MediaFolder, defaultMediaDir),
		Timezone:       firstNonEmpty(envString("TIMEZONE"), fc.Backup.Timezone, defaultTimezone),
		CursorDSN:      firstNonEmpty(envString("CURSOR_DSN"), fc.Sync.CursorDSN),
		RecordStoreDSN: firstNonEmpty(envString("RECORD_STORE_DSN"), fc.Sync.RecordStoreDSN, "archive://"),
		ForceFull:      fc.Sync.ForceFullSync,
		Source:         source,
	}
	var err error
	if cfg.PageSize, err = envInt("PAGE_SIZE", fc.Sync.PageSize, defaultPageSize); err != nil {
		return nil, err
	}
	if cfg.PageLimit, err = envInt("PAGE_LIMIT", fc.Sync.PageLimit, 0); err != nil {
		return nil, err
	}
	if cfg.EditWindow, err = envInt("EDIT_WINDOW", fc.Sync.EditWindow, defaultEditWindow); err != nil {
		return nil, err
	}
	if cfg.MediaWorkers, err = envInt("MEDIA_WORKERS", fc.Sync.MediaWorkers, defaultWorkers); err != nil {
		return nil, err
	}
	if raw := envString("FORCE_FULL_SYNC"); raw != "" {
		cfg.ForceFull = ParseBool(raw)
	}
	if cfg.CursorDSN == "" {
		stateFile := firstNonEmpty(fc.Sync.StateFile, defaultStateFile)
		if !filepath.IsAbs(stateFile) {
			stateFile = filepath.Join(cfg.Root, stateFile)
		}
		cfg.CursorDSN = "file://" + stateFile
	}
	if cfg.Location, err = ParseLocation(cfg.Timezone); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.InstanceURL == "" || c.AccountID == "" || c.AccessToken == "" {
		return ErrMissingCredentials
	}
	if !strings.HasPrefix(c.InstanceURL, "http://") && !strings.HasPrefix(c.InstanceURL, "https://") {
		return fmt.Errorf("instance url %q must start with http:// or https://", c.InstanceURL)
	}
	if c.PageSize <= 0 || c.EditWindow <= 0 || c.MediaWorkers <= 0 {
		return fmt.Errorf("page size, edit window and media workers must be positive")
	}
	if c.PageLimit < 0 {
		return fmt.Errorf("page limit must not be negative")
	}
	return nil
}

var offsetPattern = regexp.MustCompile(`^([+-])(\d{2}):?(\d{2})$`)

// ParseLocation accepts a fixed offset such as "+08:00" or an IANA zone name.
func ParseLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "utc") || name == "Z" {
		return time.UTC, nil
	}
	if m := offsetPattern.FindStringSubmatch(name); m != nil {
		hours, _ := strconv.Atoi(m[2])
		minutes, _ := strconv.Atoi(m[3])
		if hours > 14 || minutes > 59 {
			return nil, fmt.Errorf("invalid timezone offset %q", name)
		}
		offset := hours*3600 + minutes*60
		if m[1] == "-" {
			offset = -offset
		}
		return time.FixedZone(m[1]+m[2]+":"+m[3], offset), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// ParseBool reads the usual truthy spellings; anything else is false.
func ParseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func envString(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func envInt(name string, fileValue, fallback int) (int, error) {
	if raw := envString(name); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s=%q: %w", name, raw, err)
		}
		return value, nil
	}
	if fileValue != 0 {
		return fileValue, nil
	}
	return fallback, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
