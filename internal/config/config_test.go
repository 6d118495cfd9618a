package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var envNames = []string{
	"MASTODON_INSTANCE_URL", "MASTODON_USER_ID", "MASTODON_ACCESS_TOKEN",
	"BACKUP_PATH", "ARCHIVE_FILENAME", "POSTS_FOLDER", "MEDIA_FOLDER", "TIMEZONE",
	"PAGE_SIZE", "PAGE_LIMIT", "EDIT_WINDOW", "MEDIA_WORKERS",
	"CURSOR_DSN", "RECORD_STORE_DSN", "FORCE_FULL_SYNC",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range envNames {
		t.Setenv(name, "")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("MASTODON_INSTANCE_URL", "https://social.example")
	t.Setenv("MASTODON_USER_ID", "42")
	t.Setenv("MASTODON_ACCESS_TOKEN", "secret")
	t.Setenv("BACKUP_PATH", "/backup")
	t.Setenv("EDIT_WINDOW", "80")
	t.Setenv("FORCE_FULL_SYNC", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "env", cfg.Source)
	require.Equal(t, "42", cfg.AccountID)
	require.Equal(t, "/backup/archive.md", cfg.ArchivePath())
	require.Equal(t, "/backup/mastodon", cfg.PostsPath())
	require.Equal(t, "/backup/media", cfg.MediaPath())
	require.Equal(t, 80, cfg.EditWindow)
	require.Equal(t, 40, cfg.PageSize)
	require.Equal(t, 0, cfg.PageLimit)
	require.True(t, cfg.ForceFull)
	require.Equal(t, "file:///backup/sync_state.json", cfg.CursorDSN)
	require.Equal(t, "archive://", cfg.RecordStoreDSN)
	_, offset := time.Date(2024, 1, 1, 0, 0, 0, 0, cfg.Location).Zone()
	require.Equal(t, 8*3600, offset)
}

func TestLoadFallsBackToFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("MASTODON_INSTANCE_URL", "https://ignored.example")
	t.Setenv("POSTS_FOLDER", "toots")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `mastodon:
  instance_url: https://social.example
  user_id: "7"
  access_token: from-file
backup:
  path: ./backup
  archive_filename: all.md
  timezone: UTC
sync:
  state_file: state.json
  edit_window: 10
  page_limit: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, path, cfg.Source)
	require.Equal(t, "https://social.example", cfg.InstanceURL)
	require.Equal(t, "from-file", cfg.AccessToken)
	require.Equal(t, filepath.Join("backup", "all.md"), cfg.ArchivePath())
	require.Equal(t, "toots", cfg.PostsDir)
	require.Equal(t, 10, cfg.EditWindow)
	require.Equal(t, 3, cfg.PageLimit)
	require.Equal(t, "file://"+filepath.Join("backup", "state.json"), cfg.CursorDSN)
	require.Equal(t, time.UTC, cfg.Location)
}

func TestLoadFailsWithoutCredentials(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.ErrorIs(t, err, ErrMissingCredentials)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mastodon:\n  instance_url: https://social.example\n"), 0o600))
	_, err = Load(path)
	require.ErrorIs(t, err, ErrMissingCredentials)
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("MASTODON_INSTANCE_URL", "https://social.example")
	t.Setenv("MASTODON_USER_ID", "42")
	t.Setenv("MASTODON_ACCESS_TOKEN", "secret")

	t.Setenv("EDIT_WINDOW", "many")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("EDIT_WINDOW", "-1")
	_, err = Load("")
	require.Error(t, err)

	t.Setenv("EDIT_WINDOW", "")
	t.Setenv("TIMEZONE", "Mars/Olympus")
	_, err = Load("")
	require.Error(t, err)
}

func TestParseLocation(t *testing.T) {
	cases := map[string]int{
		"+08:00": 8 * 3600,
		"-0530":  -(5*3600 + 30*60),
		"UTC":    0,
		"":       0,
	}
	for in, want := range cases {
		loc, err := ParseLocation(in)
		require.NoError(t, err, in)
		_, offset := time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Zone()
		require.Equal(t, want, offset, in)
	}
	_, err := ParseLocation("+25:00")
	require.Error(t, err)
}

func TestParseBool(t *testing.T) {
	require.True(t, ParseBool("TRUE"))
	require.True(t, ParseBool(" yes "))
	require.False(t, ParseBool("false"))
	require.False(t, ParseBool("maybe"))
}
