// Package session names daemon sessions and lays out their files on disk.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/matheus3301/chatsync/internal/config"
)

const DefaultName = "main"

// HomeEnv overrides the base directory, ~/.chatsync by default.
const HomeEnv = "CHATSYNC_HOME"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name can be used as a directory name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, nameRegexp)
	}
	return nil
}

// BaseDir returns $CHATSYNC_HOME, or ~/.chatsync.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Paths locates the files of one session.
type Paths struct {
	Name string
	Dir  string
}

// For returns the paths of the named session under BaseDir.
func For(name string) Paths {
	return Paths{Name: name, Dir: filepath.Join(BaseDir(), "sessions", name)}
}

func (p Paths) Socket() string  { return filepath.Join(p.Dir, "daemon.sock") }
func (p Paths) Lock() string    { return filepath.Join(p.Dir, "LOCK") }
func (p Paths) Store() string   { return filepath.Join(p.Dir, "chatsync.db") }
func (p Paths) LogDir() string  { return filepath.Join(p.Dir, "logs") }
func (p Paths) LogFile() string { return filepath.Join(p.LogDir(), "chatsyncd.log") }

// Ensure creates the session directory tree.
func (p Paths) Ensure() error {
	for _, d := range []string{p.Dir, p.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// Resolve picks the active session name: the flag value, then the
// config's default_session, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultName
}
