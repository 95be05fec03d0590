// Package vault hands out the API key the active transport should use.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
	SourceUser      Source = "user"
)

// Credential is an API key plus where it came from.
type Credential struct {
	Key    string
	Source Source
}

// Redacted keeps only enough of the key to tell keys apart in logs.
func (c Credential) Redacted() string {
	if len(c.Key) <= 6 {
		return strings.Repeat("*", len(c.Key))
	}
	return c.Key[:4] + "…" + c.Key[len(c.Key)-2:]
}

// Vault is the narrow view the orchestrator has of credential storage.
type Vault interface {
	// ActiveCredential returns the key to use. With preferPrimary the bundled
	// keys win over the user's own key; otherwise the user's key wins.
	ActiveCredential(preferPrimary bool) (Credential, bool)
	// MarkSecondaryInUse switches bundled lookups to the secondary key after
	// the primary was rejected.
	MarkSecondaryInUse()
	ResetPrimary()
}

// Env variable names. The YOUTUBE_* spellings are accepted as fallbacks.
const (
	EnvPrimary   = "CHATRELAY_YT_API_KEY_PRIMARY"
	EnvSecondary = "CHATRELAY_YT_API_KEY_SECONDARY"
	EnvUser      = "CHATRELAY_YT_API_KEY_USER"
)

var envFallbacks = map[string]string{
	EnvPrimary:   "YOUTUBE_API_KEY_PRIMARY",
	EnvSecondary: "YOUTUBE_API_KEY_SECONDARY",
	EnvUser:      "YOUTUBE_API_KEY",
}

// Files lists where keys are read from. Key files take precedence over the
// dotenv file, which takes precedence over the process environment.
type Files struct {
	EnvFile       string
	PrimaryPath   string
	SecondaryPath string
	UserPath      string
}

// Paths returns the non-empty files worth watching.
func (f Files) Paths() []string {
	var out []string
	for _, p := range []string{f.EnvFile, f.PrimaryPath, f.SecondaryPath, f.UserPath} {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// Status summarizes which keys are configured, never their values.
type Status struct {
	Primary        bool `json:"primary"`
	Secondary      bool `json:"secondary"`
	User           bool `json:"user"`
	UsingSecondary bool `json:"using_secondary"`
}

type FileVault struct {
	files Files

	mu             sync.RWMutex
	primary        string
	secondary      string
	user           string
	usingSecondary bool
}

var _ Vault = (*FileVault)(nil)

// Load reads every configured source once.
func Load(files Files) (*FileVault, error) {
	v := &FileVault{files: files}
	if _, err := v.Reload(); err != nil {
		return nil, err
	}
	return v, nil
}

// Reload re-reads all sources. A missing file is treated as empty.
func (v *FileVault) Reload() (Status, error) {
	dotenv := map[string]string{}
	if path := strings.TrimSpace(v.files.EnvFile); path != "" {
		m, err := godotenv.Read(path)
		switch {
		case err == nil:
			dotenv = m
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Status{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	primary, err := resolve(v.files.PrimaryPath, EnvPrimary, dotenv)
	if err != nil {
		return Status{}, err
	}
	secondary, err := resolve(v.files.SecondaryPath, EnvSecondary, dotenv)
	if err != nil {
		return Status{}, err
	}
	user, err := resolve(v.files.UserPath, EnvUser, dotenv)
	if err != nil {
		return Status{}, err
	}

	v.mu.Lock()
	v.primary, v.secondary, v.user = primary, secondary, user
	if secondary == "" {
		v.usingSecondary = false
	}
	v.mu.Unlock()

	st := v.Status()
	slog.Info("vault: credentials loaded", "primary", st.Primary, "secondary", st.Secondary, "user", st.User)
	return st, nil
}

func resolve(path, env string, dotenv map[string]string) (string, error) {
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if key := strings.TrimSpace(string(b)); key != "" {
				return key, nil
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return "", fmt.Errorf("read key file %s: %w", path, err)
		}
	}
	for _, name := range []string{env, envFallbacks[env]} {
		if key := strings.TrimSpace(dotenv[name]); key != "" {
			return key, nil
		}
		if key := strings.TrimSpace(os.Getenv(name)); key != "" {
			return key, nil
		}
	}
	return "", nil
}

func (v *FileVault) ActiveCredential(preferPrimary bool) (Credential, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	user := Credential{Key: v.user, Source: SourceUser}
	bundled, ok := v.bundledLocked()
	if preferPrimary {
		if ok {
			return bundled, true
		}
		return user, user.Key != ""
	}
	if user.Key != "" {
		return user, true
	}
	return bundled, ok
}

func (v *FileVault) bundledLocked() (Credential, bool) {
	if v.usingSecondary && v.secondary != "" {
		return Credential{Key: v.secondary, Source: SourceSecondary}, true
	}
	if v.primary != "" {
		return Credential{Key: v.primary, Source: SourcePrimary}, true
	}
	if v.secondary != "" {
		return Credential{Key: v.secondary, Source: SourceSecondary}, true
	}
	return Credential{}, false
}

func (v *FileVault) MarkSecondaryInUse() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.secondary == "" || v.usingSecondary {
		return
	}
	slog.Warn("vault: switching to secondary key after primary failure")
	v.usingSecondary = true
}

func (v *FileVault) ResetPrimary() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.usingSecondary {
		slog.Info("vault: resetting to primary key")
		v.usingSecondary = false
	}
}

// SetUserKey installs or clears (empty key) the user's own key.
func (v *FileVault) SetUserKey(key string) {
	v.mu.Lock()
	v.user = strings.TrimSpace(key)
	v.mu.Unlock()
}

func (v *FileVault) Status() Status {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return Status{
		Primary:        v.primary != "",
		Secondary:      v.secondary != "",
		User:           v.user != "",
		UsingSecondary: v.usingSecondary,
	}
}
