package transport

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Scope selects which endpoint a daemon listens on and a client dials.
type Scope string

const (
	// ScopeUser shares one daemon between every session of the user.
	ScopeUser Scope = "user"
	// ScopeSession runs one daemon per terminal session.
	ScopeSession Scope = "session"
)

// ParseScope accepts the config spelling of a scope.
func ParseScope(value string) (Scope, bool) {
	switch Scope(strings.ToLower(strings.TrimSpace(value))) {
	case ScopeUser, "":
		return ScopeUser, true
	case ScopeSession:
		return ScopeSession, true
	default:
		return "", false
	}
}

// Endpoint derives socket addresses. Both ends build the same Endpoint from
// the runtime directory and user name, so addresses agree without a lookup.
type Endpoint struct {
	RuntimeDir string
	User       string
}

// DefaultEndpoint resolves the runtime directory and current user. An empty
// runtimeDir falls back to $XDG_RUNTIME_DIR and then the temp directory.
func DefaultEndpoint(runtimeDir string) Endpoint {
	return Endpoint{RuntimeDir: ResolveRuntimeDir(runtimeDir), User: CurrentUser()}
}

// ResolveRuntimeDir applies the runtime directory fallbacks.
func ResolveRuntimeDir(runtimeDir string) string {
	if dir := strings.TrimSpace(runtimeDir); dir != "" {
		return dir
	}
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		return dir
	}
	return os.TempDir()
}

// CurrentUser returns a filesystem-safe name for the invoking user.
func CurrentUser() string {
	if u, err := user.Current(); err == nil && strings.TrimSpace(u.Username) != "" {
		return sanitize(u.Username)
	}
	if name := strings.TrimSpace(os.Getenv("USER")); name != "" {
		return sanitize(name)
	}
	return "uid" + strconv.Itoa(os.Getuid())
}

// Dir is the per-user directory holding every socket.
func (e Endpoint) Dir() string {
	name := e.User
	if name == "" {
		name = CurrentUser()
	}
	return filepath.Join(ResolveRuntimeDir(e.RuntimeDir), "shellbridge-"+sanitize(name))
}

// Daemon is the per-user daemon socket.
func (e Endpoint) Daemon() string {
	return filepath.Join(e.Dir(), "daemon.sock")
}

// Session is the socket for one session. The file name is a hash of the
// session id so long ids still fit the sun_path limit.
func (e Endpoint) Session(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("session socket: empty session id")
	}
	root := filepath.Join(e.Dir(), "sessions")
	sum := sha256.Sum256([]byte(sessionID))
	hash := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:]))

	const ext = ".sock"
	avail := socketPathLimit() - 1 - len(root) - 1 - len(ext)
	if avail < 8 {
		return "", fmt.Errorf("session socket: directory path too long: %s", root)
	}
	if avail > len(hash) {
		avail = len(hash)
	}
	return filepath.Join(root, hash[:avail]+ext), nil
}

// Address picks the socket for scope.
func (e Endpoint) Address(scope Scope, sessionID string) (string, error) {
	var path string
	switch scope {
	case ScopeSession:
		p, err := e.Session(sessionID)
		if err != nil {
			return "", err
		}
		path = p
	default:
		path = e.Daemon()
	}
	if err := CheckPath(path); err != nil {
		return "", err
	}
	return path, nil
}

// Ensure creates the socket directories with owner-only permissions.
func (e Endpoint) Ensure() error {
	for _, dir := range []string{e.Dir(), filepath.Join(e.Dir(), "sessions")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create socket directory %q: %w", dir, err)
		}
		if err := os.Chmod(dir, 0o700); err != nil {
			return fmt.Errorf("restrict socket directory %q: %w", dir, err)
		}
	}
	return nil
}

// CheckPath rejects socket paths the kernel would truncate.
func CheckPath(path string) error {
	if len(path) > socketPathLimit()-1 {
		return fmt.Errorf("unix socket path too long (%d bytes, limit %d): %s", len(path), socketPathLimit()-1, path)
	}
	return nil
}

func socketPathLimit() int {
	// sockaddr_un.sun_path is 104 bytes on Darwin and the BSDs, 108 on Linux.
	switch runtime.GOOS {
	case "linux":
		return 108
	default:
		return 104
	}
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
