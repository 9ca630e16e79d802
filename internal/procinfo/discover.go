package procinfo

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"shellbridge/internal/fault"
)

// EnvSessionID is exported into spawned shells so child invocations reuse
// the session id instead of walking the process tree again.
const EnvSessionID = "SHELLBRIDGE_SESSION_ID"

var sessionNamespace = uuid.MustParse("6f6c3a57-1d1e-4b7c-9a53-5e7f0c1b2d88")

// Identity is the result of session discovery.
type Identity struct {
	SessionID string
	Anchor    Anchor
	// Anchored is false when the id came from the environment and no
	// ancestor could be resolved.
	Anchored bool
	FromEnv  bool
	Address  string
}

// AddressFunc maps a session id to the socket address to dial.
type AddressFunc func(sessionID string) (string, error)

// Discoverer derives the session identity of a process.
type Discoverer struct {
	Source     Source
	Signatures *Signatures
	MaxHops    int
	Address    AddressFunc
	Getenv     func(string) string
}

// Discover resolves the identity of pid. The environment variable wins when
// it holds a valid id; otherwise the nearest shell or terminal ancestor
// anchors a fresh id. A SessionNotFound error is not fatal: the process tree
// may not be settled yet, so callers retry later.
func (d Discoverer) Discover(pid int) (Identity, error) {
	getenv := d.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	src := d.Source
	if src == nil {
		src = Default()
	}
	sig := d.Signatures
	if sig == nil {
		sig = DefaultSignatures()
	}

	var id Identity
	anchor, walkErr := Walk(src, sig, pid, d.MaxHops)
	if walkErr == nil {
		id.Anchor = anchor
		id.Anchored = true
	}

	if envID := strings.TrimSpace(getenv(EnvSessionID)); envID != "" && ValidSessionID(envID) {
		id.SessionID = envID
		id.FromEnv = true
	} else if walkErr != nil {
		return Identity{}, walkErr
	} else {
		id.SessionID = SessionIDFor(anchor.Process)
	}

	if d.Address != nil {
		addr, err := d.Address(id.SessionID)
		if err != nil {
			return Identity{}, fmt.Errorf("derive session address: %w", err)
		}
		id.Address = addr
	}
	return id, nil
}

// SessionIDFor derives a stable id from an anchor process instance.
func SessionIDFor(p Process) string {
	return uuid.NewSHA1(sessionNamespace, []byte(fmt.Sprintf("%d:%d", p.PID, p.StartTime))).String()
}

// ValidSessionID accepts ids made of letters, digits, '.', '_' and '-', up
// to 128 bytes.
func ValidSessionID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// IsSessionNotFound is a convenience for callers that retry discovery.
func IsSessionNotFound(err error) bool {
	return errors.Is(err, fault.ErrSessionNotFound)
}
