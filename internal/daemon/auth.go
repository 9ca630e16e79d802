package daemon

import (
	"fmt"

	"shellbridge/internal/ipc"
)

// loadToken returns the shared secret clients must present in
// session.hello, creating it on first start. The file is readable only by
// the owner, so any process of the same user can connect and nobody else.
func (d *Daemon) loadToken() (string, error) {
	token, err := ipc.EnsureToken(d.cfg.TokenPath())
	if err != nil {
		return "", fmt.Errorf("load auth token: %w", err)
	}
	return token, nil
}
