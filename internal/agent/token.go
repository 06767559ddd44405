package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// tokenState is persisted to disk after a successful credential login so
// the agent can re-authenticate across restarts without prompting.
type tokenState struct {
	Token string `json:"token"`
}

func tokenFilePath(stateDir string) string {
	return filepath.Join(stateDir, "token.json")
}

// loadToken reads the persisted token. Returns "" if no token is stored yet.
func loadToken(stateDir string) (string, error) {
	data, err := os.ReadFile(tokenFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("agent: read token file: %w", err)
	}
	var s tokenState
	if err := json.Unmarshal(data, &s); err != nil {
		return "", fmt.Errorf("agent: corrupted token file: %w", err)
	}
	return s.Token, nil
}

// saveToken writes the token to disk atomically via temp file + rename.
// The file is agent-readable only; the token grants fleet access.
func saveToken(stateDir, token string) error {
	data, err := json.Marshal(tokenState{Token: token})
	if err != nil {
		return fmt.Errorf("agent: marshal token: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return fmt.Errorf("agent: create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "token.*.tmp")
	if err != nil {
		return fmt.Errorf("agent: create temp token file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("agent: chmod temp token file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("agent: write token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("agent: close temp token file: %w", err)
	}
	if err := os.Rename(tmpPath, tokenFilePath(stateDir)); err != nil {
		return fmt.Errorf("agent: rename token file: %w", err)
	}
	ok = true
	return nil
}

// clearToken removes the stored token. Missing files are not an error.
func clearToken(stateDir string) error {
	err := os.Remove(tokenFilePath(stateDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("agent: remove token file: %w", err)
	}
	return nil
}
