package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// instanceFile lives in the data directory next to the journal.
const instanceFile = "instance_id"

// LoadOrCreateInstanceID returns the bridge's persistent instance ID,
// minting a UUIDv7 on first run. A file that does not hold a UUID is
// replaced. Two bridges on one broker get distinct client IDs this way,
// and one bridge keeps its ID across restarts.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceFile)

	if raw, err := os.ReadFile(path); err == nil {
		if id, perr := uuid.Parse(strings.TrimSpace(string(raw))); perr == nil {
			return id.String(), nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("mint instance id: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dataDir, err)
	}

	// Rename so a crash never leaves a half-written ID behind.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("save instance id: %w", err)
	}
	return id.String(), nil
}

// ClientID appends the instance ID's random tail to base. UUIDv7 leads
// with a timestamp, so the last eight hex digits are the part that
// differs between installs.
func ClientID(base, instanceID string) string {
	tail := strings.ReplaceAll(instanceID, "-", "")
	switch {
	case tail == "":
		return base
	case len(tail) > 8:
		tail = tail[len(tail)-8:]
	}
	return base + "-" + tail
}
