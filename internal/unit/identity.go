package unit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateUnitID reads the unit ID from a file in dataDir, or
// generates a new UUIDv7 and persists it if the file does not exist.
// The unit ID is the stable broker identity: it survives renames of
// the unit name so retained topics and server-side history are
// preserved across reconfigurations.
func LoadOrCreateUnitID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "unit_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate unit ID: %w", err)
	}

	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist unit ID to %s: %w", path, err)
	}

	return idStr, nil
}
