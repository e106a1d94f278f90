// internal/identity/identity.go
package identity

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Identity is one bot profile: a stable identifier, an opaque credential
// reference resolved by the browser port, and the declared interest set. The
// interest set is only ever mutated through a session's interest controller.
type Identity struct {
	ID            string
	CredentialRef string
	Interests     []string
}

// LoadFile reads the identity roster. The file is CSV with a header row of
// "id,credential,interests"; interests are separated by ';' within the field.
// Malformed rows are skipped with a warning rather than failing the whole
// roster.
func LoadFile(path string, logger *zap.Logger) ([]Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // row length validated below so bad rows can be skipped

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("identity file %s is empty", path)
	}

	// Tolerate a missing header for hand-edited files.
	start := 0
	if strings.EqualFold(strings.TrimSpace(rows[0][0]), "id") {
		start = 1
	}

	var identities []Identity
	seen := make(map[string]bool)
	for i, row := range rows[start:] {
		line := start + i + 1
		if len(row) < 2 || strings.TrimSpace(row[0]) == "" || strings.TrimSpace(row[1]) == "" {
			logger.Warn("Skipping malformed identity row.", zap.Int("line", line))
			continue
		}
		id := strings.TrimSpace(row[0])
		if seen[id] {
			logger.Warn("Skipping duplicate identity id.", zap.Int("line", line), zap.String("id", id))
			continue
		}
		seen[id] = true

		var interests []string
		if len(row) >= 3 {
			for _, tag := range strings.Split(row[2], ";") {
				if tag = strings.TrimSpace(tag); tag != "" {
					interests = append(interests, tag)
				}
			}
		}

		identities = append(identities, Identity{
			ID:            id,
			CredentialRef: strings.TrimSpace(row[1]),
			Interests:     interests,
		})
	}

	if len(identities) == 0 {
		return nil, fmt.Errorf("identity file %s contains no usable rows", path)
	}
	return identities, nil
}
