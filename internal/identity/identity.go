// Package identity persists the node's durable {nodeId, displayName} pair.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileName is the identity file inside the data directory.
const FileName = "identity.json"

var ErrNotFound = errors.New("identity: not found")

// Identity is created once with a random id and persisted.
type Identity struct {
	NodeID      string `json:"node_id"`
	DisplayName string `json:"display_name"`
}

// Generate creates a new identity with a random 8-character id. An empty
// name selects the default "User_<first 4 of id>".
func Generate(name string) *Identity {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	if name == "" {
		name = DefaultName(id)
	}
	return &Identity{NodeID: id, DisplayName: name}
}

// DefaultName returns the display name used when none was chosen.
func DefaultName(nodeID string) string {
	short := nodeID
	if len(short) > 4 {
		short = short[:4]
	}
	return "User_" + short
}

// Path returns the identity file path inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// Save writes the identity to path with owner-only permissions.
func (id *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(id)
}

// Load reads an identity from path.
func Load(path string) (*Identity, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	id := &Identity{}
	if err := json.NewDecoder(f).Decode(id); err != nil {
		return nil, fmt.Errorf("identity: decode %s: %w", path, err)
	}
	if id.NodeID == "" {
		return nil, fmt.Errorf("identity: %s has no node_id", path)
	}
	if id.DisplayName == "" {
		id.DisplayName = DefaultName(id.NodeID)
	}
	return id, nil
}

// LoadOrCreate loads the identity in dataDir, generating and saving a new
// one on first use.
func LoadOrCreate(dataDir string) (*Identity, error) {
	path := Path(dataDir)
	id, err := Load(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	id = Generate("")
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}

// Rename changes the display name and persists it.
func (id *Identity) Rename(path, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("identity: empty display name")
	}
	id.DisplayName = name
	return id.Save(path)
}
