package adapter

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/comms-dev/comms/internal/domain"
)

// LoadInbox reads staged inbound items from a JSON file. Local mode uses
// this to feed the in-memory adapter; a missing file is an empty inbox.
func LoadInbox(path string) ([]*domain.InboundItem, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read inbox file: %w", err)
	}

	var items []*domain.InboundItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse inbox file: %w", err)
	}
	return items, nil
}
