package instruments

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	domain "marketsim/internal/domain/entity/instruments"

	"github.com/google/uuid"
)

// ReadFile loads a seed list of the form {"instruments": [...]}.
// Entries without a uid get a fresh one.
func ReadFile(path string) ([]domain.Instrument, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read instruments file: %w", err)
	}
	var payload struct {
		Instruments []domain.Instrument `json:"instruments"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse instruments file: %w", err)
	}
	if len(payload.Instruments) == 0 {
		return nil, errors.New("instruments list is empty")
	}
	for i := range payload.Instruments {
		if payload.Instruments[i].UID == uuid.Nil {
			payload.Instruments[i].UID = uuid.New()
		}
	}
	return payload.Instruments, nil
}
