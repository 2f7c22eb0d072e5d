package repository

import (
	"encoding/json"
	"fmt"

	"github.com/quizroom/backend/internal/types"
)

func marshalSettings(s types.Settings) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("repository: marshal settings: %w", err)
	}
	return b, nil
}

func unmarshalSettings(raw []byte) (types.Settings, error) {
	var s types.Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return types.Settings{}, fmt.Errorf("repository: unmarshal settings: %w", err)
	}
	return s, nil
}
