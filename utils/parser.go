package utils

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/samplesafe/clearance/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ParseRailConfig parses and validates a RailConfig from JSON.
func ParseRailConfig(data []byte) (*types.RailConfig, error) {
	var cfg types.RailConfig

	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("failed to parse rail config: %v", err))
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("rail config validation failed: %v", err))
	}

	return &cfg, nil
}

// ValidateStruct runs struct-tag validation on any request type.
func ValidateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return types.NewError(types.ErrValidation, fmt.Sprintf("validation failed: %v", err))
	}
	return nil
}

// SerializeRailConfig converts a RailConfig to JSON.
func SerializeRailConfig(cfg *types.RailConfig) ([]byte, error) {
	return json.Marshal(cfg)
}
