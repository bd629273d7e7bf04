package devicestore

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/deviceops/osbackfill/internal/config"
)

const envTableName = "DEVICE_TABLE_NAME"

// ResolveTable maps an environment selector to the device table name.
// DEVICE_TABLE_NAME overrides the mapping when set.
func ResolveTable(env string) (string, error) {
	if name := config.String(envTableName, ""); name != "" {
		return name, nil
	}
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "dev":
		return "devices-dev", nil
	case "staging":
		return "devices-staging", nil
	case "prod", "production":
		return "devices-prod", nil
	default:
		return "", errors.Errorf("unknown device table environment %q", env)
	}
}
