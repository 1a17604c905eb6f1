package utils

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meshmon-dev/meshmon/internal/types"
)

func GetMAC(ctx *gin.Context) (string, error) {
	macStr := ctx.Param("mac")

	if macStr == "" {
		return "", errors.New("MAC address not found")
	}

	mac, err := NormalizeMAC(macStr)

	if err != nil {
		return "", errors.New("Invalid MAC address")
	}

	return mac, nil
}

// GetTimeQuery parses an optional RFC3339 query parameter. A missing value
// yields the zero time.
func GetTimeQuery(ctx *gin.Context, name string) (time.Time, error) {
	raw := ctx.Query(name)

	if raw == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339, raw)

	if err != nil {
		return time.Time{}, errors.New("Invalid " + name + ", expected RFC3339")
	}

	return t, nil
}

// GetGranularityQuery parses the granularity query parameter, defaulting to raw.
func GetGranularityQuery(ctx *gin.Context) (types.Granularity, error) {
	raw := ctx.Query("granularity")

	if raw == "" {
		return types.GranularityRaw, nil
	}

	return types.ParseGranularity(raw)
}
