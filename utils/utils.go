package utils

import (
	"os"
	"strings"
)

// GetEnv returns the value of key, or fallback when unset or blank.
func GetEnv(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func CreateFolder(folderPath string) error {
	return os.MkdirAll(folderPath, 0o755)
}
