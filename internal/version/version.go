package version

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Version is stamped at build time with -ldflags "-X" or read from a VERSION file.
var Version = "dev"

// Load reads the release version from path, keeping fallback when the file is
// missing or does not hold a semantic version.
func Load(path, fallback string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	v := strings.TrimPrefix(strings.TrimSpace(string(raw)), "v")
	if _, err := ExtractMajorVersion(v); err != nil {
		return fallback
	}
	return v
}

func ExtractMajorVersion(version string) (int, error) {
	if version == "" {
		return 0, fmt.Errorf("empty version string")
	}

	parts := strings.Split(version, ".")
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid major version: %v", err)
	}

	if major < 0 {
		return 0, fmt.Errorf("major version cannot be negative")
	}

	return major, nil
}
