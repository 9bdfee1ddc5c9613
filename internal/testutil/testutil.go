package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Harvey-AU/rankbee/internal/keywords"
	"github.com/joho/godotenv"
)

// testEnvAliases maps .env.test keys onto the variables the app reads.
var testEnvAliases = map[string]string{
	"TEST_DATABASE_URL": "DATABASE_URL",
	"TEST_REDIS_URL":    "REDIS_URL",
}

// LoadTestEnv loads .env.test and points DATABASE_URL and REDIS_URL at the
// test instances. Variables already set in the environment win.
func LoadTestEnv(t *testing.T) {
	t.Helper()

	envPath := findEnvTestFile()
	if envPath == "" {
		t.Log("Warning: .env.test file not found, using environment variables as-is")
		return
	}

	envMap, err := godotenv.Read(envPath)
	if err != nil {
		t.Logf("Warning: Failed to read %s: %v", envPath, err)
		return
	}

	for from, to := range testEnvAliases {
		if os.Getenv(to) != "" {
			continue
		}
		if v, ok := envMap[from]; ok && v != "" {
			t.Setenv(to, v)
			t.Logf("%s set from %s in .env.test", to, from)
		}
	}
}

// RequireEnv skips the test unless key is set.
func RequireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s not set, skipping integration test", key)
	}
	return v
}

// NewKeyword returns a desktop/US keyword with empty history.
func NewKeyword(keyword, domain string) *keywords.Keyword {
	return &keywords.Keyword{
		Keyword:    keyword,
		Domain:     domain,
		Device:     "desktop",
		Country:    "US",
		History:    keywords.History{},
		LastResult: []keywords.SearchResult{},
		Tags:       []string{},
	}
}

// findEnvTestFile searches for .env.test in current and parent directories
func findEnvTestFile() string {
	dir, _ := os.Getwd()

	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env.test")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
