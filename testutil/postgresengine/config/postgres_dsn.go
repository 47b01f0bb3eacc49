package config

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// EnvPostgresDSN names the environment variable holding the DSN of the test database.
const EnvPostgresDSN = "PUBSUB_TEST_POSTGRES_DSN"

// PostgresDSN returns the DSN of the test database or skips the test if none is configured.
func PostgresDSN(t testing.TB) string {
	t.Helper()

	dsn := os.Getenv(EnvPostgresDSN)
	if dsn == "" {
		t.Skipf("%s is not set, skipping PostgreSQL integration test", EnvPostgresDSN)
	}

	return dsn
}

// UniqueTopic returns a topic name that no other test run uses, so tests can share one database.
func UniqueTopic(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	return fmt.Sprintf("%s_%s", prefix, suffix)
}
