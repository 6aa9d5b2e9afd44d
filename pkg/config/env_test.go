package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("CATALOG_TEST_STR", "  value ")
	assert.Equal(t, "value", GetEnv("CATALOG_TEST_STR", "def"))
	assert.Equal(t, "def", GetEnv("CATALOG_TEST_MISSING", "def"))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("CATALOG_TEST_INT", "42")
	t.Setenv("CATALOG_TEST_BAD_INT", "forty-two")
	assert.Equal(t, 42, GetEnvInt("CATALOG_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvInt("CATALOG_TEST_BAD_INT", 1))
	assert.EqualValues(t, 10485760, GetEnvInt64("CATALOG_TEST_MISSING", 10485760))
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("CATALOG_TEST_TRUE", "Yes")
	t.Setenv("CATALOG_TEST_FALSE", "0")
	t.Setenv("CATALOG_TEST_JUNK", "maybe")
	assert.True(t, GetEnvBool("CATALOG_TEST_TRUE", false))
	assert.False(t, GetEnvBool("CATALOG_TEST_FALSE", true))
	assert.True(t, GetEnvBool("CATALOG_TEST_JUNK", true))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("CATALOG_TEST_DUR", "90s")
	assert.Equal(t, 90*time.Second, GetEnvDuration("CATALOG_TEST_DUR", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("CATALOG_TEST_MISSING", time.Second))
}

func TestGetEnvTime(t *testing.T) {
	t.Setenv("CATALOG_TEST_TIME", "15:45")
	got := GetEnvTime("CATALOG_TEST_TIME", "08:00")
	assert.Equal(t, 15, got.Hour())
	assert.Equal(t, 45, got.Minute())

	t.Setenv("CATALOG_TEST_BAD_TIME", "25:99")
	got = GetEnvTime("CATALOG_TEST_BAD_TIME", "08:00")
	assert.Equal(t, 8, got.Hour())
	assert.Equal(t, 0, got.Minute())
}
