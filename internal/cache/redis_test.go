package cache

import (
	"testing"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		value      string
		defaultVal string
		want       string
	}{
		{name: "set", key: "CACHE_TEST_KEY", value: "custom", defaultVal: "fallback", want: "custom"},
		{name: "unset", key: "CACHE_TEST_MISSING", value: "", defaultVal: "fallback", want: "fallback"},
		{name: "empty treated as unset", key: "CACHE_TEST_EMPTY", value: "", defaultVal: "fallback", want: "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv(tt.key, tt.value)
			}
			if got := getEnv(tt.key, tt.defaultVal); got != tt.want {
				t.Errorf("getEnv(%q, %q) = %q, want %q", tt.key, tt.defaultVal, got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		value      string
		defaultVal int
		want       int
	}{
		{name: "valid int", key: "CACHE_TEST_INT", value: "5", defaultVal: 0, want: 5},
		{name: "invalid int", key: "CACHE_TEST_BAD", value: "abc", defaultVal: 3, want: 3},
		{name: "unset", key: "CACHE_TEST_NOINT", value: "", defaultVal: 7, want: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv(tt.key, tt.value)
			}
			if got := getEnvAsInt(tt.key, tt.defaultVal); got != tt.want {
				t.Errorf("getEnvAsInt(%q, %d) = %d, want %d", tt.key, tt.defaultVal, got, tt.want)
			}
		})
	}
}

func TestNew_NoRedis(t *testing.T) {
	if cacheInstance != nil {
		t.Skip("a real redis is reachable in this environment")
	}

	old := redisAddr
	redisAddr = "127.0.0.1:1" // nothing listens here
	defer func() { redisAddr = old }()

	if svc := New(); svc != nil {
		t.Error("New() should return nil when redis is unreachable")
	}
}
