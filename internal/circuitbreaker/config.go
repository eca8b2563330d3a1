package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// AdapterConfig returns the browser adapter breaker configuration, read from
// CB_ADAPTER_* environment variables.
func AdapterConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("CB_ADAPTER_MAX_REQUESTS", 2),
		Interval:         getEnvDuration("CB_ADAPTER_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("CB_ADAPTER_TIMEOUT", 20*time.Second),
		FailureThreshold: getEnvUint32("CB_ADAPTER_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_ADAPTER_SUCCESS_THRESHOLD", 1),
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
