package shared

import (
	"fmt"
	"os"
	"strconv"
)

// Version of the package. Bumped on release.
const Version = "0.2.0"

// GetenvString passes the raw variable through.
func GetenvString(s string) (string, error) {
	return s, nil
}

// GetenvBool parses the variable with strconv.ParseBool.
func GetenvBool(s string) (bool, error) {
	return strconv.ParseBool(s)
}

// GetenvInt parses the variable as a base-10 integer.
func GetenvInt(s string) (int, error) {
	return strconv.Atoi(s)
}

// Getenv reads key from the environment and parses it with parse.
// A missing variable yields fallback, or an error when required.
func Getenv[T any](parse func(string) (T, error), key string, required bool, fallback T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		if required {
			var zero T
			return zero, fmt.Errorf("required environment variable %s is not set", key)
		}
		return fallback, nil
	}
	v, err := parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

// MustGetenv is Getenv, panicking on error.
func MustGetenv[T any](parse func(string) (T, error), key string, required bool, fallback T) T {
	v, err := Getenv(parse, key, required, fallback)
	if err != nil {
		panic(err)
	}
	return v
}
