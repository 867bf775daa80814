package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ParseEnv loads configuration from environment variables into target.
//
// Each dotenv file that exists is loaded first; variables already present in
// the process environment win over file values.
func ParseEnv(target any, dotenvFiles ...string) error {
	if err := LoadDotenv(dotenvFiles...); err != nil {
		return err
	}
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadDotenv loads the given dotenv files, skipping the ones that do not exist.
func LoadDotenv(files ...string) error {
	for _, file := range files {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		if _, err := os.Stat(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat dotenv %s: %w", file, err)
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("load dotenv %s: %w", file, err)
		}
	}
	return nil
}
