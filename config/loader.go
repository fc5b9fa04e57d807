package config

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadFromEnv loads Settings from the environment, after applying a .env file
// in the working directory if there is one. Variables already set win.
func LoadFromEnv() (Settings, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Settings{}, err
	}
	return Load(FromEnviron())
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}
