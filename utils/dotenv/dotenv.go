package dotenv

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnvs loads the .env file from the repository root. Values already
// present in the environment always win over .env entries.
func LoadDotEnvs() error {
	path, err := findDotEnv()
	if err != nil {
		return err
	}
	return godotenv.Load(path)
}

// LoadDotEnvsInTests is the same as LoadDotEnvs except that a missing .env
// is not an error, since CI runs entirely on injected environment variables.
func LoadDotEnvsInTests() {
	path, err := findDotEnv()
	if err != nil {
		return
	}
	_ = godotenv.Load(path)
}

// Tests run with a working directory of the package under test, walk up
// towards the repo root to locate .env.
func findDotEnv() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 5; i++ {
		candidate := filepath.Join(dir, ".env")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}
