package commons

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
)

// LoadEnv reads the given dotenv files without overriding variables
// that are already set. Missing files are ignored.
func LoadEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		err := godotenv.Load(file)
		if err == nil {
			slog.Debug("env: loaded", "file", file)
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("env: failed to load", "file", file, "error", err)
		}
	}
}
