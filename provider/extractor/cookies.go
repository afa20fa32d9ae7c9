package extractor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WithCookieFile writes cookies to a uniquely named file in tempDir, readable only by the current user, and calls f
// with its path. The file is removed when f returns, whether or not it succeeded.
func WithCookieFile(tempDir string, cookies string, f func(path string) error) error {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	path := filepath.Join(tempDir, fmt.Sprintf("cookies-%s.txt", uuid.New()))
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create cookie file: %w", err)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			zap.S().Named("extractor").Warnw("failed to remove cookie file", "path", path, "error", err)
		}
	}()
	_, err = file.WriteString(cookies)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write cookie file: %w", err)
	}
	return f(path)
}
