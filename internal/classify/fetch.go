package classify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/taige/tsproxy/internal/poolcfg"
)

// EnsureDelegationFile downloads the APNIC delegation file from url into
// path when path is missing or its mtime exceeds poolcfg.ApnicExpiredDays.
// A download failure with a usable existing file is not fatal: the stale
// copy keeps serving until the next periodic check succeeds.
func EnsureDelegationFile(ctx context.Context, url, path string) error {
	info, err := os.Stat(path)
	if err == nil && time.Since(info.ModTime()) <= poolcfg.ApnicExpiredDays {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("classify: apnic request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("classify: apnic fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classify: apnic fetch: status %s", resp.Status)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("classify: apnic write: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("classify: apnic write: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("classify: apnic close: %w", err)
	}
	return os.Rename(tmp, path)
}
