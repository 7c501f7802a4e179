package hooks

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// AdvanceURL is the endpoint the Stop hook posts to.
func AdvanceURL(serverPort int, sessionID string) string {
	return fmt.Sprintf("http://127.0.0.1:%d/api/internal/sessions/%s/advance-to-review", serverPort, sessionID)
}

// Notify performs the same callback as the generated script. It is used by
// `ccui notify` on hosts without curl.
func Notify(ctx context.Context, serverPort int, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, AdvanceURL(serverPort, sessionID), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("advance-to-review returned %s", resp.Status)
	}
	return nil
}
