package history

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/apex-data/racecoach/internal/httputil"
)

// HTTPUploader posts finished session summaries to a remote collector.
// Implements Uploader; failures surface to the recorder which logs and moves
// on.
type HTTPUploader struct {
	url    string
	client httputil.HTTPClient
}

// NewHTTPUploader creates an uploader posting to url. A nil client uses the
// default HTTP client.
func NewHTTPUploader(url string, client httputil.HTTPClient) *HTTPUploader {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPUploader{url: url, client: client}
}

// UploadSession posts one session summary as JSON.
func (u *HTTPUploader) UploadSession(sessionID string, summary []byte) error {
	resp, err := u.client.Post(u.url+"/sessions/"+sessionID, "application/json", bytes.NewReader(summary))
	if err != nil {
		return fmt.Errorf("session upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("session upload rejected: status %d", resp.StatusCode)
	}
	return nil
}
