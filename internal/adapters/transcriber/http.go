// Package transcriber calls the external speech-to-text service.
package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	formField   = "audio"
	segmentName = "segment.ogg"
	segmentType = "audio/ogg"
	fileField   = "file"
	maxErrBody  = 512
)

// HTTPClient posts one Ogg/Opus segment per request to {baseURL}/transcribe.
// Whole recordings go to {baseURL}/transcribe-file/.
type HTTPClient struct {
	baseURL string
	hc      *http.Client
}

var _ core.Transcriber = (*HTTPClient)(nil)

// NewHTTPClient builds a client for baseURL. The timeout bounds a whole
// request; the caller's context may cut it shorter.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
	}
}

type transcribeResp struct {
	Text          *string `json:"text"`
	Transcription *string `json:"transcription"`
	Transcript    *string `json:"transcript"`
	Summary       string  `json:"summary"`
}

func (r transcribeResp) text() (string, bool) {
	switch {
	case r.Transcript != nil:
		return *r.Transcript, true
	case r.Text != nil:
		return *r.Text, true
	case r.Transcription != nil:
		return *r.Transcription, true
	}
	return "", false
}

func (c *HTTPClient) Transcribe(ctx context.Context, seg domain.AudioSegment) (string, error) {
	started := time.Now()
	out, err := c.post(ctx, "/transcribe", formField, segmentName, segmentType, bytes.NewReader(seg.Data))
	if err != nil {
		return "", err
	}
	text, ok := out.text()
	if !ok {
		return "", fmt.Errorf("%w: response carries no text", core.ErrTranscription)
	}

	log.Debug().
		Str("module", "adapters.transcriber").
		Int("seq", seg.Seq).
		Int("bytes", len(seg.Data)).
		Dur("took", time.Since(started)).
		Msg("segment transcribed")
	return text, nil
}

// FileResult is the service's answer for a whole recording.
type FileResult struct {
	Text    string
	Summary string
}

// TranscribeFile uploads a complete recording named name.
func (c *HTTPClient) TranscribeFile(ctx context.Context, name string, r io.Reader) (FileResult, error) {
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	out, err := c.post(ctx, "/transcribe-file/", fileField, filepath.Base(name), contentType, r)
	if err != nil {
		return FileResult{}, err
	}
	text, ok := out.text()
	if !ok {
		return FileResult{}, fmt.Errorf("%w: response carries no transcript", core.ErrTranscription)
	}
	return FileResult{Text: text, Summary: out.Summary}, nil
}

func (c *HTTPClient) post(ctx context.Context, path, field, filename, contentType string, data io.Reader) (transcribeResp, error) {
	var out transcribeResp
	body, formType, err := encodeForm(field, filename, contentType, data)
	if err != nil {
		return out, fmt.Errorf("%w: encode %s: %w", core.ErrTranscription, field, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return out, fmt.Errorf("%w: %w", core.ErrTranscription, err)
	}
	req.Header.Set("Content-Type", formType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return out, fmt.Errorf("%w: %w", core.ErrTranscription, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return out, fmt.Errorf("%w: transcriber http %d: %s", core.ErrTranscription, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("%w: decode response: %w", core.ErrTranscription, err)
	}
	return out, nil
}

func encodeForm(field, filename, contentType string, data io.Reader) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &body, mw.FormDataContentType(), nil
}
