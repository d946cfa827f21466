package httpsource

import (
	"context"
	"encoding/json"

	"driver_verification/internal/source"
)

// OCRClient implements source.OCRProvider over POST {base}/ocr/extract.
type OCRClient struct {
	*Client
}

func NewOCRClient(c *Client) *OCRClient {
	return &OCRClient{Client: c}
}

type extractRequest struct {
	Documents []string `json:"documents"`
}

func (o *OCRClient) Extract(ctx context.Context, documentRefs []string) (*source.Extraction, error) {
	body, err := o.post(ctx, "/ocr/extract", extractRequest{Documents: documentRefs})
	if err != nil {
		return nil, err
	}
	var out source.Extraction
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, source.NewSourceError(source.ErrorBadData, o.cfg.Name, "malformed ocr response", err)
	}
	return &out, nil
}

// FaceClient implements source.FaceMatcher over POST {base}/faces/compare.
type FaceClient struct {
	*Client
}

func NewFaceClient(c *Client) *FaceClient {
	return &FaceClient{Client: c}
}

type compareRequest struct {
	Live      string `json:"live"`
	Reference string `json:"reference"`
}

type compareResponse struct {
	Score *float64 `json:"score"`
}

func (f *FaceClient) Compare(ctx context.Context, liveRef, referenceRef string) (float64, error) {
	body, err := f.post(ctx, "/faces/compare", compareRequest{Live: liveRef, Reference: referenceRef})
	if err != nil {
		return 0, err
	}
	var out compareResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, source.NewSourceError(source.ErrorBadData, f.cfg.Name, "malformed face match response", err)
	}
	if out.Score == nil || *out.Score < 0 || *out.Score > 1 {
		return 0, source.NewSourceError(source.ErrorBadData, f.cfg.Name, "face match score missing or out of range", nil)
	}
	return *out.Score, nil
}
