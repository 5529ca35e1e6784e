package outbox

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"github.com/disintegration/imaging"

	"channel-pipeline/internal/models"
)

// preview downloads the item thumbnail, scales it to the configured width
// and stores it next to the digest. It returns the stored location.
func (n *Notifier) preview(ctx context.Context, jobID string, it models.Item) (string, error) {
	data, err := n.download(ctx, it.ThumbnailURL)
	if err != nil {
		return "", err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode thumbnail: %w", err)
	}

	img = imaging.Resize(img, n.cfg.ThumbnailWidth, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}

	key := fmt.Sprintf("digests/%s/%s.jpg", safeName(jobID), safeName(it.ItemID))
	return n.sink.Upload(ctx, key, buf.Bytes(), "image/jpeg")
}

func (n *Notifier) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download thumbnail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download thumbnail: status %d", resp.StatusCode)
	}

	limit := n.cfg.MaxBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read thumbnail: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("thumbnail too large (>%d bytes)", limit)
	}
	return body, nil
}
