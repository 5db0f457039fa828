// Package media normalises images attached to social posts and stores them
// where the publisher can fetch them.
package media

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
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/webp"

	"marketing-orchestrator/internal/config"
	"marketing-orchestrator/internal/faults"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Size is a target bounding box for one platform.
type Size struct {
	Width  int
	Height int
	// Crop fills the box exactly instead of fitting inside it.
	Crop bool
}

// PlatformSizes are the normalised dimensions per publishing platform.
var PlatformSizes = map[string]Size{
	"instagram": {Width: 1080, Height: 1080, Crop: true},
	"twitter":   {Width: 1600, Height: 900},
	"telegram":  {Width: 1280, Height: 1280},
}

// Pipeline downloads a source image, resizes it for the target platforms and
// uploads the result.
type Pipeline struct {
	httpClient *http.Client
	maxBytes   int64
	publicBase string
	store      uploader
}

// New picks S3 when a bucket is configured and the local directory otherwise.
func New(ctx context.Context, cfg config.Config) (*Pipeline, error) {
	timeout := cfg.MediaDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	p := &Pipeline{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   cfg.MediaMaxBytes,
		publicBase: strings.TrimRight(cfg.MediaPublicBaseURL, "/"),
	}
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		p.store = &s3Uploader{client: client, bucket: cfg.MediaS3Bucket, region: cfg.MediaS3Region}
	} else {
		baseDir := cfg.MediaOutputDir
		if baseDir == "" {
			baseDir = "./media"
		}
		p.store = &localUploader{baseDir: baseDir}
	}
	return p, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.MediaS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.MediaS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.MediaS3Endpoint)
		}
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// TargetSize returns the box used when one asset must serve all platforms.
// A cropping platform wins; otherwise the tightest bounds of all apply.
func TargetSize(platforms []string) Size {
	best := Size{Width: 1600, Height: 1600}
	for _, name := range platforms {
		s, ok := PlatformSizes[strings.ToLower(name)]
		if !ok {
			continue
		}
		if s.Crop {
			return s
		}
		best.Width = min(best.Width, s.Width)
		best.Height = min(best.Height, s.Height)
	}
	return best
}

// Prepare fetches sourceURL, normalises it for platforms and stores it under
// key. It returns the public URL of the stored asset.
func (p *Pipeline) Prepare(ctx context.Context, sourceURL string, platforms []string, key string) (string, error) {
	data, err := p.download(ctx, sourceURL)
	if err != nil {
		return "", err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", faults.Permanent(fmt.Errorf("decode image: %w", err))
	}

	size := TargetSize(platforms)
	if size.Crop {
		img = imaging.Fill(img, size.Width, size.Height, imaging.Center, imaging.Lanczos)
	} else if b := img.Bounds(); b.Dx() > size.Width || b.Dy() > size.Height {
		img = imaging.Fit(img, size.Width, size.Height, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	key = sanitizeKey(key)
	if filepath.Ext(key) == "" {
		key += ".jpg"
	}
	location, err := p.store.Upload(ctx, key, buf.Bytes(), "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	log.Debug().Str("component", "media").Str("key", key).Int("bytes", buf.Len()).Msg("media stored")

	if p.publicBase != "" {
		return p.publicBase + "/" + key, nil
	}
	return location, nil
}

func (p *Pipeline) download(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, faults.Invalid("mediaUrl", "must be an http(s) URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &faults.ProviderError{Provider: "media", Context: "download", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &faults.ProviderError{Provider: "media", Context: "download", Status: resp.StatusCode}
	}

	limit := p.maxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &faults.ProviderError{Provider: "media", Context: "download", Err: err}
	}
	if int64(len(body)) > limit {
		return nil, faults.Permanent(fmt.Errorf("image too large (>%d bytes)", limit))
	}
	return body, nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
	region string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", &faults.ProviderError{Provider: "S3", Context: "put object", Err: err}
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}
