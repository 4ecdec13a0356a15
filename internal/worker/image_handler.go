package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"content-orchestrator/internal/config"
	"content-orchestrator/internal/content"
	"content-orchestrator/internal/failure"
	"content-orchestrator/internal/models"
)

type imageUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ImageHandler runs cover_image jobs: download -> transform -> upload.
// Decoding, resizing and encoding run inside the codec pool.
type ImageHandler struct {
	cfg     config.Config
	fetcher *content.Fetcher
	codec   *CodecPool
	local   imageUploader
	s3      imageUploader
}

// Image job payload accepted from the queue.
type imageJobPayload struct {
	SourceURL      string `json:"source_url"`
	OutputKey      string `json:"output_key"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Grayscale      bool   `json:"grayscale"`
	ThumbnailWidth int    `json:"thumbnail_width"`
	Destination    string `json:"destination"`
}

const defaultThumbnailWidth = 300

// NewImageHandler constructs the handler and its uploaders. S3 is configured only
// when a bucket is set.
func NewImageHandler(ctx context.Context, cfg config.Config, codec *CodecPool) (*ImageHandler, error) {
	baseDir := cfg.ImageOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}
	if codec == nil {
		codec = NewCodecPool(cfg.CodecPoolSize)
	}

	var s3Upload imageUploader
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ImageS3Bucket}
	}

	return &ImageHandler{
		cfg:     cfg,
		fetcher: content.NewFetcher(cfg.ImageDownloadTimeout, cfg.ImageMaxBytes),
		codec:   codec,
		local:   &localUploader{baseDir: baseDir},
		s3:      s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
		o.UsePathStyle = cfg.ImageS3PathStyle
	}), nil
}

// Validate checks the payload without touching the network.
func (h *ImageHandler) Validate(job models.Job) error {
	payload, err := h.decodePayload(job)
	if err != nil {
		return err
	}
	_, err = h.pickUploader(payload.Destination)
	return err
}

// Handle downloads, transforms and uploads a single image plus its thumbnail.
func (h *ImageHandler) Handle(rc *RunContext) (map[string]any, error) {
	job := rc.Job()
	payload, err := h.decodePayload(job)
	if err != nil {
		return nil, err
	}

	var data []byte
	var contentType string
	if err := rc.Stage("download", func(ctx context.Context) error {
		data, contentType, err = h.fetcher.Fetch(ctx, payload.SourceURL)
		if err == nil {
			rc.Max("bytes_downloaded", int64(len(data)))
		}
		return err
	}); err != nil {
		return nil, err
	}

	var main, thumb []byte
	var outputFormat imaging.Format
	var bounds image.Rectangle
	if err := rc.Stage("transform", func(ctx context.Context) error {
		return h.codec.Do(ctx, func() error {
			img, format, err := image.Decode(bytes.NewReader(data))
			if err != nil {
				return failure.Data("decode image", err)
			}
			if payload.Grayscale {
				img = imaging.Grayscale(img)
			}
			img = imaging.Resize(img, payload.Width, payload.Height, imaging.Lanczos)
			bounds = img.Bounds()

			outputFormat = chooseFormat(payload.OutputKey, format, contentType)
			buf := &bytes.Buffer{}
			if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
				return fmt.Errorf("encode image: %w", err)
			}
			main = buf.Bytes()

			small, err := thumbnail(img, payload.ThumbnailWidth)
			if err != nil {
				return err
			}
			tbuf := &bytes.Buffer{}
			if err := imaging.Encode(tbuf, small, outputFormat, imaging.JPEGQuality(80)); err != nil {
				return fmt.Errorf("encode thumbnail: %w", err)
			}
			thumb = tbuf.Bytes()
			return nil
		})
	}); err != nil {
		return nil, err
	}

	outputKey := payload.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("covers/%s.%s", job.ID, formatExtension(outputFormat))
	}
	outputKey = sanitizeKey(outputKey)
	thumbKey := thumbnailKey(outputKey)
	mime := mimeForFormat(outputFormat, contentType)

	var url, thumbURL string
	if err := rc.Stage("upload", func(ctx context.Context) error {
		uploader, err := h.pickUploader(payload.Destination)
		if err != nil {
			return err
		}
		if url, err = uploader.Upload(ctx, outputKey, main, mime); err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		rc.Add("files_uploaded", 1)
		if thumbURL, err = uploader.Upload(ctx, thumbKey, thumb, mime); err != nil {
			return fmt.Errorf("upload thumbnail: %w", err)
		}
		rc.Add("files_uploaded", 1)
		return nil
	}); err != nil {
		return nil, err
	}

	return map[string]any{
		"url":           url,
		"thumbnail_url": thumbURL,
		"width":         bounds.Dx(),
		"height":        bounds.Dy(),
	}, nil
}

// thumbnail scales img to width, keeping the aspect ratio.
func thumbnail(img image.Image, width int) (image.Image, error) {
	src := img.Bounds()
	if src.Dx() == 0 || src.Dy() == 0 {
		return nil, failure.Dataf("thumbnail", "invalid image dimensions")
	}
	if width <= 0 {
		width = defaultThumbnailWidth
	}
	if width > src.Dx() {
		width = src.Dx()
	}
	height := int(float64(src.Dy()) * float64(width) / float64(src.Dx()))
	if height == 0 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Over, nil)
	return dst, nil
}

func (h *ImageHandler) decodePayload(job models.Job) (imageJobPayload, error) {
	payload := imageJobPayload{ThumbnailWidth: defaultThumbnailWidth}
	if err := decodePayload(job, &payload); err != nil {
		return payload, err
	}
	if payload.SourceURL == "" {
		return payload, failure.Dataf("validate", "source_url is required")
	}
	if payload.Width < 0 || payload.Height < 0 {
		return payload, failure.Dataf("validate", "width and height must not be negative")
	}
	if payload.Width == 0 && payload.Height == 0 {
		payload.Width = h.cfg.ImageDefaultWidth
		payload.Height = h.cfg.ImageDefaultHeight
	}
	if payload.Width == 0 && payload.Height == 0 {
		payload.Width = 320
	}
	if payload.Destination == "" {
		if h.cfg.ImageS3Bucket != "" {
			payload.Destination = "s3"
		} else {
			payload.Destination = "local"
		}
	}
	return payload, nil
}

func (h *ImageHandler) pickUploader(destination string) (imageUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, failure.Data("upload", errors.New("destination s3 requested but IMAGE_S3_BUCKET is not configured"))
	case "local", "":
		if h.local != nil {
			return h.local, nil
		}
	default:
		return nil, failure.Dataf("upload", "unknown destination %q", destination)
	}
	return nil, failure.Data("upload", errors.New("no uploader configured"))
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

func thumbnailKey(key string) string {
	dir, file := filepath.Split(key)
	return dir + "thumb_" + file
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
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
