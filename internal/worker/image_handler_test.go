package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"content-orchestrator/internal/config"
	"content-orchestrator/internal/failure"
	"content-orchestrator/internal/models"
	"content-orchestrator/internal/store"
	"content-orchestrator/internal/store/memory"
)

func redSquare(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func decodeFile(t *testing.T, path string) image.Image {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	return img
}

func TestCoverImageResizeGrayscaleAndThumbnail(t *testing.T) {
	src := redSquare(t, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(src)
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	cfg := config.Config{
		ImageOutputDir:       tempDir,
		ImageDownloadTimeout: 2 * time.Second,
		ImageMaxBytes:        2 * 1024 * 1024,
		ImageDefaultWidth:    5,
		CodecPoolSize:        1,
	}
	handler, err := NewImageHandler(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new image handler: %v", err)
	}

	st := memory.New()
	proc := newTestProcessor(t, st, nil, testHandlers(map[models.JobType]Handler{models.JobCoverImage: handler}))
	job := createJob(t, st, store.CreateJobParams{
		Type:        models.JobCoverImage,
		MaxAttempts: 1,
		Payload: map[string]any{
			"source_url":      srv.URL,
			"grayscale":       true,
			"width":           5,
			"output_key":      "thumbs/test.png",
			"thumbnail_width": 3,
		},
	})
	if err := proc.HandleMessage(context.Background(), models.MessageFor(job)); err != nil {
		t.Fatalf("handle image: %v", err)
	}

	got := mustGet(t, st, job.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s (error %v)", got.Status, got.Error)
	}
	if got.Progress.Counter("files_uploaded") != 2 {
		t.Fatalf("expected 2 uploads, got %d", got.Progress.Counter("files_uploaded"))
	}

	outImg := decodeFile(t, filepath.Join(tempDir, "thumbs", "test.png"))
	if outImg.Bounds().Dx() != 5 {
		t.Fatalf("expected width 5, got %d", outImg.Bounds().Dx())
	}
	r, g, b, _ := outImg.At(0, 0).RGBA()
	if r != g || g != b {
		t.Fatalf("expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)
	}

	thumb := decodeFile(t, filepath.Join(tempDir, "thumbs", "thumb_test.png"))
	if thumb.Bounds().Dx() != 3 || thumb.Bounds().Dy() != 3 {
		t.Fatalf("expected 3x3 thumbnail, got %v", thumb.Bounds())
	}
}

func TestCoverImageValidate(t *testing.T) {
	handler, err := NewImageHandler(context.Background(), config.Config{ImageOutputDir: t.TempDir()}, NewCodecPool(1))
	if err != nil {
		t.Fatalf("new image handler: %v", err)
	}

	cases := map[string]map[string]any{
		"missing source":      {"width": 10},
		"negative width":      {"source_url": "http://example.test/a.png", "width": -1},
		"s3 not configured":   {"source_url": "http://example.test/a.png", "destination": "s3"},
		"unknown destination": {"source_url": "http://example.test/a.png", "destination": "ftp"},
	}
	for name, payload := range cases {
		err := handler.Validate(models.Job{Type: models.JobCoverImage, Payload: payload})
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		if failure.KindOf(err) != failure.KindData {
			t.Fatalf("%s: expected data error, got %s", name, failure.KindOf(err))
		}
	}

	if err := handler.Validate(models.Job{Type: models.JobCoverImage, Payload: map[string]any{"source_url": "http://example.test/a.png"}}); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}
}

func TestCoverImageUndecodableIsDataError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not an image"))
	}))
	defer srv.Close()

	handler, err := NewImageHandler(context.Background(), config.Config{ImageOutputDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("new image handler: %v", err)
	}
	st := memory.New()
	tr := &fakeTransport{}
	proc := newTestProcessor(t, st, tr, testHandlers(map[models.JobType]Handler{models.JobCoverImage: handler}))
	job := createJob(t, st, store.CreateJobParams{
		Type:        models.JobCoverImage,
		MaxAttempts: 3,
		Payload:     map[string]any{"source_url": srv.URL},
	})
	if err := proc.HandleMessage(context.Background(), models.MessageFor(job)); err != nil {
		t.Fatalf("handle image: %v", err)
	}
	got := mustGet(t, st, job.ID)
	if got.Status != models.StatusFailed || len(tr.retried) != 0 {
		t.Fatalf("expected terminal failure without retry, got %s with %d retries", got.Status, len(tr.retried))
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd": "etc/passwd",
		"/covers/a.png":    "covers/a.png",
		"./x/../y.jpg":     "y.jpg",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}
