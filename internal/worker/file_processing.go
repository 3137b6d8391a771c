package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"path"
	"strings"
	"time"

	"github.com/hqtran/collabhub/internal/jobs"
)

func (h *Handlers) processFile(ctx context.Context, env *jobs.Envelope, progress ProgressFunc) (json.RawMessage, error) {
	var p jobs.FileProcessingPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, jobs.NewExecutionError("malformed file processing payload", err)
	}
	if p.FileURL == "" {
		return nil, jobs.NewExecutionError("fileUrl must not be empty", nil)
	}

	progress(20)

	var (
		result any
		err    error
	)
	switch p.Operation {
	case "parse":
		result, err = h.parseFile(ctx, p.FileURL, progress)
	case "compress":
		result, err = h.compressFile(ctx, p.FileURL, progress)
	case "convert":
		if p.TargetFormat == "" {
			return nil, jobs.NewExecutionError("convert requires targetFormat", nil)
		}
		result, err = h.convertFile(ctx, p.FileURL, p.TargetFormat, progress)
	default:
		return nil, jobs.NewExecutionError(fmt.Sprintf("invalid operation: %s", p.Operation), nil)
	}
	if err != nil {
		return nil, err
	}

	progress(100)
	return marshalResult(result)
}

type parseResult struct {
	Operation  string    `json:"operation"`
	FileURL    string    `json:"fileUrl"`
	LinesCount int       `json:"linesCount"`
	Size       int       `json:"size"`
	ParsedAt   time.Time `json:"parsedAt"`
}

func (h *Handlers) parseFile(ctx context.Context, fileURL string, progress ProgressFunc) (any, error) {
	if err := h.step(ctx); err != nil {
		return nil, jobs.NewExecutionError("parse canceled", err)
	}
	progress(60)

	return parseResult{
		Operation:  "parse",
		FileURL:    fileURL,
		LinesCount: rand.Intn(1000) + 100,
		Size:       rand.Intn(5000) + 500,
		ParsedAt:   h.now().UTC(),
	}, nil
}

type compressResult struct {
	Operation        string    `json:"operation"`
	OriginalURL      string    `json:"originalUrl"`
	CompressedURL    string    `json:"compressedUrl"`
	OriginalSize     int       `json:"originalSize"`
	CompressedSize   int       `json:"compressedSize"`
	CompressionRatio string    `json:"compressionRatio"`
	CompressedAt     time.Time `json:"compressedAt"`
}

func (h *Handlers) compressFile(ctx context.Context, fileURL string, progress ProgressFunc) (any, error) {
	if err := h.step(ctx); err != nil {
		return nil, jobs.NewExecutionError("compress canceled", err)
	}
	progress(60)

	original := rand.Intn(5000) + 1000
	compressed := rand.Intn(2000) + 500
	return compressResult{
		Operation:        "compress",
		OriginalURL:      fileURL,
		CompressedURL:    replaceExtension(fileURL, "zip"),
		OriginalSize:     original,
		CompressedSize:   compressed,
		CompressionRatio: "60%",
		CompressedAt:     h.now().UTC(),
	}, nil
}

type convertResult struct {
	Operation    string    `json:"operation"`
	OriginalURL  string    `json:"originalUrl"`
	ConvertedURL string    `json:"convertedUrl"`
	TargetFormat string    `json:"targetFormat"`
	ConvertedAt  time.Time `json:"convertedAt"`
}

func (h *Handlers) convertFile(ctx context.Context, fileURL, targetFormat string, progress ProgressFunc) (any, error) {
	if err := h.step(ctx); err != nil {
		return nil, jobs.NewExecutionError("convert canceled", err)
	}
	progress(60)

	return convertResult{
		Operation:    "convert",
		OriginalURL:  fileURL,
		ConvertedURL: replaceExtension(fileURL, targetFormat),
		TargetFormat: targetFormat,
		ConvertedAt:  h.now().UTC(),
	}, nil
}

// replaceExtension swaps the final extension of url for ext. A url with
// no extension gets ext appended.
func replaceExtension(url, ext string) string {
	old := path.Ext(url)
	if old == "" {
		return url + "." + ext
	}
	return strings.TrimSuffix(url, old) + "." + ext
}
