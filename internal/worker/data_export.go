package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/hqtran/collabhub/internal/jobs"
)

// Dataset is the tabular shape handed to the export formatters. Columns
// fixes both the CSV header and the per-row field order.
type Dataset struct {
	Columns []string
	Rows    []map[string]any
}

type dataExportResult struct {
	ExportType  string    `json:"exportType"`
	Format      string    `json:"format"`
	DownloadURL string    `json:"downloadUrl"`
	RecordCount int       `json:"recordCount"`
	FileSize    int       `json:"fileSize"`
	ExpiresAt   time.Time `json:"expiresAt"`
	GeneratedAt time.Time `json:"generatedAt"`
}

func (h *Handlers) exportData(ctx context.Context, env *jobs.Envelope, progress ProgressFunc) (json.RawMessage, error) {
	var p jobs.DataExportPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, jobs.NewExecutionError("malformed data export payload", err)
	}
	switch p.Format {
	case "json", "csv", "xml":
	default:
		return nil, jobs.NewExecutionError(fmt.Sprintf("unsupported export format: %s", p.Format), nil)
	}

	progress(10)

	ds, err := h.source.Fetch(ctx, env.ProjectID, p.ExportType)
	if err != nil {
		return nil, fmt.Errorf("fetch export dataset: %w", err)
	}
	progress(40)

	formatted, err := formatDataset(ds, p.Format)
	if err != nil {
		return nil, err
	}
	progress(70)

	if err := h.step(ctx); err != nil {
		return nil, jobs.NewExecutionError("export canceled", err)
	}
	now := h.now().UTC()
	filename := fmt.Sprintf("export_%d.%s", now.UnixMilli(), p.Format)
	progress(100)

	return marshalResult(dataExportResult{
		ExportType:  p.ExportType,
		Format:      p.Format,
		DownloadURL: "https://storage.example.com/exports/" + filename,
		RecordCount: len(ds.Rows),
		FileSize:    len(formatted),
		ExpiresAt:   now.Add(24 * time.Hour),
		GeneratedAt: now,
	})
}

func formatDataset(ds *Dataset, format string) (string, error) {
	switch format {
	case "json":
		b, err := json.MarshalIndent(ds.Rows, "", "  ")
		if err != nil {
			return "", fmt.Errorf("format json export: %w", err)
		}
		return string(b), nil
	case "csv":
		return formatCSV(ds), nil
	case "xml":
		return formatXML(ds), nil
	default:
		return "", jobs.NewExecutionError(fmt.Sprintf("unsupported export format: %s", format), nil)
	}
}

// formatCSV writes a header row from Columns followed by one line per
// row. String cells are quoted, everything else printed as-is.
func formatCSV(ds *Dataset) string {
	if len(ds.Rows) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(strings.Join(ds.Columns, ","))
	for _, row := range ds.Rows {
		sb.WriteByte('\n')
		for i, col := range ds.Columns {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(csvCell(row[col]))
		}
	}
	return sb.String()
}

func csvCell(v any) string {
	if s, ok := v.(string); ok {
		// Quotes inside a cell must be escaped or the row is unparseable.
		return strconv.Quote(s)
	}
	return fmt.Sprint(v)
}

func formatXML(ds *Dataset) string {
	var sb strings.Builder
	sb.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<data>\n")
	for _, row := range ds.Rows {
		sb.WriteString("  <record>\n")
		for _, col := range ds.Columns {
			fmt.Fprintf(&sb, "    <%s>%v</%s>\n", col, row[col], col)
		}
		sb.WriteString("  </record>\n")
	}
	sb.WriteString("</data>")
	return sb.String()
}

// simulatedSource fabricates a project dataset. It stands in until the
// export pipeline reads real project activity.
type simulatedSource struct {
	now func() time.Time
}

func (s *simulatedSource) Fetch(_ context.Context, projectID, exportType string) (*Dataset, error) {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	ts := now().UTC().Format(time.RFC3339)

	count := rand.Intn(500) + 100
	rows := make([]map[string]any, count)
	for i := range rows {
		rows[i] = map[string]any{
			"id":        i + 1,
			"projectId": projectID,
			"type":      exportType,
			"timestamp": ts,
			"data":      fmt.Sprintf("Record %d", i+1),
		}
	}
	return &Dataset{
		Columns: []string{"id", "projectId", "type", "timestamp", "data"},
		Rows:    rows,
	}, nil
}
