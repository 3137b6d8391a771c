package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"github.com/hqtran/collabhub/internal/jobs"
)

// codeExecutionResult mirrors what a sandboxed runner would report. The
// execution itself is simulated; a production deployment would swap in a
// container-backed runner behind the same shape.
type codeExecutionResult struct {
	Output        string `json:"output"`
	ExecutionTime int    `json:"executionTime"`
	MemoryUsed    int    `json:"memoryUsed"`
	ExitCode      int    `json:"exitCode"`
	Language      string `json:"language"`
}

func (h *Handlers) executeCode(ctx context.Context, env *jobs.Envelope, progress ProgressFunc) (json.RawMessage, error) {
	var p jobs.CodeExecutionPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, jobs.NewExecutionError("malformed code execution payload", err)
	}
	if strings.TrimSpace(p.Code) == "" {
		return nil, jobs.NewExecutionError("code must not be empty", nil)
	}

	progress(10)

	// Simulated sandbox run.
	if err := h.step(ctx); err != nil {
		return nil, jobs.NewExecutionError("execution canceled", err)
	}
	progress(50)

	result := codeExecutionResult{
		Output:        renderExecutionOutput(p.Code, p.Language),
		ExecutionTime: rand.Intn(1000) + 100,
		MemoryUsed:    rand.Intn(50) + 10,
		ExitCode:      0,
		Language:      p.Language,
	}
	progress(100)

	return marshalResult(result)
}

// renderExecutionOutput fakes interpreter output per language. Unknown
// languages still produce a generic transcript rather than failing; the
// submit path is where language support is enforced.
func renderExecutionOutput(code, language string) string {
	switch language {
	case "javascript":
		return fmt.Sprintf("> Executing JavaScript...\n%s\n> Execution completed successfully", code)
	case "python":
		return fmt.Sprintf(">>> Executing Python...\n%s\n>>> Done", code)
	case "java":
		return fmt.Sprintf("Compiling Java...\nExecuting...\n%s\nExecution completed", code)
	case "cpp":
		return fmt.Sprintf("Compiling C++...\nLinking...\nExecuting...\n%s\nProcess finished", code)
	default:
		return fmt.Sprintf("Executing %s...\n%s\nCompleted", language, code)
	}
}
