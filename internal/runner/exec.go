package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/promptkit-io/activator/internal/registry"
	"github.com/promptkit-io/activator/internal/workspace"
)

// SubprocessExecutor plans and runs pipelines by shelling out to the
// pipeline middleware CLI.
//
// Planning invokes `<command> plan` with the pipeline file, the repository
// location, the input chain, and a data query; the CLI writes the serialized
// task graph to the given file and prints {"quanta": N} on stdout. Execution
// invokes `<command> run` over that graph file.
type SubprocessExecutor struct {
	// Command is the middleware CLI binary, e.g. "pipetask".
	Command string

	// GraphDir holds serialized task graphs between plan and run. Defaults
	// to the system temp directory.
	GraphDir string

	Logger *slog.Logger
}

// execGraph is a planned graph backed by a file on disk.
type execGraph struct {
	file   string
	quanta int
}

// Empty reports whether the plan contains no quanta.
func (g *execGraph) Empty() bool { return g.quanta == 0 }

// planOutput is the JSON the middleware CLI prints after planning.
type planOutput struct {
	Quanta int `json:"quanta"`
}

// BuildGraph plans pipelineFile over the workspace contents reachable from
// inputChain. A plan that covers no data is returned as an empty graph, not
// an error.
func (e *SubprocessExecutor) BuildGraph(ctx context.Context, ws *workspace.Workspace, pipelineFile, inputChain string,
	where registry.DataID, whereIn map[string][]string,
) (Graph, error) {
	graphFile := filepath.Join(e.graphDir(), "graph-"+uuid.NewString()+".qgraph")

	args := []string{
		"plan",
		"--pipeline", pipelineFile,
		"--repo", repoArg(ws),
		"--input", inputChain,
		"--save-graph", graphFile,
	}

	if query := buildDataQuery(where, whereIn); query != "" {
		args = append(args, "--where", query)
	}

	stdout, err := e.run(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("failed to plan pipeline %s: %w", pipelineFile, err)
	}

	var plan planOutput
	if err := json.Unmarshal(stdout, &plan); err != nil {
		return nil, fmt.Errorf("failed to plan pipeline %s: unreadable plan output: %w", pipelineFile, err)
	}

	if plan.Quanta == 0 {
		// Nothing to execute, so nothing to keep on disk.
		_ = os.Remove(graphFile)
	}

	return &execGraph{file: graphFile, quanta: plan.Quanta}, nil
}

// Run executes a planned graph, writing outputs into outputRun. The graph
// file is removed afterwards, kept only when execution fails so it can be
// replayed by hand.
func (e *SubprocessExecutor) Run(ctx context.Context, ws *workspace.Workspace, g Graph, outputRun string) error {
	graph, ok := g.(*execGraph)
	if !ok {
		return fmt.Errorf("graph was not planned by this executor")
	}

	args := []string{
		"run",
		"--graph", graph.file,
		"--repo", repoArg(ws),
		"--output-run", outputRun,
	}

	if _, err := e.run(ctx, args); err != nil {
		return fmt.Errorf("failed to execute graph %s: %w", graph.file, err)
	}

	_ = os.Remove(graph.file)

	return nil
}

func (e *SubprocessExecutor) run(ctx context.Context, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.Command, args...)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if e.Logger != nil {
		e.Logger.DebugContext(ctx, "invoking pipeline middleware",
			slog.String("command", e.Command),
			slog.String("args", strings.Join(args, " ")),
		)
	}

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}

		return nil, fmt.Errorf("%s %s: %s", e.Command, args[0], msg)
	}

	return stdout.Bytes(), nil
}

func (e *SubprocessExecutor) graphDir() string {
	if e.GraphDir != "" {
		return e.GraphDir
	}

	return os.TempDir()
}

// repoArg is the repository locator the middleware CLI addresses the
// workspace by.
func repoArg(ws *workspace.Workspace) string {
	switch b := ws.Backend().(type) {
	case workspace.LocalPath:
		return b.Root
	case workspace.RemoteStaging:
		return b.BaseURI
	default:
		return ""
	}
}

// buildDataQuery renders constraints as the middleware's data query
// language, with deterministic key order.
func buildDataQuery(where registry.DataID, whereIn map[string][]string) string {
	var clauses []string

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		clauses = append(clauses, fmt.Sprintf("%s = '%s'", k, where[k]))
	}

	inKeys := make([]string, 0, len(whereIn))
	for k := range whereIn {
		inKeys = append(inKeys, k)
	}

	sort.Strings(inKeys)

	for _, k := range inKeys {
		values := whereIn[k]
		if len(values) == 0 {
			continue
		}

		quoted := make([]string, 0, len(values))
		for _, v := range values {
			quoted = append(quoted, "'"+v+"'")
		}

		clauses = append(clauses, fmt.Sprintf("%s IN (%s)", k, strings.Join(quoted, ", ")))
	}

	return strings.Join(clauses, " AND ")
}
