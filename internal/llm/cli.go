package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultMaxTurns = 50

// ErrAllowedToolsUnsupported is returned when a job restricts the agent's
// tools but the executor has no way to enforce the restriction.
var ErrAllowedToolsUnsupported = errors.New("executor does not support allowed_tools")

// SupportsAllowedTools reports whether the named executor can be limited to
// a tool allow-list. codex exec has no such flag.
func SupportsAllowedTools(name string) bool {
	return name == "claude"
}

// CLIExecutor invokes an agent via its CLI tool (claude or codex).
type CLIExecutor struct {
	name           string // "claude" or "codex"
	maxTurns       int
	transcriptsDir string
}

func NewCLIExecutor(name string, maxTurns int, transcriptsDir string) *CLIExecutor {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &CLIExecutor{name: name, maxTurns: maxTurns, transcriptsDir: transcriptsDir}
}

func (e *CLIExecutor) Name() string { return e.name }

func (e *CLIExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	if len(req.AllowedTools) > 0 && !SupportsAllowedTools(e.name) {
		return Outcome{}, fmt.Errorf("%s: %w", e.name, ErrAllowedToolsUnsupported)
	}
	start := time.Now()

	args := e.buildArgs(req)
	slog.Debug("llm exec", "executor", e.name, "job", req.JobID, "workdir", req.WorkingDirectory, "args_count", len(args))

	cmd := exec.CommandContext(ctx, e.name, args...)
	cmd.Dir = req.WorkingDirectory

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("stdout pipe: %w", err)
	}
	// Agent CLIs emit noisy internal warnings on stderr.
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("start %s: %w", e.name, err)
	}

	out := Outcome{TranscriptPath: e.transcriptPath(req.JobID)}
	transcript := openTranscript(out.TranscriptPath)
	if transcript != nil {
		defer transcript.Close()
	}

	res := parseStream(stdout, transcript)
	waitErr := cmd.Wait()

	out.Summary = res.text
	out.InputTokens = res.inputTokens
	out.OutputTokens = res.outputTokens
	out.DurationMS = time.Since(start).Milliseconds()

	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	switch {
	case waitErr != nil:
		out.ErrorMessage = fmt.Sprintf("%s exited with error: %v", e.name, waitErr)
		if res.errText != "" {
			out.ErrorMessage += ": " + res.errText
		}
	case res.isError:
		out.ErrorMessage = res.errText
		if out.ErrorMessage == "" {
			out.ErrorMessage = e.name + " reported an error result"
		}
	default:
		out.Success = true
	}
	return out, nil
}

func (e *CLIExecutor) buildArgs(req Request) []string {
	switch e.name {
	case "claude":
		args := []string{
			"--print",
			"--output-format", "stream-json",
			"--verbose",
			"--max-turns", strconv.Itoa(e.maxTurns),
		}
		if len(req.AllowedTools) > 0 {
			args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
		} else {
			args = append(args, "--dangerously-skip-permissions")
		}
		return append(args, req.Prompt)
	case "codex":
		return []string{
			"exec",
			"--full-auto",
			"--json",
			req.Prompt,
		}
	default:
		return []string{req.Prompt}
	}
}

func (e *CLIExecutor) transcriptPath(jobID string) string {
	if e.transcriptsDir == "" || jobID == "" {
		return ""
	}
	return filepath.Join(e.transcriptsDir, fmt.Sprintf("%s-%d.jsonl", jobID, time.Now().UnixNano()))
}

func openTranscript(path string) *os.File {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Warn("failed to create transcripts dir", "path", path, "err", err)
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("failed to open transcript", "path", path, "err", err)
		return nil
	}
	return f
}

type streamResult struct {
	text         string
	errText      string
	isError      bool
	inputTokens  int
	outputTokens int
}

// parseStream reads agent JSONL from r, copying each line to transcript when
// non-nil, and extracts the final text and token usage.
func parseStream(r io.Reader, transcript io.Writer) streamResult {
	var res streamResult

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024) // 1MB line buffer
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if transcript != nil {
			if _, err := io.WriteString(transcript, line+"\n"); err != nil {
				slog.Warn("failed to write transcript line", "err", err)
				transcript = nil
			}
		}

		var msg jsonlMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}

		switch {
		// Claude format: assistant messages with content blocks.
		case msg.Type == "assistant" && msg.Message.Content != nil:
			for _, block := range msg.Message.Content {
				if block.Type == "text" && block.Text != "" {
					res.text = block.Text
				}
			}
			res.inputTokens += msg.Message.Usage.InputTokens
			res.outputTokens += msg.Message.Usage.OutputTokens
		case msg.Type == "result":
			if msg.IsError {
				res.isError = true
				res.errText = firstNonEmpty(msg.Result, msg.Subtype)
			} else if msg.Result != "" {
				res.text = msg.Result
			}

		// Codex format: item.completed with nested item object.
		case msg.Type == "item.completed" && msg.Item != nil:
			if msg.Item.Type == "agent_message" && msg.Item.Text != "" {
				res.text = msg.Item.Text
			}

		// Codex format: turn.completed with usage stats.
		case msg.Type == "turn.completed" && msg.Usage != nil:
			res.inputTokens += msg.Usage.InputTokens
			res.outputTokens += msg.Usage.OutputTokens

		// Codex format: turn.failed with nested error object.
		case msg.Type == "turn.failed" && msg.Error != nil:
			res.isError = true
			res.errText = msg.Error.Message
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("llm stream read failed", "err", err)
		// Keep draining so the agent never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
	return res
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// JSONL message types. Supports both Claude and Codex formats.

type jsonlMessage struct {
	Type string `json:"type"`

	// Claude format fields.
	Message jsonlAssist `json:"message,omitempty"`
	Result  string      `json:"result,omitempty"`
	Subtype string      `json:"subtype,omitempty"`
	IsError bool        `json:"is_error,omitempty"`

	// Codex format fields.
	Item  *jsonlItem  `json:"item,omitempty"`
	Usage *jsonlUsage `json:"usage,omitempty"`
	Error *jsonlError `json:"error,omitempty"`
}

type jsonlAssist struct {
	Content []jsonlBlock `json:"content,omitempty"`
	Usage   jsonlUsage   `json:"usage,omitempty"`
}

type jsonlBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type jsonlItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type jsonlUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type jsonlError struct {
	Message string `json:"message"`
}
