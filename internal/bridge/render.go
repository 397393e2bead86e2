package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"

	"kgraphd/internal/core"
)

// renderSVG pipes the subgraph envelope as JSON into the configured
// renderer command and returns its stdout. The renderer contract:
// JSON on stdin, SVG on stdout, diagnostics on stderr, non-zero exit
// on failure.
func renderSVG(ctx context.Context, command []string, sg *core.Subgraph) ([]byte, *Envelope) {
	payload, err := json.Marshal(sg)
	if err != nil {
		return nil, &Envelope{Kind: KindInternal, Message: "encode subgraph: " + err.Error()}
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, &Envelope{Kind: KindCancelled, Message: "renderer cancelled: " + ctx.Err().Error()}
		}
		details := map[string]any{"stderr": stderr.String()}
		if exitErr, ok := err.(*exec.ExitError); ok {
			details["exit_code"] = exitErr.ExitCode()
		}
		return nil, &Envelope{Kind: KindInternal, Message: "renderer failed: " + err.Error(), Details: details}
	}
	if stdout.Len() == 0 {
		return nil, &Envelope{Kind: KindInternal, Message: "renderer produced no output",
			Details: map[string]any{"stderr": stderr.String()}}
	}
	return stdout.Bytes(), nil
}
