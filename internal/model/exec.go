package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"ramsis/internal/task/engine"
)

// Exec runs a command per invocation, writing the request as JSON to stdin
// and reading the response as JSON from stdout. A non-zero exit is retried by
// the engine; an undecodable response is not.
type Exec struct {
	name    string
	command []string
	params  map[string]float64
}

func NewExec(name string, command []string, params map[string]float64) *Exec {
	return &Exec{name: name, command: append([]string(nil), command...), params: params}
}

func (e *Exec) Name() string { return e.name }

func (e *Exec) Invoke(ctx context.Context, req Request) (Response, error) {
	if len(e.command) == 0 {
		return Response{}, engine.NoRetry(fmt.Errorf("model %s: empty command", e.name))
	}
	req.Model = e.name
	body, err := json.Marshal(withParams(req, e.params))
	if err != nil {
		return Response{}, engine.NoRetry(fmt.Errorf("model %s: encode request: %w", e.name, err))
	}

	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	cmd.Stdin = bytes.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) && msg != "" {
			return Response{}, fmt.Errorf("model %s: %w: %s", e.name, err, msg)
		}
		return Response{}, fmt.Errorf("model %s: %w", e.name, err)
	}

	var resp Response
	dec := json.NewDecoder(&stdout)
	if err := dec.Decode(&resp); err != nil {
		return Response{}, engine.NoRetry(fmt.Errorf("model %s: decode response: %w", e.name, err))
	}
	return resp, Check(e.name, resp)
}
