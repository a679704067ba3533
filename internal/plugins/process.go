package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cfpforge/backend/internal/hooks"
)

// MaxProcessOutput caps what a process plugin may write to stdout per call.
const MaxProcessOutput = 1 << 20

type processEnvelope struct {
	Hook    string          `json:"hook,omitempty"`
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload"`
	Config  map[string]any  `json:"config"`
}

type processReply struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// processPlugin runs an executable from the plugin directory once per hook or action.
type processPlugin struct {
	entry string
	pctx  *Context
}

func newProcessPlugin(entry string) *processPlugin {
	return &processPlugin{entry: entry}
}

func (p *processPlugin) Init(pctx *Context) error {
	path := filepath.Join(pctx.Dir, filepath.FromSlash(p.entry))
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("entry %s: %w", p.entry, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o100 == 0 {
		return fmt.Errorf("entry %s is not executable", p.entry)
	}
	p.pctx = pctx
	return nil
}

func (p *processPlugin) HandleHook(ctx context.Context, hook hooks.Hook, payload json.RawMessage) error {
	_, err := p.run(ctx, []string{"hook", string(hook)}, processEnvelope{Hook: string(hook), Payload: payload, Config: p.pctx.Config})
	return err
}

func (p *processPlugin) Invoke(ctx context.Context, action string, input json.RawMessage) (json.RawMessage, error) {
	return p.run(ctx, []string{"action", action}, processEnvelope{Action: action, Payload: input, Config: p.pctx.Config})
}

func (p *processPlugin) Shutdown(context.Context) error { return nil }

func (p *processPlugin) run(ctx context.Context, args []string, env processEnvelope) (json.RawMessage, error) {
	if env.Payload == nil {
		env.Payload = json.RawMessage("null")
	}
	stdin, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, filepath.Join(p.pctx.Dir, filepath.FromSlash(p.entry)), args...)
	cmd.Dir = p.pctx.Dir
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(),
		"CFP_PLUGIN_NAME="+p.pctx.Name,
		"CFP_PLUGIN_DIR="+p.pctx.Dir,
		"CFP_PLUGIN_DATA_DIR="+p.pctx.dataDir,
	)
	cmd.Stdin = bytes.NewReader(stdin)
	stdout := &cappedBuffer{max: MaxProcessOutput}
	stderr := &cappedBuffer{max: 4 << 10}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("process %s: %w", args[1], ctx.Err())
	}
	if stdout.overflow {
		return nil, fmt.Errorf("process %s: output exceeds %d bytes", args[1], MaxProcessOutput)
	}

	var reply processReply
	if err := json.Unmarshal(stdout.buf.Bytes(), &reply); err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("process %s: %w: %s", args[1], runErr, bytes.TrimSpace(stderr.buf.Bytes()))
		}
		return nil, fmt.Errorf("process %s: malformed reply: %w", args[1], err)
	}
	if !reply.OK {
		msg := reply.Error
		if msg == "" {
			msg = "plugin reported failure"
		}
		return nil, errors.New(msg)
	}
	if runErr != nil {
		return nil, fmt.Errorf("process %s: %w", args[1], runErr)
	}
	return reply.Data, nil
}

// cappedBuffer keeps at most max bytes and records whether more were written.
type cappedBuffer struct {
	max      int
	buf      bytes.Buffer
	overflow bool
}

func (c *cappedBuffer) Write(b []byte) (int, error) {
	room := c.max - c.buf.Len()
	if len(b) > room {
		c.overflow = true
		if room > 0 {
			c.buf.Write(b[:room])
		}
		return len(b), nil
	}
	return c.buf.Write(b)
}

var _ io.Writer = (*cappedBuffer)(nil)
