// Package pilot bridges a local JSONL command queue into the outbox and
// commit layer, letting a human operator steer the agent without going
// through the limbic loop. Commands are appended to
// state/pilot_commands.jsonl; results land in state/pilot_outputs.jsonl.
package pilot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"magenta/internal/flow"
	"magenta/internal/limbic"
	"magenta/internal/logging"
)

const defaultPollInterval = 2 * time.Second

// Command is one line of the pilot command queue.
type Command struct {
	ID              string      `json:"id"`
	Op              string      `json:"op"`
	Draft           *flow.Draft `json:"draft,omitempty"`
	DraftID         string      `json:"draft_id,omitempty"`
	BypassPreflight bool        `json:"bypass_preflight,omitempty"`
	QuietHours      float64     `json:"quiet_hours,omitempty"`
	Signal          string      `json:"signal,omitempty"`
}

// Output is one line of the pilot output log.
type Output struct {
	CommandID string    `json:"command_id"`
	Op        string    `json:"op"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	DraftID   string    `json:"draft_id,omitempty"`
	URI       string    `json:"uri,omitempty"`
	Reasons   []string  `json:"reasons,omitempty"`
	Detail    any       `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

type offsetState struct {
	Offset int64 `json:"offset"`
}

// Pilot tails the command file and executes each command at most once:
// the offset file is advanced before execution, so a restart never
// replays a command but a crash mid-command drops it.
type Pilot struct {
	commandsPath string
	outputsPath  string
	offsetPath   string

	outbox    *flow.Outbox
	states    *flow.StateStore
	validator *flow.Validator
	committer *flow.Committer
	limbic    *limbic.Limbic

	log          *zap.Logger
	pollInterval time.Duration
	now          func() time.Time
}

// Deps carries the pilot's collaborators. Limbic is optional; quiet and
// force commands fail gracefully without it.
type Deps struct {
	StateDir  string
	Outbox    *flow.Outbox
	States    *flow.StateStore
	Validator *flow.Validator
	Committer *flow.Committer
	Limbic    *limbic.Limbic
	Logger    *zap.Logger
}

// New builds a pilot rooted at StateDir.
func New(deps Deps) *Pilot {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pilot{
		commandsPath: filepath.Join(deps.StateDir, "pilot_commands.jsonl"),
		outputsPath:  filepath.Join(deps.StateDir, "pilot_outputs.jsonl"),
		offsetPath:   filepath.Join(deps.StateDir, "pilot_offset.json"),
		outbox:       deps.Outbox,
		states:       deps.States,
		validator:    deps.Validator,
		committer:    deps.Committer,
		limbic:       deps.Limbic,
		log:          log,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

// Run tails the command queue until the context is cancelled. A
// filesystem watcher gives low latency; a poll ticker covers editors
// and mounts that do not emit events.
func (p *Pilot) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(p.commandsPath), 0755); err != nil {
		return fmt.Errorf("failed to create pilot state directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create pilot watcher: %w", err)
	}
	defer watcher.Close()
	// Watch the directory: the command file may not exist yet, and
	// appenders that write via rename would detach a file watch.
	if err := watcher.Add(filepath.Dir(p.commandsPath)); err != nil {
		return fmt.Errorf("failed to watch pilot directory: %w", err)
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.log.Info("pilot bridge started", zap.String("commands", p.commandsPath))
	p.Drain(ctx)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("pilot bridge stopping")
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name == p.commandsPath && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				p.Drain(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.log.Warn("pilot watcher error", zap.Error(err))
		case <-ticker.C:
			p.Drain(ctx)
		}
	}
}

// Drain processes every unread command line. Each processed line
// advances the offset, even when the command itself fails.
func (p *Pilot) Drain(ctx context.Context) {
	offset := p.loadOffset()

	f, err := os.Open(p.commandsPath)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	// A truncated or replaced queue restarts from the top.
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			break
		}
		if err != nil {
			// Partial trailing line: the writer is mid-append, retry
			// on the next event.
			break
		}
		offset += int64(len(line))
		p.saveOffset(offset)

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var cmd Command
		if jsonErr := json.Unmarshal([]byte(trimmed), &cmd); jsonErr != nil {
			p.emit(Output{Op: "unknown", Status: "error", Error: "unparseable command line"})
			continue
		}
		p.emit(p.Execute(ctx, cmd))
	}
}

// Execute runs one command and returns its result line.
func (p *Pilot) Execute(ctx context.Context, cmd Command) Output {
	out := Output{CommandID: cmd.ID, Op: cmd.Op, At: p.now().UTC()}

	switch cmd.Op {
	case "queue":
		p.execQueue(cmd, &out)
	case "commit":
		p.execCommit(ctx, cmd, &out)
	case "abort":
		p.execAbort(cmd, &out)
	case "quiet":
		p.execQuiet(cmd, &out)
	case "wake":
		p.execWake(cmd, &out)
	case "status":
		p.execStatus(&out)
	default:
		out.Status = "error"
		out.Error = fmt.Sprintf("unknown op: %s", cmd.Op)
	}
	logging.Pilot("%s -> %s draft=%s", cmd.Op, out.Status, out.DraftID)
	return out
}

func (p *Pilot) execQueue(cmd Command, out *Output) {
	if cmd.Draft == nil {
		out.Status = "error"
		out.Error = "queue requires a draft"
		return
	}
	draft := cmd.Draft
	if err := p.outbox.Create(draft); err != nil {
		out.Status = "error"
		out.Error = err.Error()
		return
	}
	if _, err := p.outbox.MarkQueued(draft.ID, "pilot"); err != nil {
		out.Status = "error"
		out.Error = err.Error()
		return
	}
	out.Status = "queued"
	out.DraftID = draft.ID
}

func (p *Pilot) execCommit(ctx context.Context, cmd Command, out *Output) {
	draft, err := p.resolveDraft(cmd)
	if err != nil {
		out.Status = "error"
		out.Error = err.Error()
		return
	}
	out.DraftID = draft.ID

	state := p.states.Load()
	if !cmd.BypassPreflight {
		pre := p.validator.Validate(draft, state)
		if !pre.Passed {
			_, _ = p.outbox.MarkAborted(draft.ID, strings.Join(pre.Reasons, ";"))
			out.Status = "preflight_failed"
			out.Reasons = pre.Reasons
			return
		}
	}

	result := p.committer.Commit(ctx, draft)
	if !result.Success {
		_, _ = p.outbox.MarkAborted(draft.ID, "commit_failed")
		out.Status = "commit_failed"
		out.Error = result.Error
		return
	}
	if _, err := p.outbox.MarkCommitted(draft.ID, result.ExternalURI); err != nil {
		p.log.Warn("pilot commit bookkeeping failed", zap.Error(err))
	}

	now := p.now().UTC()
	state.MarkCommit(now)
	if draft.Kind.TextBearing() && draft.Text != "" {
		state.AddPostHash(flow.TextHash(draft.Text), string(draft.Kind), now)
	}
	state.RecentCommitTimes = append(state.RecentCommitTimes, now)
	if err := p.states.Save(state); err != nil {
		p.log.Warn("pilot state save failed", zap.Error(err))
	}

	out.Status = "committed"
	out.URI = result.ExternalURI
}

func (p *Pilot) execAbort(cmd Command, out *Output) {
	if cmd.DraftID == "" {
		out.Status = "error"
		out.Error = "abort requires draft_id"
		return
	}
	if _, err := p.outbox.MarkAborted(cmd.DraftID, "pilot_abort"); err != nil {
		out.Status = "error"
		out.Error = err.Error()
		return
	}
	out.Status = "aborted"
	out.DraftID = cmd.DraftID
}

func (p *Pilot) execQuiet(cmd Command, out *Output) {
	if p.limbic == nil {
		out.Status = "error"
		out.Error = "no limbic engine attached"
		return
	}
	if cmd.QuietHours <= 0 {
		p.limbic.ClearQuiet()
		out.Status = "quiet_cleared"
		return
	}
	p.limbic.SetQuiet(time.Duration(cmd.QuietHours * float64(time.Hour)))
	out.Status = "quiet_set"
}

func (p *Pilot) execWake(cmd Command, out *Output) {
	if p.limbic == nil {
		out.Status = "error"
		out.Error = "no limbic engine attached"
		return
	}
	p.limbic.ClearQuiet()
	if cmd.Signal != "" {
		emission := p.limbic.Force(limbic.Kind(cmd.Signal))
		if emission == nil {
			out.Status = "error"
			out.Error = fmt.Sprintf("unknown signal: %s", cmd.Signal)
			return
		}
		out.Detail = emission
	}
	out.Status = "awake"
}

func (p *Pilot) execStatus(out *Output) {
	detail := map[string]any{
		"queued_drafts": len(p.outbox.ListByStatus(flow.StatusQueued)),
	}
	if p.limbic != nil {
		detail["limbic"] = p.limbic.Report()
	}
	out.Status = "ok"
	out.Detail = detail
}

// resolveDraft loads an existing draft by id or persists an inline one.
func (p *Pilot) resolveDraft(cmd Command) (*flow.Draft, error) {
	if cmd.DraftID != "" {
		draft := p.outbox.Get(cmd.DraftID)
		if draft == nil {
			return nil, fmt.Errorf("draft not found: %s", cmd.DraftID)
		}
		return draft, nil
	}
	if cmd.Draft == nil {
		return nil, fmt.Errorf("commit requires draft or draft_id")
	}
	if err := p.outbox.Create(cmd.Draft); err != nil {
		return nil, err
	}
	return cmd.Draft, nil
}

func (p *Pilot) emit(out Output) {
	if out.At.IsZero() {
		out.At = p.now().UTC()
	}
	data, err := json.Marshal(out)
	if err != nil {
		p.log.Warn("pilot output marshal failed", zap.Error(err))
		return
	}
	f, err := os.OpenFile(p.outputsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		p.log.Warn("pilot output open failed", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		p.log.Warn("pilot output write failed", zap.Error(err))
	}
}

func (p *Pilot) loadOffset() int64 {
	data, err := os.ReadFile(p.offsetPath)
	if err != nil {
		return 0
	}
	var state offsetState
	if err := json.Unmarshal(data, &state); err != nil {
		return 0
	}
	return state.Offset
}

func (p *Pilot) saveOffset(offset int64) {
	data, _ := json.Marshal(offsetState{Offset: offset})
	tmp := p.offsetPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return
	}
	_ = os.Rename(tmp, p.offsetPath)
}
