package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/inbox"
	"FlowPilot/internal/orchestrator"
	"FlowPilot/internal/session"
)

const chatHelp = `Type a request in plain language.
  /confirm [plan-id]  run the plan shown in the last preview
  /cancel             cancel the current request or running plan
  /help               show this help
  /quit               exit`

func newChatCommand(opts *rootOptions) *cobra.Command {
	var (
		sessionID string
		owner     string
		noColor   bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to FlowPilot interactively",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if len(cfg.Log.OutputPaths) == 0 {
				// 日志不与对话混在同一输出
				cfg.Log.OutputPaths = []string{"stderr"}
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if noColor {
				color.NoColor = true
			}
			if _, err := a.orchestrator.Recover(cmd.Context()); err != nil {
				return err
			}
			repl := newChatREPL(a.orchestrator, sessionID, owner, cmd.OutOrStdout())
			return repl.Run(cmd.Context(), cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session id")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id recorded on new sessions")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable coloured output")
	return cmd
}

// chatREPL 把终端输入转换为文本消息或结构化动作。确认只能通过 /confirm 发出。
type chatREPL struct {
	conv      inbox.Conversation
	sessionID string
	owner     string
	planID    string
	out       io.Writer

	prompt    *color.Color
	assistant *color.Color
	notice    *color.Color
	failure   *color.Color
	success   *color.Color
}

func newChatREPL(conv inbox.Conversation, sessionID, owner string, out io.Writer) *chatREPL {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &chatREPL{
		conv:      conv,
		sessionID: sessionID,
		owner:     owner,
		out:       out,
		prompt:    color.New(color.FgHiBlack),
		assistant: color.New(color.FgCyan),
		notice:    color.New(color.FgYellow),
		failure:   color.New(color.FgRed, color.Bold),
		success:   color.New(color.FgGreen),
	}
}

// Run 读取输入直到 /quit、EOF 或 ctx 取消。
func (r *chatREPL) Run(ctx context.Context, in io.Reader) error {
	r.notice.Fprintf(r.out, "session %s\n%s\n", r.sessionID, chatHelp)
	scanner := bufio.NewScanner(in)
	for {
		r.prompt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		msg, quit, ok := r.parse(scanner.Text())
		if quit {
			return nil
		}
		if !ok {
			continue
		}
		reply, err := r.conv.HandleUserMessage(ctx, r.sessionID, msg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.failure.Fprintf(r.out, "%s: %s\n", xerrors.CodeOf(err), publicError(err))
			continue
		}
		r.render(reply)
	}
}

// parse 返回要发送的消息。quit 表示退出，ok 为 false 表示本行无需发送。
func (r *chatREPL) parse(line string) (msg orchestrator.Message, quit, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return msg, false, false
	}
	if !strings.HasPrefix(line, "/") {
		return orchestrator.Message{Text: line, OwnerID: r.owner}, false, true
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return msg, true, false
	case "/help":
		r.notice.Fprintln(r.out, chatHelp)
		return msg, false, false
	case "/confirm":
		planID := r.planID
		if len(fields) > 1 {
			planID = fields[1]
		}
		if planID == "" {
			r.notice.Fprintln(r.out, "There is no plan to confirm yet.")
			return msg, false, false
		}
		return orchestrator.Message{OwnerID: r.owner, Action: &orchestrator.Action{Type: orchestrator.ActionConfirm, PlanID: planID}}, false, true
	case "/cancel":
		return orchestrator.Message{OwnerID: r.owner, Action: &orchestrator.Action{Type: orchestrator.ActionCancel}}, false, true
	default:
		r.notice.Fprintf(r.out, "Unknown command %s. Type /help for the list.\n", fields[0])
		return msg, false, false
	}
}

func (r *chatREPL) render(reply *orchestrator.Reply) {
	if reply == nil {
		return
	}
	if reply.Deferred {
		r.notice.Fprintln(r.out, "(your message waited for the running plan to finish)")
	}
	switch {
	case reply.Execution != nil && reply.Execution.Failed != nil:
		r.failure.Fprintln(r.out, reply.Text)
	case reply.Execution != nil:
		r.success.Fprintln(r.out, reply.Text)
	default:
		r.assistant.Fprintln(r.out, reply.Text)
	}

	r.planID = ""
	if reply.Preview != nil && reply.State == session.StatePreview {
		r.planID = reply.Preview.PlanID
		r.notice.Fprintf(r.out, "Type /confirm to run plan %s.\n", r.planID)
	}
}

func publicError(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}
