package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openintentos/openintent/internal/adapters"
	"github.com/openintentos/openintent/internal/agent"
	"github.com/openintentos/openintent/internal/agent/routing"
	"github.com/openintentos/openintent/internal/bus"
	"github.com/openintentos/openintent/pkg/models"
)

// =============================================================================
// Run Command Handlers
// =============================================================================

// runAgent handles the run command.
func runAgent(cmd *cobra.Command, sessionID string, ephemeral bool, prompt string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Logs and progress notices share stderr from different goroutines.
	errOut := &syncWriter{w: cmd.ErrOrStderr()}
	rt, err := newRuntime(ctx, cfg, runtimeOptions{
		ephemeral:     ephemeral,
		requireKey:    true,
		watchIdentity: prompt == "",
		logOutput:     errOut,
	})
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	conv, err := openConversation(ctx, rt, sessionID, prompt, cmd.OutOrStdout(), errOut)
	if err != nil {
		return err
	}
	if prompt != "" {
		return conv.handle(ctx, prompt)
	}
	return conv.interact(ctx, cmd.InOrStdin())
}

// conversation binds a runtime to one stored session. Replies go to out;
// tool and provider notices go to errOut.
type conversation struct {
	rt      *runtime
	session *models.Session
	out     io.Writer
	errOut  io.Writer
}

// openConversation resumes sessionID or starts a new session named after
// the first prompt.
func openConversation(ctx context.Context, rt *runtime, sessionID, prompt string, out, errOut io.Writer) (*conversation, error) {
	conv := &conversation{rt: rt, out: out, errOut: errOut}
	var err error
	if sessionID != "" {
		conv.session, err = rt.store.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return conv, nil
	}
	conv.session, err = rt.store.Create(ctx, sessionName(prompt), rt.transport.Active().Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return conv, nil
}

func sessionName(prompt string) string {
	name := strings.Join(strings.Fields(prompt), " ")
	if name == "" {
		return "interactive"
	}
	if r := []rune(name); len(r) > 48 {
		name = string(r[:48]) + "..."
	}
	return name
}

// interact reads one intent per line until EOF, "exit" or cancellation.
// Failed turns are reported and the conversation continues.
func (c *conversation) interact(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(c.out, "session %s (type \"exit\" to leave)\n", c.session.ID)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := c.handle(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.rt.logger.Warn("turn failed", "session_id", c.session.ID, "error", err)
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

// handle answers one intent. Router hits run their handler tool directly;
// everything else runs through the agent loop. Only completed turns are
// persisted beyond the user message.
func (c *conversation) handle(ctx context.Context, input string) error {
	route := c.rt.router.Route(input)
	if route.Kind != routing.KindLLMFallback {
		handled, err := c.dispatchRoute(ctx, input, route)
		if handled || err != nil {
			return err
		}
	}

	if _, err := c.rt.store.AppendMessage(ctx, c.session.ID, models.UserMessage(input)); err != nil {
		return err
	}
	outcome, err := c.rt.compactor.CompactSession(ctx, c.rt.store, c.session.ID, false)
	if err != nil {
		c.rt.logger.Warn("session compaction failed", "session_id", c.session.ID, "error", err)
	} else if outcome.Compacted {
		c.rt.logger.Info("session compacted", "session_id", c.session.ID, "summarized", outcome.Summarized)
	}

	stored, err := c.rt.store.GetMessages(ctx, c.session.ID, 0)
	if err != nil {
		return err
	}
	history := models.Messages(stored)
	conv := make([]models.Message, 0, len(history)+1)
	conv = append(conv, models.SystemMessage(c.rt.identity.Text()))
	conv = append(conv, history...)

	taskID := uuid.NewString()
	stopNotices := c.notices(taskID)
	streamed := false
	res, err := c.rt.loop.Run(ctx, agent.RunInput{
		TaskID:   taskID,
		Messages: conv,
		OnDelta: func(delta string) {
			streamed = true
			fmt.Fprint(c.out, delta)
		},
		OnReset: func() {
			if streamed {
				fmt.Fprintln(c.out, " [discarded]")
			}
			streamed = false
		},
	})
	stopNotices()
	if streamed {
		fmt.Fprintln(c.out)
	}
	if err != nil {
		return err
	}
	if !streamed {
		fmt.Fprintln(c.out, res.Text)
	}

	for _, msg := range res.Appended {
		if _, err := c.rt.store.AppendMessage(ctx, c.session.ID, msg); err != nil {
			return err
		}
	}
	return nil
}

// dispatchRoute executes the tool a route names, passing captures as
// arguments. A handler that names no registered tool is not handled.
func (c *conversation) dispatchRoute(ctx context.Context, input string, route routing.Route) (bool, error) {
	if _, _, ok := c.rt.tools.FindTool(route.Handler); !ok {
		c.rt.logger.Warn("route handler is not a registered tool", "handler", route.Handler, "kind", route.Kind)
		return false, nil
	}
	captures := route.Captures
	if captures == nil {
		captures = map[string]string{}
	}
	args, err := json.Marshal(captures)
	if err != nil {
		return true, err
	}

	result, execErr := c.rt.tools.Execute(ctx, route.Handler, args)
	reply := adapters.ResultText(result)
	if execErr != nil {
		reply = "error: " + execErr.Error()
	}
	if reply == "" {
		reply = "(no output)"
	}
	fmt.Fprintln(c.out, reply)

	for _, msg := range []models.Message{models.UserMessage(input), models.AssistantMessage(reply)} {
		if _, err := c.rt.store.AppendMessage(ctx, c.session.ID, msg); err != nil {
			return true, err
		}
	}
	return true, nil
}

// notices prints tool progress and provider switches of one run to
// errOut until the returned stop function is called.
func (c *conversation) notices(taskID string) (stop func()) {
	events, cancel := c.rt.events.SubscribeTask(taskID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			switch ev.Type {
			case bus.EventToolStarted:
				fmt.Fprintf(c.errOut, "[tool] %s started\n", ev.Tool)
			case bus.EventToolFinished:
				status := "ok"
				if ev.IsError {
					status = "failed"
				}
				fmt.Fprintf(c.errOut, "[tool] %s %s\n", ev.Tool, status)
			case bus.EventFailover:
				fmt.Fprintf(c.errOut, "[failover] %s\n", ev.Text)
			case bus.EventDeltaReset:
				fmt.Fprintln(c.errOut, "[failover] partial reply discarded")
			case bus.EventCompaction:
				fmt.Fprintf(c.errOut, "[compaction] %s\n", ev.Text)
			case bus.EventLagged:
				fmt.Fprintf(c.errOut, "[notice] %d events dropped\n", ev.Dropped)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// syncWriter serialises writes to w.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
