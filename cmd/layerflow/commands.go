package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BaSui01/layerflow/internal/ctxkeys"
	"github.com/BaSui01/layerflow/session"
	"github.com/BaSui01/layerflow/workflow/state"
)

// withApp parses flags, builds the app and runs fn with a context
// cancelled on SIGINT or SIGTERM.
func withApp(name string, args []string, bind func(fs *flag.FlagSet), fn func(ctx context.Context, a *app) error) error {
	var common commonFlags
	var user string
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	common.register(fs)
	fs.StringVar(&user, "as", "", "User id recorded on interactions")
	bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if user != "" {
		ctx = ctxkeys.WithUserID(ctx, user)
	}

	a, err := newApp(ctx, common)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func runRun(args []string) error {
	var (
		threadID  string
		query     string
		format    string
		breakdown bool
	)
	return withApp("run", args, func(fs *flag.FlagSet) {
		fs.StringVar(&threadID, "session", "", "Session (thread) id; a new session is created when empty")
		fs.StringVar(&query, "query", "", "User request")
		fs.StringVar(&format, "format", "", "Desired output format")
		fs.BoolVar(&breakdown, "breakdown", false, "Ask for a breakdown pass after planning")
	}, func(ctx context.Context, a *app) error {
		if query == "" {
			return errors.New("--query is required")
		}
		if threadID == "" {
			user, _ := ctxkeys.UserID(ctx)
			id, err := a.manager.CreateSession(ctx, user)
			if err != nil {
				return err
			}
			threadID = id
		}
		out, err := a.manager.Submit(ctx, threadID, query, session.SubmitOptions{
			OutputFormat:     format,
			RequestBreakdown: breakdown,
		})
		if err != nil {
			return err
		}
		return printJSON(out)
	})
}

func runResume(args []string) error {
	var (
		threadID string
		approve  bool
		response string
	)
	return withApp("resume", args, func(fs *flag.FlagSet) {
		fs.StringVar(&threadID, "session", "", "Session (thread) id")
		fs.BoolVar(&approve, "approve", false, "Approve without a response")
		fs.StringVar(&response, "response", "", "Response text; reject, no or deny reject the gated work")
	}, func(ctx context.Context, a *app) error {
		if threadID == "" {
			return errors.New("--session is required")
		}
		in := session.ResumeInput{AutoApprove: approve}
		if response != "" {
			in.Response = response
		}
		out, err := a.manager.Resume(ctx, threadID, in)
		if err != nil {
			return err
		}
		return printJSON(out)
	})
}

func runStatus(args []string) error {
	var threadID string
	return withApp("status", args, func(fs *flag.FlagSet) {
		fs.StringVar(&threadID, "session", "", "Session (thread) id")
	}, func(ctx context.Context, a *app) error {
		if threadID == "" {
			return errors.New("--session is required")
		}
		rec, status, err := a.manager.GetState(ctx, threadID)
		if err != nil {
			return err
		}
		return printJSON(struct {
			ThreadID string         `json:"thread_id"`
			Status   session.Status `json:"status"`
			Record   state.Record   `json:"record"`
		}{threadID, status, rec})
	})
}

func runInterrupt(args []string) error {
	var threadID, reason string
	return withApp("interrupt", args, func(fs *flag.FlagSet) {
		fs.StringVar(&threadID, "session", "", "Session (thread) id")
		fs.StringVar(&reason, "reason", "", "Why the session is suspended")
	}, func(ctx context.Context, a *app) error {
		if threadID == "" {
			return errors.New("--session is required")
		}
		if err := a.manager.Interrupt(ctx, threadID, reason); err != nil {
			return err
		}
		fmt.Printf("Session %s is waiting for approval.\n", threadID)
		return nil
	})
}

func runSessions(args []string) error {
	var user, status string
	return withApp("sessions", args, func(fs *flag.FlagSet) {
		fs.StringVar(&user, "user", "", "Only sessions of this user")
		fs.StringVar(&status, "status", "", "Only sessions in this status")
	}, func(ctx context.Context, a *app) error {
		list, err := a.manager.ListSessions(ctx, session.Filter{UserID: user, Status: session.Status(status)})
		if err != nil {
			return err
		}
		return printJSON(list)
	})
}

func runHistory(args []string) error {
	var (
		threadID string
		limit    int
	)
	return withApp("history", args, func(fs *flag.FlagSet) {
		fs.StringVar(&threadID, "session", "", "Session (thread) id")
		fs.IntVar(&limit, "limit", 20, "Maximum number of checkpoints")
	}, func(ctx context.Context, a *app) error {
		if threadID == "" {
			return errors.New("--session is required")
		}
		cps, err := a.manager.History(ctx, threadID, limit)
		if err != nil {
			return err
		}
		type row struct {
			ID       string         `json:"id"`
			Step     int            `json:"step"`
			Node     string         `json:"node"`
			NextNode string         `json:"next_node,omitempty"`
			Metadata map[string]any `json:"metadata,omitempty"`
		}
		rows := make([]row, len(cps))
		for i, cp := range cps {
			rows[i] = row{ID: cp.ID, Step: cp.Step, Node: cp.Node, NextNode: cp.NextNode, Metadata: cp.Metadata}
		}
		return printJSON(rows)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
