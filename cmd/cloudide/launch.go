package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ricochet1k/cloudide/internal/domain"
	"github.com/ricochet1k/cloudide/internal/service"
)

const destroyTimeout = 5 * time.Second

func newLaunchCmd(a *app) *cobra.Command {
	var destroyAfterReady bool

	cmd := &cobra.Command{
		Use:   "launch <source-url>",
		Short: "Launch one workspace and follow it until ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLaunch(ctx, a, args[0], destroyAfterReady, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&destroyAfterReady, "destroy", false, "destroy the workspace as soon as it is ready")
	return cmd
}

func runLaunch(ctx context.Context, a *app, sourceURL string, destroyAfterReady bool, stdout, stderr io.Writer) error {
	if err := service.ValidateSourceURL(sourceURL); err != nil {
		return err
	}

	stack := newProvisioningStack(a, nil)
	defer stack.Close()

	analyzer, err := newAnalyzer(ctx, a)
	if err != nil {
		return err
	}

	p := &eventPrinter{out: stdout}
	ws := service.NewWorkspace(uuid.NewString(), stack.correlator,
		service.WithEnricher(analyzer),
		service.WithRequestDefaults(a.cfg.Request.Params()),
		service.WithObserver(p.print),
		service.WithLogger(a.logger),
	)

	destroy := func() {
		dctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		ws.Destroy(dctx)
		fmt.Fprintln(stdout, "Workspace destroyed.")
	}

	fmt.Fprintf(stdout, "Launching workspace for %s\n", sourceURL)
	if err := ws.Launch(ctx, sourceURL); err != nil {
		fmt.Fprintf(stderr, "Launch failed: %v\n", err)
		return exitError(1)
	}

	state, err := ws.Wait(ctx)
	if err != nil {
		destroy()
		return exitError(130)
	}

	switch state {
	case domain.WorkspaceStateFailed:
		fmt.Fprintf(stderr, "Provisioning failed: %s\n", ws.Snapshot().ErrorMessage)
		return exitError(1)
	case domain.WorkspaceStateReady:
	default:
		return fmt.Errorf("workspace settled in unexpected state %s", state)
	}

	snap := ws.Snapshot()
	fmt.Fprintf(stdout, "Workspace ready: %s (instance %s)\n", snap.Instance.URL(), snap.Instance.ID)

	if destroyAfterReady {
		destroy()
		return nil
	}

	fmt.Fprintln(stdout, "Press Ctrl-C to destroy the workspace.")
	<-ctx.Done()
	destroy()
	return nil
}

// eventPrinter renders workspace events as terminal lines. Observer calls
// may come from several goroutines.
type eventPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *eventPrinter) print(e domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch data := e.Data.(type) {
	case domain.LogData:
		fmt.Fprintf(p.out, "%s  %s\n", e.Timestamp.Format(time.TimeOnly), data.Message)
	case domain.InsightData:
		label := data.ProjectType
		if data.Fallback {
			label += " (fallback)"
		}
		fmt.Fprintf(p.out, "[AI] Detected stack: %s\n", label)
		for _, hint := range data.SuggestedOptimizations {
			fmt.Fprintf(p.out, "[AI]   - %s\n", hint)
		}
	case domain.StateChangeData:
		fmt.Fprintf(p.out, "state: %s -> %s\n", data.OldState, data.NewState)
	}
}
