package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ramsis/internal/app"
)

const stopTimeout = 10 * time.Second

// signalContext is canceled on SIGINT or SIGTERM; reason reports which.
func signalContext(parent context.Context) (ctx context.Context, reason func() app.StopReason, cancel func()) {
	ctx, cancelCtx := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	got := app.StopUnknown
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case s := <-sigs:
			if s == syscall.SIGTERM {
				got = app.StopSIGTERM
			} else {
				got = app.StopSIGINT
			}
			cancelCtx()
		case <-ctx.Done():
		}
	}()
	return ctx, func() app.StopReason {
			<-done
			return got
		}, func() {
			signal.Stop(sigs)
			cancelCtx()
		}
}

func stopApp(a *app.App, reason app.StopReason) error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return a.Stop(ctx, reason)
}

// withApp builds the app, optionally opens it for running forecasts, and
// stops it after fn returns.
func withApp(cmd *cobra.Command, open bool, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	ctx, _, cancel := signalContext(cmd.Context())
	defer cancel()
	if open {
		if err := a.Open(ctx); err != nil {
			_ = stopApp(a, app.StopFatalError)
			return err
		}
	}
	runErr := fn(ctx, a)
	stopErr := stopApp(a, app.StopCommandDone)
	return errors.Join(runErr, stopErr)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
