package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	transport "github.com/xhd2015/gdb-dap/dap"
	"github.com/xhd2015/gdb-dap/gdb"
	"github.com/xhd2015/gdb-dap/logger"
	"github.com/xhd2015/gdb-dap/session"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	log := logger.New("gdb-dap")
	var listen string

	cmd := &cobra.Command{
		Use:   "gdb-dap <gdb-path> <program-path>",
		Short: "Debug adapter bridging DAP clients to GDB over the MI protocol",
		Long: `gdb-dap speaks the Debug Adapter Protocol to an editor on one side and
GDB's MI interpreter on the other. By default it serves a single session
over stdin/stdout; with --listen it accepts DAP connections over TCP,
one debug session per connection.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer log.Flush()
			err := run(cmd.Context(), log, args[0], args[1], listen)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error(err, "adapter failed")
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "TCP address to serve DAP connections on (default: stdio)")
	log.AddLevelFlag(cmd.Flags())
	return cmd
}

func run(ctx context.Context, log *logger.Logger, gdbPath string, programPath string, listen string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	launch := func(ctx context.Context) (session.Backend, error) {
		proc, err := gdb.StartProcess(ctx, gdbPath, programPath, log.Logger)
		if err != nil {
			return nil, err
		}
		return gdb.NewClient(proc, log.Logger), nil
	}

	if listen == "" {
		sess := session.New(session.Config{
			Transport: transport.NewStdio(),
			Launch:    launch,
			Logger:    log.Logger,
		})
		return sess.Run(ctx)
	}
	return serveTCP(ctx, log, listen, launch)
}

func serveTCP(ctx context.Context, log *logger.Logger, listen string, launch session.LaunchFunc) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	log.Info("serving DAP connections", "address", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		log.Info("client connected", "remote", conn.RemoteAddr().String())
		go func() {
			sess := session.New(session.Config{
				Transport: transport.NewConn(conn),
				Launch:    launch,
				Logger:    log.Logger,
			})
			if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error(err, "session ended with error")
			}
		}()
	}
}
