package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/SFDIGo/internal/config"
	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/logic/sequence"
	"github.com/cjeanneret/SFDIGo/internal/web"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the web page: run form, live preview and status stream",
	Long: `Starts the HTTP server. The page starts runs, shows the live preview and
follows run progress. Edits to the config file apply to the next run.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	r, err := newRig(cfg)
	if err != nil {
		return err
	}
	defer r.Close()

	ctx, cancel := signalContext()
	defer cancel()

	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

	pv := r.newPreview()
	defer pv.Stop()

	deps := web.Deps{
		Broadcaster: broadcaster,
		Arbiter:     r.arbiter,
		Preview:     pv,
		Defaults:    r.formDefaults,
		Run: func(ctx context.Context, req web.RunRequest) (*sequence.Result, error) {
			res, err := r.run(ctx, req, broadcaster)
			return &res, err
		},
	}
	if r.journal != nil {
		deps.History = r.journal
	}
	srv, err := web.NewServer(serveAddr, deps)
	if err != nil {
		return err
	}

	go func() {
		if err := config.Watch(ctx, cfgPath, r.setConfig); err != nil {
			debug.Warn("Config watch disabled: %v", err)
		}
	}()

	return srv.Run(ctx)
}
