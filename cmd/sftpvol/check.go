package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/sftpvol/sftpvol/internal/config"
	"github.com/sftpvol/sftpvol/internal/session"
	"github.com/sftpvol/sftpvol/internal/volume"
	verrors "github.com/sftpvol/sftpvol/pkg/errors"
	"github.com/sftpvol/sftpvol/pkg/logging"
)

func cmdCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	asJSON := fs.Bool("json", false, "Print the result as JSON")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: sftpvol check [flags] URL\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}
	setupColor(common.noColor)

	cfg, err := common.loadConfiguration()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	defer func() { _ = logging.Sync() }()

	req, err := config.ParseMountURL(fs.Arg(0), cfg.Defaults)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}
	params, err := common.connectionParams(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	dialer := &session.SSHDialer{
		Params:                params,
		ConnectTimeout:        cfg.Connection.ConnectTimeout,
		TCPKeepAlive:          cfg.Connection.TCPKeepAlive,
		KnownHostsFile:        cfg.Connection.KnownHostsFile,
		InsecureIgnoreHostKey: cfg.Connection.InsecureIgnoreHostKey,
		UseAgent:              cfg.Connection.UseAgent,
		Runtime:               session.DefaultRuntime(),
		Logger:                logging.Named("dial"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), mountTimeout(cfg))
	defer cancel()
	res, err := volume.CheckConnection(ctx, dialer, req.Path, logging.Named("check"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("FAIL"), err)
		var verr *verrors.VolumeError
		if stderrors.As(err, &verr) {
			if hint := verr.GetRecommendation(); hint != "" {
				fmt.Fprintf(os.Stderr, "     %s\n", hint)
			}
		}
		return exitError
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]interface{}{
			"url":        req.String(),
			"root":       res.Root,
			"latency_ms": res.Latency.Milliseconds(),
		})
		return exitOK
	}
	fmt.Printf("%s %s@%s:%s (%s)\n", color.GreenString("OK"), params.User, params.Host, res.Root, res.Latency.Round(1e6))
	return exitOK
}
