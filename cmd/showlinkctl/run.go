package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/showlink/internal/admin"
	"github.com/danmuck/showlink/internal/config"
	"github.com/danmuck/showlink/internal/connector"
	"github.com/danmuck/showlink/internal/observability"
	"github.com/danmuck/showlink/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var errNotLive = errors.New("showlinkctl: connection did not become live")

func newConnector(cfg serviceConfig, logger zerolog.Logger, metrics bool) (*connector.Connector, error) {
	var decls []connector.BundleDeclaration
	if cfg.BundlesPath != "" {
		loaded, err := config.LoadDeclarations(cfg.BundlesPath)
		if err != nil {
			return nil, err
		}
		decls = loaded
	}
	dialer, err := transport.NewDialer(cfg.Transport, transport.Config{
		Session: cfg.Session,
		AuthKey: cfg.AuthKey,
		Logger:  observability.Component(logger, "transport"),
	})
	if err != nil {
		return nil, err
	}
	return connector.New(connector.Config{
		Instance: cfg.Instance,
		Address:  cfg.Address,
		Bundles:  decls,
		Session:  cfg.Session,
		Dialer:   dialer,
		Logger:   &logger,
		Metrics:  metrics,
	})
}

// runService keeps the connector and the admin server up until ctx ends.
func runService(ctx context.Context, cfg serviceConfig, logger zerolog.Logger) error {
	conn, err := newConnector(cfg, logger, true)
	if err != nil {
		return err
	}
	server := admin.New(conn, admin.Config{
		Instance:    cfg.Instance,
		Addr:        cfg.AdminAddr,
		Token:       cfg.AdminToken,
		CorsOrigins: cfg.CorsOrigins,
		Logger:      observability.Component(logger, "admin"),
	})

	notes, cancel := conn.Subscribe()
	defer cancel()
	if err := conn.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case n, ok := <-notes:
				if !ok {
					return nil
				}
				logNotification(logger, conn, n)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return conn.Disconnect()
	})

	logger.Info().
		Str("server", cfg.Address.String()).
		Str("transport", string(cfg.Transport)).
		Str("admin", server.Addr()).
		Msg("showlinkctl.run started")
	err = g.Wait()
	logger.Info().Msg("showlinkctl.run stopped")
	return err
}

func logNotification(logger zerolog.Logger, conn *connector.Connector, n connector.Notification) {
	switch n := n.(type) {
	case connector.ReplicantChanged:
		value, ok := conn.Get(n.Bundle, n.Name)
		if !ok {
			value = json.RawMessage("null")
		}
		logger.Debug().Str("bundle", n.Bundle).Str("name", n.Name).RawJSON("value", value).Msg("replicant changed")
	case connector.ManifestChanged:
		for _, st := range conn.BundleStatuses() {
			event := logger.Info()
			if st.Err != nil {
				event = logger.Warn().Err(st.Err)
			}
			event.Str("bundle", st.Bundle).Str("verdict", st.Verdict.String()).Str("reported", st.Reported).Msg("bundle negotiated")
		}
	}
}

// watchReplicants prints every replicant change as "bundle/name value".
func watchReplicants(ctx context.Context, cfg serviceConfig, logger zerolog.Logger, out io.Writer) error {
	conn, err := newConnector(cfg, logger, false)
	if err != nil {
		return err
	}
	defer conn.Disconnect()

	notes, cancel := conn.Subscribe()
	defer cancel()
	if err := conn.Start(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			printNotification(out, conn, n)
		}
	}
}

func printNotification(out io.Writer, conn *connector.Connector, n connector.Notification) {
	switch n := n.(type) {
	case connector.ReplicantChanged:
		value, ok := conn.Get(n.Bundle, n.Name)
		if !ok {
			value = json.RawMessage("null")
		}
		fmt.Fprintf(out, "%s/%s %s\n", n.Bundle, n.Name, value)
	case connector.ManifestChanged:
		for _, st := range conn.BundleStatuses() {
			line := fmt.Sprintf("bundle %s %s reported=%q range=%s", st.Bundle, st.Verdict, st.Reported, st.Range)
			if st.Err != nil {
				line += " error=" + st.Err.Error()
			}
			fmt.Fprintln(out, line)
		}
	}
}

type sendArgs struct {
	bundle  string
	command string
	payload string
	wait    time.Duration
}

// sendCommand waits for a live connection, sends once and prints the ack.
func sendCommand(ctx context.Context, cfg serviceConfig, logger zerolog.Logger, out io.Writer, args sendArgs) error {
	var payload any
	if p := strings.TrimSpace(args.payload); p != "" {
		if !json.Valid([]byte(p)) {
			return fmt.Errorf("payload is not valid json: %s", p)
		}
		payload = json.RawMessage(p)
	}

	conn, err := newConnector(cfg, logger, false)
	if err != nil {
		return err
	}
	defer conn.Disconnect()
	if err := conn.Start(); err != nil {
		return err
	}
	if err := waitLive(ctx, conn, args.wait); err != nil {
		return err
	}
	value, err := conn.Send(ctx, args.command, args.bundle, payload)
	if err != nil {
		return err
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	fmt.Fprintf(out, "%s\n", value)
	return nil
}

func waitLive(ctx context.Context, conn *connector.Connector, wait time.Duration) error {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if conn.State() == connector.StateLive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			st := conn.Status()
			return fmt.Errorf("%w within %s: state=%s last_error=%s", errNotLive, wait, st.State, st.LastError)
		case <-tick.C:
		}
	}
}
