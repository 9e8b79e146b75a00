package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"dockhealth/cmd/dockhealthd/ui"
	"dockhealth/internal/adapter/docker"
	"dockhealth/internal/config"
	"dockhealth/internal/health"
	"dockhealth/internal/registry"

	"github.com/spf13/cobra"
)

// nopPinger satisfies registry.Pinger for read-only inspection.
type nopPinger struct{}

func (nopPinger) Ping(context.Context, string, health.Health) error { return nil }

func statusCmd(cfg *config.Config) *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show monitored containers and the status each endpoint would receive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ui.ConfigureColor(noColor)

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.FetchTimeout)
			defer cancel()

			rt, err := docker.NewRuntime(cfg.DockerPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.WaitReady(ctx); err != nil {
				return err
			}

			reg := registry.New(rt, nopPinger{}, registry.WithLabel(cfg.Label))
			if err := reg.RefreshAll(ctx); err != nil {
				return err
			}
			return renderStatus(cmd.OutOrStdout(), reg.Snapshot(), reg.AggregatedStatus())
		},
	}
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	return cmd
}

func renderStatus(w io.Writer, snap registry.Snapshot, agg map[string]health.Health) error {
	if len(snap.Monitored) == 0 {
		_, err := fmt.Fprintln(w, ui.InfoMsg("No monitored containers (%d ignored).", len(snap.Ignored)))
		return err
	}

	if _, err := fmt.Fprintln(w, ui.Table([]string{"ENDPOINT", "STATUS", "CONTAINERS"}, endpointRows(snap, agg))); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, ui.Table([]string{"CONTAINER", "ENDPOINT", "HEALTH"}, containerRows(snap))); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, ui.Muted(fmt.Sprintf("%d ignored container(s), checked %s", len(snap.Ignored), time.Now().Format(time.RFC3339))))
	return err
}

func endpointRows(snap registry.Snapshot, agg map[string]health.Health) [][]string {
	counts := make(map[string]int, len(agg))
	for _, v := range snap.Monitored {
		counts[v.Endpoint]++
	}
	endpoints := make([]string, 0, len(agg))
	for e := range agg {
		endpoints = append(endpoints, e)
	}
	sort.Strings(endpoints)

	rows := make([][]string, 0, len(endpoints))
	for _, e := range endpoints {
		rows = append(rows, []string{e, ui.Health(agg[e]), strconv.Itoa(counts[e])})
	}
	return rows
}

func containerRows(snap registry.Snapshot) [][]string {
	rows := make([][]string, 0, len(snap.Monitored))
	for _, v := range snap.Monitored {
		h := ui.Muted("no check")
		if v.HasCheck {
			h = ui.Health(v.Health)
		}
		rows = append(rows, []string{shortID(v.ID), v.Endpoint, h})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
