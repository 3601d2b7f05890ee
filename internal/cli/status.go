package cli

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/erg0nix/notebookd/internal/app"
	grpcsvc "github.com/erg0nix/notebookd/internal/grpc"
	"github.com/erg0nix/notebookd/internal/server"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"ps"},
		Short:   "Show whether the server is running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			t := newTable("NAME", "STATUS", "PID", "ENDPOINT", "HEALTH", "UPTIME", "SESSIONS")
			addServerRow(cmd.Context(), t, a)

			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
}

func addServerRow(ctx context.Context, t *table.Table, a *App) {
	pid := app.ReadPID(app.PIDFile(a.Config.DataDir))
	if pid == 0 {
		t.Row("notebookd", styleError.Render("stopped"), "-", a.ServerAddr, "-", "-", "-")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	health := "-"
	if a.HealthAddr != "" {
		serving, err := grpcsvc.Probe(ctx, a.HealthAddr, grpcsvc.ServiceSessions)
		switch {
		case err != nil:
			health = styleWarning.Render("unreachable")
		case serving == healthpb.HealthCheckResponse_SERVING:
			health = styleSuccess.Render("serving")
		default:
			health = styleWarning.Render(serving.String())
		}
	}

	uptime, sessions := "-", "-"
	var status server.Status
	if err := call(ctx, http.MethodGet, a.ServerAddr, "/status", nil, &status); err == nil {
		uptime = status.Uptime
		sessions = strconv.Itoa(status.Sessions)
	}

	t.Row("notebookd",
		styleSuccess.Render("running"),
		strconv.Itoa(pid),
		a.ServerAddr,
		health,
		uptime,
		sessions)
}
