package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/erg0nix/notebookd/internal/app"
)

const stopTimeout = 10 * time.Second

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the notebook server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			return stopServer(cmd, app.PIDFile(a.Config.DataDir))
		},
	}
}

// stopServer sends SIGTERM and waits for the daemon to close its sessions
// and exit.
func stopServer(cmd *cobra.Command, pidFile string) error {
	out := cmd.OutOrStdout()

	pid := app.ReadPID(pidFile)
	if pid == 0 {
		fmt.Fprintln(out, styleDim.Render("server not running"))
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("stop server: signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopTimeout)
	for app.ReadPID(pidFile) != 0 {
		if time.Now().After(deadline) {
			fmt.Fprintln(out, styleWarning.Render(fmt.Sprintf("server pid %d still running after %s", pid, stopTimeout)))
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, styleSuccess.Render("stopped server")+" "+stylePID.Render(fmt.Sprintf("pid %d", pid)))
	return nil
}
