package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/erg0nix/notebookd/internal/server"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions",
		RunE:  runListSessions,
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		Args:  cobra.NoArgs,
		RunE:  runCreateSession,
	}
	createCmd.Flags().String("dir", "", "working directory (a private one is created when empty)")
	createCmd.Flags().StringToString("meta", nil, "metadata key=value pairs")

	closeCmd := &cobra.Command{
		Use:   "close <session-id>",
		Short: "Close a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runCloseSession,
	}

	cmd.AddCommand(createCmd, closeCmd)
	return cmd
}

func runListSessions(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	var list server.ListResponse
	if err := call(cmd.Context(), http.MethodGet, a.ServerAddr, "/sessions", nil, &list); err != nil {
		printServerNotRunning(out, a.ServerAddr, err)
		return err
	}

	if len(list.Sessions) == 0 {
		fmt.Fprintln(out, styleDim.Render("no sessions"))
		return nil
	}

	t := newTable("ID", "CELLS", "HISTORY", "VIEWERS", "RUNS", "CREATED", "DIRECTORY")
	for _, info := range list.Sessions {
		t.Row(
			string(info.ID),
			strconv.Itoa(info.Cells),
			strconv.Itoa(info.History),
			strconv.Itoa(info.Subscribers),
			strconv.Itoa(info.Sandbox.Runs),
			info.CreatedAt.Local().Format(time.DateTime),
			info.Directory,
		)
	}
	fmt.Fprintln(out, t.Render())
	return nil
}

func runCreateSession(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	dir, _ := cmd.Flags().GetString("dir")
	meta, _ := cmd.Flags().GetStringToString("meta")

	body, err := json.Marshal(server.CreateRequest{Directory: dir, Metadata: meta})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	var created server.CreateResponse
	if err := call(cmd.Context(), http.MethodPost, a.ServerAddr, "/sessions", bytes.NewReader(body), &created); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), styledError("create session failed", err.Error()))
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), styleSuccess.Render("created")+" "+string(created.ID))
	fmt.Fprintln(cmd.OutOrStdout(), styleDim.Render("topic "+created.Topic))
	return nil
}

func runCloseSession(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	if err := call(cmd.Context(), http.MethodDelete, a.ServerAddr, "/sessions/"+args[0], nil, nil); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), styledError("close session failed", err.Error()))
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), styleSuccess.Render("closed")+" "+args[0])
	return nil
}
