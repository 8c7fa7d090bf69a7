package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/workd/internal/api"
	"github.com/roach88/workd/internal/process"
	"github.com/roach88/workd/internal/store"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	Checkpoint bool
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <pid>",
		Short: "Show a process record",
		Long: `Show a calculation record with its inputs, outputs, call links and
heartbeat. With --checkpoint only the saved bundle is printed, as
canonical JSON.

Example:
  workd show 42
  workd show 42 --checkpoint
  workd show 42 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, opts, process.PID(args[0]))
		},
	}

	cmd.Flags().BoolVar(&opts.Checkpoint, "checkpoint", false, "print only the checkpoint bundle")
	return cmd
}

func runShow(cmd *cobra.Command, opts *ShowOptions, pid process.PID) error {
	n, err := setup(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer n.Close()

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	v, err := api.Describe(cmd.Context(), n.store, n.persister, pid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, api.ErrNotProcess) {
			_ = out.Error(CodeNotFound, fmt.Sprintf("process %s not found", pid), nil)
			return WrapExitError(ExitFailure, "process not found", err)
		}
		_ = out.Error(CodeStore, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to load process", err)
	}

	if opts.Checkpoint {
		if len(v.Checkpoint) == 0 {
			_ = out.Error(CodeNotFound, fmt.Sprintf("process %s has no checkpoint", pid), nil)
			return NewExitError(ExitFailure, "no checkpoint")
		}
		return out.Success(v.Checkpoint, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "%s\n", v.Checkpoint)
			return err
		})
	}
	return out.Success(v, func(w io.Writer) error {
		return writeProcess(w, v)
	})
}

func writeProcess(w io.Writer, v *api.ProcessView) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "PID:\t%s\n", v.PID)
	fmt.Fprintf(tw, "Class:\t%s\n", v.Class)
	fmt.Fprintf(tw, "State:\t%s\n", v.State)
	fmt.Fprintf(tw, "Sealed:\t%t\n", v.Sealed)
	fmt.Fprintf(tw, "Created:\t%s\n", v.CreatedAt.Format(time.RFC3339))
	if v.Label != "" {
		fmt.Fprintf(tw, "Label:\t%s\n", v.Label)
	}
	if v.Description != "" {
		fmt.Fprintf(tw, "Description:\t%s\n", v.Description)
	}
	if v.Exception != "" {
		fmt.Fprintf(tw, "Exception:\t%s\n", v.Exception)
	}
	if v.Caller != "" {
		fmt.Fprintf(tw, "Caller:\t%s\n", v.Caller)
	}
	if v.Heartbeat != nil {
		fmt.Fprintf(tw, "Heartbeat:\ttag %d until %s\n", v.Heartbeat.Tag, v.Heartbeat.Expires.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	writePorts(w, "Inputs", v.Inputs)
	writePorts(w, "Outputs", v.Outputs)
	if len(v.Calls) > 0 {
		fmt.Fprintln(w, "Calls:")
		for _, c := range v.Calls {
			fmt.Fprintf(w, "  %s\n", c)
		}
	}
	if len(v.Checkpoint) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, v.Checkpoint, "  ", "  "); err != nil {
			return err
		}
		fmt.Fprintf(w, "Checkpoint:\n  %s\n", buf.String())
	}
	return nil
}

func writePorts(w io.Writer, title string, ports map[string]api.DataView) {
	if len(ports) == 0 {
		return
	}
	labels := make([]string, 0, len(ports))
	for l := range ports {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	fmt.Fprintf(w, "%s:\n", title)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, l := range labels {
		d := ports[l]
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", l, d.Kind, d.Value)
	}
	_ = tw.Flush()
}
