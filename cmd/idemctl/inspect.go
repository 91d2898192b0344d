package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-idempokit/internal/idempotency"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	ShowResult bool
}

// recordView is the printable form of a record. Result bytes are omitted
// unless asked for since they may carry customer data.
type recordView struct {
	Key           string     `json:"key"`
	Fingerprint   string     `json:"fingerprint"`
	Status        string     `json:"status"`
	LockOwner     string     `json:"lockOwner,omitempty"`
	LockExpiresAt *time.Time `json:"lockExpiresAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	ResultBytes   int        `json:"resultBytes"`
	Result        *string    `json:"result,omitempty"`
}

func newRecordView(rec *idempotency.Record, showResult bool) recordView {
	v := recordView{
		Key:         rec.Key,
		Fingerprint: string(rec.Fingerprint),
		Status:      string(rec.Status),
		LockOwner:   rec.LockOwner,
		CreatedAt:   rec.CreatedAt.UTC(),
		ExpiresAt:   rec.ExpiresAt.UTC(),
		ResultBytes: len(rec.Result),
	}
	if rec.Status == idempotency.StatusInProgress && !rec.LockExpiresAt.IsZero() {
		t := rec.LockExpiresAt.UTC()
		v.LockExpiresAt = &t
	}
	if showResult && rec.Status == idempotency.StatusCompleted {
		s := string(rec.Result)
		v.Result = &s
	}
	return v
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <key>",
		Short: "Print the stored record for an idempotency key",
		Long: `Print the record stored for key. The configured key prefix is applied,
so pass the key exactly as clients send it.

Examples:
  idemctl inspect order-0001abcd
  idemctl inspect order-0001abcd --show-result --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := rootOpts.runtime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			rec, err := rt.Engine.Lookup(ctx, args[0])
			if errors.Is(err, idempotency.ErrLookupUnsupported) {
				return fmt.Errorf("adapter %q cannot be inspected", rt.Config.Adapter)
			}
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no record for key %q", args[0])
			}

			view := newRecordView(rec, opts.ShowResult)
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "key\t%s\n", view.Key)
			fmt.Fprintf(tw, "status\t%s\n", view.Status)
			fmt.Fprintf(tw, "fingerprint\t%s\n", view.Fingerprint)
			if view.LockExpiresAt != nil {
				fmt.Fprintf(tw, "lock owner\t%s\n", view.LockOwner)
				fmt.Fprintf(tw, "lock expires\t%s\n", view.LockExpiresAt.Format(time.RFC3339))
			}
			fmt.Fprintf(tw, "created\t%s\n", view.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(tw, "expires\t%s\n", view.ExpiresAt.Format(time.RFC3339))
			fmt.Fprintf(tw, "result bytes\t%d\n", view.ResultBytes)
			if view.Result != nil {
				fmt.Fprintf(tw, "result\t%s\n", *view.Result)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&opts.ShowResult, "show-result", false, "include the stored result bytes")

	return cmd
}
