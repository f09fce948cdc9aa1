package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/store"
)

type DocOptions struct {
	*RootOptions
	DocID string
}

// offlineRegistry is a registry with no bus and no event stream, for
// one-shot commands.
func (o *RootOptions) offlineRegistry() (*collab.Registry, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	db, err := o.db(cfg)
	if err != nil {
		return nil, err
	}
	return collab.NewRegistry(store.NewOpLog(db), store.NewSnapshotStore(db), collab.Options{Logger: o.logger}), nil
}

func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Load a document from snapshot and log, print its watermark and heads",
		Example: `  collab_server replay --doc 3f2c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.DocID, "doc", "", "document id (required)")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}

func runReplay(ctx context.Context, opts *DocOptions, cmd *cobra.Command) error {
	reg, err := opts.offlineRegistry()
	if err != nil {
		return err
	}
	room, err := reg.Acquire(ctx, opts.DocID)
	if err != nil {
		return fmt.Errorf("load %s: %w", opts.DocID, err)
	}
	heads := room.Heads()
	fmt.Fprintf(cmd.OutOrStdout(), "doc=%s seq=%d heads=%d\n", opts.DocID, room.LastAppliedSeq(), len(heads))
	if len(heads) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(heads, "\n"))
	}
	return reg.Shutdown(ctx)
}

func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Write a fresh snapshot of a document at its latest seq",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := opts.offlineRegistry()
			if err != nil {
				return err
			}
			seq, err := reg.Compact(cmd.Context(), opts.DocID)
			if err != nil {
				return fmt.Errorf("compact %s: %w", opts.DocID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "doc=%s snapshot seq=%d\n", opts.DocID, seq)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.DocID, "doc", "", "document id (required)")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}
