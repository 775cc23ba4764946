package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/chunksync/internal/app"
	"github.com/stacklok/chunksync/internal/chunk"
	"github.com/stacklok/chunksync/internal/queue"
	"github.com/stacklok/chunksync/internal/remote"
)

type enqueueOptions struct {
	kind      string
	id        string
	content   string
	parent    string
	tags      []string
	basedOn   string
	syncAfter bool
}

func newEnqueueCmd(v *viper.Viper) *cobra.Command {
	opts := &enqueueOptions{}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a local chunk change for the next sync pass",
		Long: `Queue a create, update or delete for a chunk. A change queued for an id
that already has one replaces it. Creates without --id get a generated UUID.

An update is checked for conflicts against the remote version it was based
on. By default that is the current remote chunk, whose fields are kept
unless overridden by --content, --parent or --tag. Use --based-on to name
the remote updatedAt the edit started from instead, for example when the
remote is unreachable.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := queue.ParseKind(opts.kind)
			if err != nil {
				return err
			}
			ch, err := opts.chunk(kind)
			if err != nil {
				return err
			}

			return withEngine(cmd.Context(), v, func(engine *app.EngineApp) error {
				if kind == queue.KindUpdate {
					ch, err = opts.rebase(cmd.Context(), engine.Remote(), ch, cmd.Flags().Changed)
					if err != nil {
						return err
					}
				}

				change, err := engine.Coordinator().QueueChange(cmd.Context(), kind, ch)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "queued %s %s\n", change.Kind, change.ID); err != nil {
					return err
				}

				if opts.syncAfter {
					result := engine.Coordinator().Sync(cmd.Context())
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "sync %s: success=%t synced=%d errors=%d conflicts=%d\n",
						result.PassID, result.Success, result.SyncedChunks, len(result.Errors), len(result.Conflicts))
					return err
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.kind, "kind", string(queue.KindCreate), "Change kind (create|update|delete)")
	cmd.Flags().StringVar(&opts.id, "id", "", "Chunk id (generated for creates when empty)")
	cmd.Flags().StringVar(&opts.content, "content", "", "Chunk content")
	cmd.Flags().StringVar(&opts.parent, "parent", "", "Parent chunk id")
	cmd.Flags().StringSliceVar(&opts.tags, "tag", nil, "Chunk tag (repeatable)")
	cmd.Flags().StringVar(&opts.basedOn, "based-on", "",
		"Remote updatedAt (RFC3339) an update was based on; skips reading the remote chunk")
	cmd.Flags().BoolVar(&opts.syncAfter, "sync", false, "Run a sync pass after queueing")
	return cmd
}

func (o *enqueueOptions) chunk(kind queue.Kind) (chunk.Chunk, error) {
	id := o.id
	if id == "" {
		if kind != queue.KindCreate {
			return chunk.Chunk{}, fmt.Errorf("--id is required for %s", kind)
		}
		id = uuid.NewString()
	}

	ch := chunk.Chunk{
		ID:      id,
		Content: o.content,
		Tags:    o.tags,
	}
	if o.parent != "" {
		ch.ParentID = chunk.Parent(o.parent)
	}
	return ch, nil
}

// rebase stamps an update with the remote version it applies to, so conflict
// detection only fires when the remote moved after that version. Without
// --based-on the current remote chunk is the base and flags the user did not
// set keep their remote values.
func (o *enqueueOptions) rebase(
	ctx context.Context,
	svc remote.Service,
	ch chunk.Chunk,
	changed func(flag string) bool,
) (chunk.Chunk, error) {
	if o.basedOn != "" {
		at, err := time.Parse(time.RFC3339Nano, o.basedOn)
		if err != nil {
			return chunk.Chunk{}, fmt.Errorf("invalid --based-on %q: %w", o.basedOn, err)
		}
		ch.UpdatedAt = at
		return ch, nil
	}

	current, err := svc.Get(ctx, ch.ID)
	if errors.Is(err, remote.ErrNotFound) {
		return chunk.Chunk{}, fmt.Errorf("chunk %s does not exist remotely, queue a create instead: %w", ch.ID, err)
	}
	if err != nil {
		return chunk.Chunk{}, fmt.Errorf("failed to read remote chunk %s (pass --based-on to queue without it): %w", ch.ID, err)
	}

	based := current.Clone()
	if changed("content") {
		based.Content = ch.Content
	}
	if changed("parent") {
		based.ParentID = ch.ParentID
	}
	if changed("tag") {
		based.Tags = ch.Tags
	}
	return based, nil
}
