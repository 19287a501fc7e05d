package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/ally/pkg/agent"
	"github.com/harun/ally/pkg/retrieval"
	"github.com/spf13/cobra"
)

// errRetrievalUnavailable is returned by collection commands without an embedder
var errRetrievalUnavailable = errors.New("retrieval is unavailable: configure an embedding provider (run 'ally configure')")

// userError is a problem with the command input, shown to the user as is
type userError string

func (e userError) Error() string {
	return string(e)
}

// collectionUI is the part of the console collection commands talk to
type collectionUI interface {
	Status(title, message string)
	Error(msg string)
	Confirm(question string, def bool) bool
}

// collectionCommands manages collections for both the chat slash commands
// and the cobra subcommands
type collectionCommands struct {
	store    *retrieval.Store
	index    *retrieval.IndexRegistry
	ingestor *retrieval.Ingestor
	ui       collectionUI
	// onEmbed is told about every embedded directory
	onEmbed func(dir string)
}

// register adds the collection slash commands to a chat session
func (c *collectionCommands) register(s *agent.Session) {
	s.RegisterCommand("/embed", c.slash("Usage: /embed <directory_path> <collection_name>", 2, func(ctx context.Context, args []string) error {
		return c.embed(ctx, args[0], args[1])
	}))
	s.RegisterCommand("/index", c.slash("Usage: /index <collection_name>", 1, func(ctx context.Context, args []string) error {
		return c.indexCollection(ctx, args[0])
	}))
	s.RegisterCommand("/unindex", c.slash("Usage: /unindex <collection_name>", 1, func(ctx context.Context, args []string) error {
		return c.unindexCollection(ctx, args[0])
	}))
	s.RegisterCommand("/delete", c.slash("Usage: /delete <collection_name>", 1, func(ctx context.Context, args []string) error {
		return c.deleteCollection(ctx, args[0])
	}))
	s.RegisterCommand("/list", c.slash("Usage: /list", 0, func(ctx context.Context, args []string) error {
		return c.list(ctx)
	}))
	s.RegisterCommand("/purge", c.slash("Usage: /purge", 0, func(ctx context.Context, args []string) error {
		return c.purge(ctx)
	}))
}

// slash adapts a collection operation to a session command. Input problems
// are shown and swallowed; data access errors reach the session.
func (c *collectionCommands) slash(usage string, nargs int, run agent.CommandHandler) agent.CommandHandler {
	return func(ctx context.Context, args []string) error {
		if len(args) != nargs {
			c.ui.Error(usage)
			return nil
		}
		err := run(ctx, args)
		var ue userError
		if errors.As(err, &ue) {
			c.ui.Error(ue.Error())
			return nil
		}
		return err
	}
}

func (c *collectionCommands) embed(ctx context.Context, dir, collection string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return userError(fmt.Sprintf("Directory %s does not exist.", dir))
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return userError(fmt.Sprintf("Directory %s does not exist.", dir))
	}

	report, err := c.ingestor.EmbedDirectory(ctx, abs, collection)
	if err != nil {
		return err
	}
	if c.onEmbed != nil {
		c.onEmbed(abs)
	}

	c.ui.Status("Info", fmt.Sprintf("Documents from '%s' have been embedded into collection '%s'.\n%d embedded, %d unchanged, %d skipped, %d failed (%d chunks).",
		abs, collection, report.Embedded, report.Unchanged, report.Skipped, report.Failed, report.Chunks))
	return nil
}

func (c *collectionCommands) requireCollection(ctx context.Context, name string) error {
	ok, err := c.store.HasCollection(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return userError(fmt.Sprintf("Collection %s does not exist.", name))
	}
	return nil
}

func (c *collectionCommands) indexCollection(ctx context.Context, name string) error {
	if err := c.requireCollection(ctx, name); err != nil {
		return err
	}
	if err := c.index.Index(name); err != nil {
		return err
	}
	c.ui.Status("Info", fmt.Sprintf("Collection '%s' is now indexed.", name))
	return nil
}

func (c *collectionCommands) unindexCollection(ctx context.Context, name string) error {
	if err := c.requireCollection(ctx, name); err != nil {
		return err
	}
	if err := c.index.Unindex(name); err != nil {
		return err
	}
	c.ui.Status("Info", fmt.Sprintf("Collection '%s' is now unindexed.", name))
	return nil
}

func (c *collectionCommands) list(ctx context.Context) error {
	cols, err := c.store.ListCollections(ctx)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		c.ui.Status("Collections", "No collections found.")
		return nil
	}

	lines := make([]string, 0, len(cols))
	for _, col := range cols {
		line := fmt.Sprintf("%s (%d documents)", col.Name, col.Documents)
		if c.index.IsIndexed(col.Name) {
			line += " [indexed]"
		}
		lines = append(lines, line)
	}
	c.ui.Status("Collections", strings.Join(lines, "\n"))
	return nil
}

func (c *collectionCommands) deleteCollection(ctx context.Context, name string) error {
	if err := c.requireCollection(ctx, name); err != nil {
		return err
	}
	if !c.ui.Confirm(fmt.Sprintf("Are you sure you want to delete the collection '%s'?", name), false) {
		return nil
	}
	if err := c.store.DeleteCollection(ctx, name); err != nil {
		return err
	}
	if err := c.index.Unindex(name); err != nil {
		return err
	}
	c.ui.Status("Collection Deleted", fmt.Sprintf("Collection '%s' has been deleted.", name))
	return nil
}

func (c *collectionCommands) purge(ctx context.Context) error {
	if !c.ui.Confirm("Are you sure you want to reset the database? This action cannot be undone.", false) {
		return nil
	}
	if err := c.store.Purge(ctx); err != nil {
		return err
	}
	if err := c.index.Clear(); err != nil {
		return err
	}
	c.ui.Status("Database Reset", "All collections have been deleted.")
	return nil
}

var embedCmd = &cobra.Command{
	Use:   "embed <directory> <collection>",
	Short: "Embed a directory of documents into a collection",
	Long: `Embed the text files of a directory into a collection.
Unchanged files are skipped, so running it again only embeds what changed.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollections(cmd, func(ctx context.Context, c *collectionCommands) error {
			return c.embed(ctx, args[0], args[1])
		})
	},
}

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "Manage document collections",
	Long:  `List, index, unindex and delete the document collections used for retrieval.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollections(cmd, func(ctx context.Context, c *collectionCommands) error {
			return c.list(ctx)
		})
	},
}

func collectionSubcommand(use, short string, run func(ctx context.Context, c *collectionCommands, args []string) error, args cobra.PositionalArgs) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollections(cmd, func(ctx context.Context, c *collectionCommands) error {
				return run(ctx, c, args)
			})
		},
	}
}

func init() {
	collectionsCmd.AddCommand(
		collectionSubcommand("list", "List collections", func(ctx context.Context, c *collectionCommands, args []string) error {
			return c.list(ctx)
		}, cobra.NoArgs),
		collectionSubcommand("index <collection>", "Make a collection searchable", func(ctx context.Context, c *collectionCommands, args []string) error {
			return c.indexCollection(ctx, args[0])
		}, cobra.ExactArgs(1)),
		collectionSubcommand("unindex <collection>", "Stop searching a collection", func(ctx context.Context, c *collectionCommands, args []string) error {
			return c.unindexCollection(ctx, args[0])
		}, cobra.ExactArgs(1)),
		collectionSubcommand("delete <collection>", "Delete a collection", func(ctx context.Context, c *collectionCommands, args []string) error {
			return c.deleteCollection(ctx, args[0])
		}, cobra.ExactArgs(1)),
		collectionSubcommand("purge", "Delete every collection", func(ctx context.Context, c *collectionCommands, args []string) error {
			return c.purge(ctx)
		}, cobra.NoArgs),
	)

	rootCmd.AddCommand(embedCmd)
	rootCmd.AddCommand(collectionsCmd)
}

// withCollections wires the retrieval components and runs fn against them
func withCollections(cmd *cobra.Command, fn func(ctx context.Context, c *collectionCommands) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, appOptions{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.collections == nil {
		return errRetrievalUnavailable
	}
	return fn(cmd.Context(), a.collections)
}
