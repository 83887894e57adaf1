package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facestage/internal/reference"
	"github.com/andresmejia3/facestage/internal/scratch"
	"github.com/andresmejia3/facestage/internal/utils"
)

var importReplace bool

var referencesCmd = &cobra.Command{
	Use:     "references",
	Aliases: []string{"refs"},
	Short:   "Manage the reference set of known identities",
}

var referencesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the identities in the reference set",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runReferencesList(cmd.Context())
	},
}

var referencesImportCmd = &cobra.Command{
	Use:   "import <snapshot>",
	Short: "Load a snapshot file (.json, .json.zst, .json.lz4) into the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := requireDB(); err != nil {
			return err
		}
		set, err := reference.LoadFile(args[0])
		if err != nil {
			utils.ShowError("Failed to read snapshot", err, nil)
			return err
		}
		n, err := DB.ImportReferences(cmd.Context(), set, importReplace)
		if err != nil {
			utils.ShowError("Failed to import references", err, nil)
			return err
		}
		fmt.Printf("✅ Imported %d identities (%d-d embeddings)\n", n, set.Dim())
		return nil
	},
}

var referencesPublishCmd = &cobra.Command{
	Use:   "publish [snapshot]",
	Short: "Upload a snapshot to the model container",
	Long: `Uploads the given snapshot file to the model container under reference.key.
Without an argument the reference set stored in the database is exported.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		return runReferencesPublish(cmd.Context(), path)
	},
}

func init() {
	referencesImportCmd.Flags().BoolVar(&importReplace, "replace", false, "Replace existing identities instead of appending")
	referencesCmd.AddCommand(referencesListCmd, referencesImportCmd, referencesPublishCmd)
	rootCmd.AddCommand(referencesCmd)
}

func runReferencesList(ctx context.Context) error {
	if DB != nil {
		identities, err := DB.ListIdentities(ctx)
		if err != nil {
			utils.ShowError("Failed to list identities", err, nil)
			return err
		}
		if len(identities) == 0 {
			fmt.Println("No identities found in database.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tDIM\tCREATED")
		fmt.Fprintln(w, "--\t----\t---\t-------")
		for _, id := range identities {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", id.ID, id.Name, id.Dim, id.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		w.Flush()
		return nil
	}

	st, _, err := buildStorage(ctx, Cfg)
	if err != nil {
		utils.ShowError("Failed to initialize storage", err, nil)
		return err
	}
	src, err := buildReferenceSource(Cfg, st, scratch.NewManager(Cfg.Pipeline.ScratchRoot, Logger))
	if err != nil {
		return err
	}
	set, err := src.Load(ctx)
	if err != nil {
		utils.ShowError("Failed to load reference snapshot", err, nil)
		return err
	}
	fmt.Printf("📦 %s/%s (version %s)\n", Cfg.Buckets.Model, Cfg.Reference.Key, set.Version)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME\tDIM")
	fmt.Fprintln(w, "-----\t----\t---")
	for i, label := range set.Labels {
		fmt.Fprintf(w, "%d\t%s\t%d\n", i, label, len(set.Embeddings[i]))
	}
	w.Flush()
	return nil
}

func runReferencesPublish(ctx context.Context, path string) error {
	st, _, err := buildStorage(ctx, Cfg)
	if err != nil {
		utils.ShowError("Failed to initialize storage", err, nil)
		return err
	}

	var set *reference.Set
	if path != "" {
		if set, err = reference.LoadFile(path); err != nil {
			utils.ShowError("Failed to read snapshot", err, nil)
			return err
		}
	} else {
		if err := requireDB(); err != nil {
			return err
		}
		if set, err = DB.LoadReferenceSet(ctx); err != nil {
			utils.ShowError("Failed to load references from database", err, nil)
			return err
		}
	}

	// Re-encode so the uploaded object's compression always matches its key.
	sm := scratch.NewManager(Cfg.Pipeline.ScratchRoot, Logger)
	err = sm.Run("publish", nil, func(ws *scratch.Workspace) error {
		local := ws.Path("snapshot")
		f, err := os.Create(local)
		if err != nil {
			return err
		}
		if err := reference.Encode(f, set, Cfg.Reference.Key); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		return st.Upload(ctx, local, Cfg.Buckets.Model, Cfg.Reference.Key)
	})
	if err != nil {
		utils.ShowError("Failed to publish snapshot", err, nil)
		return err
	}
	fmt.Printf("✅ Published %d identities to %s/%s\n", set.Len(), Cfg.Buckets.Model, Cfg.Reference.Key)
	return nil
}
