package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/financehub/syncd/internal/config"
	"github.com/financehub/syncd/internal/credential"
	"github.com/financehub/syncd/internal/entity"
)

var flagCredentialFile string

func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage stored entity credentials",
		Long: `Store, remove, or list the encrypted credential blobs that gate
scheduling. The daemon watches the credential directory: adding a blob
schedules the entity on the next rebuild, removing it cancels pending
timers.`,
	}

	add := &cobra.Command{
		Use:   "add <type:id>",
		Short: "Store a credential blob for an entity",
		Long: `Read an encrypted credential blob from --file (or stdin) and store it
for the entity. The blob is opaque to the daemon; encryption and format
belong to the automator that consumes it.`,
		Args: cobra.ExactArgs(1),
		RunE: runCredentialAdd,
	}
	add.Flags().StringVar(&flagCredentialFile, "file", "", "read the blob from a file instead of stdin")

	remove := &cobra.Command{
		Use:   "remove <type:id>",
		Short: "Remove an entity's stored credential",
		Args:  cobra.ExactArgs(1),
		RunE:  runCredentialRemove,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List entities with stored credentials",
		Args:  cobra.NoArgs,
		RunE:  runCredentialList,
	}

	cmd.AddCommand(add, remove, list)

	return cmd
}

func openCredentialStore() (*credential.Store, error) {
	cfg, err := config.LoadOrDefault(configPath())
	if err != nil {
		return nil, err
	}

	return credential.NewStore(cfg.CredentialDir)
}

func runCredentialAdd(_ *cobra.Command, args []string) error {
	key, err := entity.ParseKey(args[0])
	if err != nil {
		return err
	}

	var blob []byte

	if flagCredentialFile != "" {
		blob, err = os.ReadFile(flagCredentialFile)
		if err != nil {
			return fmt.Errorf("reading %s: %w", flagCredentialFile, err)
		}
	} else {
		blob, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	}

	if len(blob) == 0 {
		return fmt.Errorf("refusing to store an empty credential blob for %s", key)
	}

	store, err := openCredentialStore()
	if err != nil {
		return err
	}

	if err := store.Save(key, blob); err != nil {
		return err
	}

	fmt.Printf("Stored credential for %s (%d bytes).\n", key, len(blob))

	return nil
}

func runCredentialRemove(_ *cobra.Command, args []string) error {
	key, err := entity.ParseKey(args[0])
	if err != nil {
		return err
	}

	store, err := openCredentialStore()
	if err != nil {
		return err
	}

	if err := store.Remove(key); err != nil {
		return err
	}

	fmt.Printf("Removed credential for %s.\n", key)

	return nil
}

func runCredentialList(_ *cobra.Command, _ []string) error {
	store, err := openCredentialStore()
	if err != nil {
		return err
	}

	keys, err := store.List()
	if err != nil {
		return err
	}

	if flagJSON {
		names := make([]string, 0, len(keys))
		for _, k := range keys {
			names = append(names, k.String())
		}

		return printJSON(names)
	}

	if len(keys) == 0 {
		fmt.Println("No credentials stored.")
		return nil
	}

	for _, k := range keys {
		fmt.Println(k)
	}

	return nil
}
