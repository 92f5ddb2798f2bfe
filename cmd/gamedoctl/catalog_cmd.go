package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"gamedo/pkg/content"
)

const catalogTimeout = 30 * time.Second

func newCatalogCmd(opts *options) *cobra.Command {
	var (
		source string
		file   string
		key    string
	)
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List or publish the book catalog",
	}
	cmd.PersistentFlags().StringVar(&key, "key", content.DefaultCatalogKey, "catalog object key")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the books of a catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				catalog *content.Catalog
				err     error
			)
			switch source {
			case "embedded":
				catalog, err = content.DefaultCatalog()
			case "file":
				if file == "" {
					return fmt.Errorf("--file is required for the file source")
				}
				catalog, err = content.LoadCatalogFile(file)
			case "minio":
				objects, oerr := opts.openObjects()
				if oerr != nil {
					return oerr
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), catalogTimeout)
				defer cancel()
				catalog, err = content.LoadCatalogObject(ctx, objects, key)
			default:
				return fmt.Errorf("unknown source %q (valid: embedded, file, minio)", source)
			}
			if err != nil {
				return err
			}
			printCatalog(cmd, catalog)
			return nil
		},
	}
	list.Flags().StringVar(&source, "source", "embedded", "catalog source: embedded, file or minio")
	list.Flags().StringVar(&file, "file", "", "catalog YAML path for the file source")

	upload := &cobra.Command{
		Use:   "upload <file>",
		Short: "Validate a catalog YAML file and publish it to MinIO",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read catalog: %w", err)
			}
			catalog, err := content.ParseCatalog(data)
			if err != nil {
				return err
			}
			objects, err := opts.openObjects()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), catalogTimeout)
			defer cancel()
			if err := objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/yaml"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d book(s) to %s/%s\n", len(catalog.Books()), opts.minioBucket, key)
			return nil
		},
	}

	cmd.AddCommand(list, upload)
	return cmd
}

func printCatalog(cmd *cobra.Command, catalog *content.Catalog) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCLASS\tSUBJECT\tLANGUAGE\tCHAPTERS\tTITLE")
	for _, b := range catalog.Books() {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\n", b.ID, b.Class, b.Subject, b.Language, len(b.Chapters), b.Title)
	}
	_ = tw.Flush()
}
