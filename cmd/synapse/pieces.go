package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/spf13/cobra"
	"go.pdpstore.dev/synapse/api"
)

var (
	uploadOpts     api.UploadOptions
	uploadMetadata []string
	pieceMetadata  []string

	downloadOutput   string
	downloadProvider string

	payloadSize uint64
	paddedSize  uint64
)

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", p)
		}
		m[k] = v
	}
	return m, nil
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a file as one piece",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		if uploadOpts.Metadata, err = parseMetadata(uploadMetadata); err != nil {
			return err
		} else if uploadOpts.PieceMetadata, err = parseMetadata(pieceMetadata); err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		res, err := client().Upload(cmd.Context(), f, uploadOpts)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <pieceCID>",
	Short: "Download a piece",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid piece CID: %w", err)
		}

		rc, err := client().Download(cmd.Context(), c, downloadProvider)
		if err != nil {
			return err
		}
		defer rc.Close()

		var w io.Writer = os.Stdout
		if downloadOutput != "" {
			f, err := os.Create(downloadOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		_, err = io.Copy(w, rc)
		return err
	},
}

var convertCmd = &cobra.Command{
	Use:   "convert <pieceCIDv1>",
	Short: "Convert a v1 piece CID to v2",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v2, err := client().ConvertPieceCID(args[0], payloadSize, paddedSize)
		if err != nil {
			return err
		}
		fmt.Println(v2)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd, downloadCmd, convertCmd)

	uploadCmd.Flags().Uint64Var(&uploadOpts.ProviderID, "provider-id", 0, "upload to this provider")
	uploadCmd.Flags().StringVar(&uploadOpts.ProviderAddress, "provider", "", "upload to the provider with this service address")
	uploadCmd.Flags().Uint64Var(&uploadOpts.DataSetID, "data-set", 0, "add the piece to this data set")
	uploadCmd.Flags().BoolVar(&uploadOpts.WithCDN, "cdn", false, "store in a CDN-enabled data set")
	uploadCmd.Flags().BoolVar(&uploadOpts.ForceCreate, "force-create", false, "always create a new data set")
	uploadCmd.Flags().StringArrayVarP(&uploadMetadata, "metadata", "m", nil, "data set metadata as key=value")
	uploadCmd.Flags().StringArrayVar(&pieceMetadata, "piece-metadata", nil, "piece metadata as key=value")

	downloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", "", "write the piece to this file instead of stdout")
	downloadCmd.Flags().StringVar(&downloadProvider, "provider", "", "download from the provider with this service address")

	convertCmd.Flags().Uint64Var(&payloadSize, "payload-size", 0, "size of the original data")
	convertCmd.Flags().Uint64Var(&paddedSize, "padded-size", 0, "padded piece size")
	convertCmd.MarkFlagRequired("payload-size")
	convertCmd.MarkFlagRequired("padded-size")
}
