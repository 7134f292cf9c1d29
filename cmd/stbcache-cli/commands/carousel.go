package commands

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/piwi3910/stbcache/internal/carousel"
	"github.com/piwi3910/stbcache/internal/multicast"
)

// NewCarouselCmd creates the carousel command group
func NewCarouselCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "carousel",
		Short: "Build and transmit object carousels",
		Long:  `Build transport streams carrying files as carousel objects and send them to a multicast group.`,
	}

	cmd.AddCommand(newCarouselEncodeCmd())
	cmd.AddCommand(newCarouselSendCmd())

	return cmd
}

// encodeOptions control carousel encode.
type encodeOptions struct {
	root      string
	urlPrefix string
	validity  time.Duration
	pid       uint16
	blockSize int
	version   uint8
	repeat    int
}

func newCarouselEncodeCmd() *cobra.Command {
	opts := encodeOptions{}

	cmd := &cobra.Command{
		Use:   "encode <out.ts> <files...>",
		Short: "Encode files into a carousel transport stream",
		Long: `Encode files into a transport stream. Object names are the file paths
relative to --root, or the base names when no root is given.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, count, err := encodeFiles(args[1:], opts)
			if err != nil {
				return err
			}

			if err := os.WriteFile(args[0], ts, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", args[0], err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Encoded %d objects into %s (%s)\n", count, args[0], FormatSize(int64(len(ts))))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.root, "root", "", "Directory object names are relative to")
	cmd.Flags().StringVar(&opts.urlPrefix, "url-prefix", "", "Origin URL prefix recorded for each object")
	cmd.Flags().DurationVar(&opts.validity, "validity", time.Hour, "Validity announced for each object")
	cmd.Flags().Uint16Var(&opts.pid, "pid", 0x100, "Transport stream PID")
	cmd.Flags().IntVar(&opts.blockSize, "block-size", carousel.DefaultBlockSize, "Data block size in bytes")
	cmd.Flags().Uint8Var(&opts.version, "version", 0, "Object version")
	cmd.Flags().IntVar(&opts.repeat, "repeat", 1, "Number of carousel cycles to write")

	return cmd
}

// encodeFiles builds a transport stream of opts.repeat carousel cycles.
func encodeFiles(files []string, opts encodeOptions) ([]byte, int, error) {
	if opts.repeat < 1 {
		return nil, 0, fmt.Errorf("repeat must be at least 1")
	}

	enc, err := carousel.NewEncoder(opts.pid, opts.blockSize)
	if err != nil {
		return nil, 0, err
	}

	sources := make([]carousel.Source, 0, len(files))

	for i, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read %s: %w", file, err)
		}

		name, err := objectName(file, opts.root)
		if err != nil {
			return nil, 0, err
		}

		src := carousel.Source{
			Name:     name,
			Data:     data,
			Validity: opts.validity,
			ID:       uint32(i + 1),
			Version:  opts.version,
		}
		if opts.urlPrefix != "" {
			src.URL = strings.TrimSuffix(opts.urlPrefix, "/") + "/" + name
		}

		sources = append(sources, src)
	}

	var ts []byte

	for range opts.repeat {
		for _, src := range sources {
			pkts, err := enc.Encode(src)
			if err != nil {
				return nil, 0, err
			}
			ts = append(ts, pkts...)
		}
	}

	return ts, len(sources), nil
}

func objectName(file, root string) (string, error) {
	if root == "" {
		return filepath.Base(file), nil
	}

	rel, err := filepath.Rel(root, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is not under %s", file, root)
	}

	return path.Clean(filepath.ToSlash(rel)), nil
}

func newCarouselSendCmd() *cobra.Command {
	var loop int

	cmd := &cobra.Command{
		Use:   "send <file.ts>",
		Short: "Send a transport stream to the configured multicast group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			ts, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}

			sender, err := multicast.Dial(multicast.Config{
				Group:     cfg.Group,
				Port:      cfg.Port,
				Interface: cfg.Interface,
			}, cfg.TTL)
			if err != nil {
				return err
			}
			defer func() { _ = sender.Close() }()

			total := 0
			for i := 0; loop == 0 || i < loop; i++ {
				n, err := sender.Send(cmd.Context(), ts, cfg.Bitrate)
				total += n
				if err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Sent %d datagrams to %s:%d\n", total, cfg.Group, cfg.Port)
			return nil
		},
	}

	cmd.Flags().IntVar(&loop, "loop", 1, "Number of times to send the file, 0 to repeat until interrupted")

	return cmd
}
