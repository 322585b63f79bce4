package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/eventodb/hyperstore/client"
	"github.com/spf13/pflag"
)

// ClientConfig holds the connection settings of the admin commands
type ClientConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	Force   bool
}

func parseClientFlags(command string, args []string, getenv func(string) string) (*ClientConfig, []string, error) {
	fs := pflag.NewFlagSet(command, pflag.ContinueOnError)

	url := fs.String("url", "http://localhost:8080", "Server URL")
	token := fs.String("token", getenv("HYPERSTORE_TOKEN"), "Bearer token")
	timeout := fs.Duration("timeout", 5*time.Minute, "Request timeout")
	force := fs.Bool("force", false, "Skip chunks already in the requested state")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "\nUsage: hyperstore %s [ARGS] [OPTIONS]\n\nOptions:\n", command)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if env := getenv("HYPERSTORE_URL"); env != "" && !fs.Changed("url") {
		*url = env
	}
	if *token == "" {
		return nil, nil, fmt.Errorf("--token is required")
	}
	return &ClientConfig{
		URL:     *url,
		Token:   *token,
		Timeout: *timeout,
		Force:   *force,
	}, fs.Args(), nil
}

func runClient(command string, args []string) error {
	cfg, rest, err := parseClientFlags(command, args, os.Getenv)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	c := client.New(cfg.URL, client.WithToken(cfg.Token), client.WithTimeout(cfg.Timeout))
	return execClient(context.Background(), os.Stdout, c, cfg, command, rest)
}

func execClient(ctx context.Context, w io.Writer, c *client.Client, cfg *ClientConfig, command string, args []string) error {
	switch command {
	case "compress":
		id, err := positionalInt(args, 0, "chunk-id")
		if err != nil {
			return err
		}
		return compressChunk(ctx, w, c, int32(id), cfg.Force)
	case "decompress":
		id, err := positionalInt(args, 0, "chunk-id")
		if err != nil {
			return err
		}
		if err := c.DecompressChunk(ctx, int32(id), cfg.Force); err != nil {
			return err
		}
		fmt.Fprintf(w, "decompressed chunk %d\n", id)
		return nil
	case "compress-older-than":
		htID, err := positionalInt(args, 0, "hypertable-id")
		if err != nil {
			return err
		}
		cutoff, err := positionalInt(args, 1, "cutoff")
		if err != nil {
			return err
		}
		return compressOlderThan(ctx, w, c, int32(htID), cutoff)
	case "stats":
		htID, err := positionalInt(args, 0, "hypertable-id")
		if err != nil {
			return err
		}
		return printStats(ctx, w, c, int32(htID))
	}
	return fmt.Errorf("unknown command %q", command)
}

func positionalInt(args []string, i int, name string) (int64, error) {
	if len(args) <= i {
		return 0, fmt.Errorf("missing <%s>", name)
	}
	n, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid <%s> %q: %w", name, args[i], err)
	}
	return n, nil
}

func compressChunk(ctx context.Context, w io.Writer, c *client.Client, id int32, ifNotCompressed bool) error {
	size, err := c.CompressChunk(ctx, id, ifNotCompressed)
	if err != nil {
		return err
	}
	if size == nil {
		fmt.Fprintf(w, "chunk %d is already compressed\n", id)
		return nil
	}
	fmt.Fprintf(w, "compressed chunk %d into chunk %d: %s -> %s\n",
		size.ChunkID, size.CompressedChunkID,
		humanize.Bytes(uint64(size.Uncompressed.Total())),
		humanize.Bytes(uint64(size.Compressed.Total())))
	return nil
}

func compressOlderThan(ctx context.Context, w io.Writer, c *client.Client, htID int32, cutoff int64) error {
	names, err := c.CompressOlderThan(ctx, htID, cutoff)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(w, "no chunks to compress")
		return nil
	}
	fmt.Fprintf(w, "compressed %d chunks:\n", len(names))
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", name)
	}
	return nil
}

func printStats(ctx context.Context, w io.Writer, c *client.Client, htID int32) error {
	chunks, err := c.ChunkStats(ctx, htID)
	if err != nil {
		return err
	}
	stats, err := c.HypertableStats(ctx, htID)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHUNK\tRANGE\tCOMPRESSED\tBEFORE\tAFTER")
	for _, ch := range chunks {
		before, after := "-", "-"
		if ch.BeforeCompression != nil {
			before = humanize.Bytes(uint64(ch.BeforeCompression.Total()))
		}
		if ch.AfterCompression != nil {
			after = humanize.Bytes(uint64(ch.AfterCompression.Total()))
		}
		fmt.Fprintf(tw, "%s\t[%d, %d)\t%t\t%s\t%s\n",
			ch.ChunkName, ch.RangeStart, ch.RangeEnd, ch.IsCompressed, before, after)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d chunks, %d compressed, %s on disk",
		stats.TotalChunks, stats.CompressedChunks, humanize.Bytes(uint64(stats.TotalSizeBytes)))
	if stats.CompressedChunks > 0 {
		fmt.Fprintf(w, ", ratio %.2fx", stats.Ratio)
	}
	fmt.Fprintln(w)
	return nil
}
