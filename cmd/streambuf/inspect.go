// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/siderolabs/go-streambuf"
	"github.com/siderolabs/go-streambuf/zstd"
)

var inspectCmdFlags struct {
	dump bool
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <snapshot>...",
	Short: "Print the contents of stream snapshots",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		compressor, err := zstd.NewCompressor()
		if err != nil {
			return err
		}

		defer compressor.Close() //nolint:errcheck

		for _, path := range args {
			snap, err := streambuf.ReadSnapshot(path, compressor)
			if err != nil {
				return fmt.Errorf("failed to read %q: %w", path, err)
			}

			if err = inspect(cmd.OutOrStdout(), path, snap, inspectCmdFlags.dump); err != nil {
				return err
			}
		}

		return nil
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectCmdFlags.dump, "dump", false, "print a hex dump of the contiguous data at the position")
}

func inspect(w io.Writer, path string, snap streambuf.Snapshot, dump bool) error {
	buf, err := streambuf.RestoreBuffer(snap, streambuf.WithMaxCapacity(max(snap.Size, 1)))
	if err != nil {
		return fmt.Errorf("failed to restore %q: %w", path, err)
	}

	fmt.Fprintf(w, "%s: position %d, size %d, buffered %d bytes in %d extents\n", path, buf.Position(), buf.Size(), buf.Buffered(), len(snap.Extents))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "OFFSET\tLENGTH\tTIMESTAMP")

	for _, e := range snap.Extents {
		fmt.Fprintf(tw, "%d\t%d\t%s\n", e.Offset, len(e.Data), time.Unix(0, int64(e.Timestamp)).UTC().Format(time.RFC3339Nano))
	}

	if err = tw.Flush(); err != nil {
		return err
	}

	if dump {
		if head := buf.Head(); len(head) > 0 {
			fmt.Fprint(w, hex.Dump(head))
		}
	}

	return nil
}
