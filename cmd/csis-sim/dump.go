package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/user/csis-coordinator/wire/debug"
)

func newDumpCmd() *cobra.Command {
	var link string

	cmd := &cobra.Command{
		Use:   "dump <capture.cbor>",
		Short: "Print a capture file as JSON, one event per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dump(cmd.OutOrStdout(), args[0], debug.Filter{LinkID: link})
		},
	}
	cmd.Flags().StringVar(&link, "link", "", "Only print events of this link ID")
	return cmd
}

func dump(w io.Writer, path string, filter debug.Filter) error {
	r, err := debug.NewReader(path, filter)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		event, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		msg, err := event.Proto()
		if err != nil {
			return err
		}
		line, err := protojson.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, string(line)); err != nil {
			return err
		}
	}
}
