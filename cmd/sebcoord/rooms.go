package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var roomsFlags struct {
	clientConfig
	kind string
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Inspect proctoring rooms",
}

var roomsListCmd = &cobra.Command{
	Use:   "list <exam-id>",
	Short: "List an exam's proctoring rooms",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoomsList,
}

var roomsGenerationCmd = &cobra.Command{
	Use:   "generation <room-id>",
	Short: "Print a room's generation counter",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoomsGeneration,
}

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.AddCommand(roomsListCmd, roomsGenerationCmd)

	addClientFlags(roomsListCmd, &roomsFlags.clientConfig)
	addClientFlags(roomsGenerationCmd, &roomsFlags.clientConfig)
	roomsListCmd.Flags().StringVar(&roomsFlags.kind, "kind", "", "filter by kind (REMOTE_PROCTORING, SCREEN_PROCTORING)")
}

func runRoomsList(cmd *cobra.Command, args []string) error {
	examID, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := roomsFlags.newClient()
	if err != nil {
		return err
	}
	resp, err := c.ListRooms(context.Background(), examID, strings.ToUpper(roomsFlags.kind))
	if err != nil {
		return err
	}
	if len(resp.Rooms) == 0 {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), "No rooms found.")
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "%-6s  %-18s  %-16s  %-9s  %s\n", "ID", "KIND", "NAME", "OCCUPANCY", "GENERATION")
	for _, r := range resp.Rooms {
		occupancy := fmt.Sprintf("%d/%d", r.Occupancy, r.Size)
		if r.Townhall {
			occupancy = fmt.Sprintf("%d", r.Occupancy)
		}
		_, _ = fmt.Fprintf(out, "%-6d  %-18s  %-16s  %-9s  %d\n", r.ID, r.Kind, r.Name, occupancy, r.Generation)
	}
	return nil
}

func runRoomsGeneration(cmd *cobra.Command, args []string) error {
	roomID, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := roomsFlags.newClient()
	if err != nil {
		return err
	}
	gen, err := c.Generation(context.Background(), roomID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), gen)
	return err
}
