package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var matchesJSON bool

func init() {
	matchesCmd.Flags().BoolVar(&matchesJSON, "json", false, "print raw JSON")
	rootCmd.AddCommand(matchesCmd)
}

var matchesCmd = &cobra.Command{
	Use:   "matches",
	Short: "List your matches",
	Long:  "Fetch the match list: peer, last activity and unread count per conversation.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		matches, err := client.Matches.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list matches: %w", err)
		}

		if matchesJSON {
			data, err := json.MarshalIndent(matches, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(matches) == 0 {
			fmt.Println("No matches yet.")
			return nil
		}

		fmt.Printf("%-16s %-20s %-8s %-8s %s\n", "ID", "PEER", "ONLINE", "UNREAD", "LAST MESSAGE")
		for _, m := range matches {
			online := "no"
			if m.Peer.Online {
				online = "yes"
			}
			last := "-"
			if !m.LastMessageAt.IsZero() {
				last = m.LastMessageAt.Local().Format("Jan 2 15:04")
			}
			fmt.Printf("%-16s %-20s %-8s %-8d %s\n", m.ID, m.Peer.DisplayName, online, m.UnreadCount, last)
		}
		return nil
	},
}
