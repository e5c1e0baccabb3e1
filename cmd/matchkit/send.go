package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	matchkit "github.com/amora-app/matchkit-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <match-id> <text>",
	Short: "Send a text message over REST",
	Long:  "One-shot send without opening a live session. All words after the match id form the message.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		matchID := args[0]
		text := strings.Join(args[1:], " ")

		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ack, err := client.Messages.Send(ctx, matchID, matchkit.KindText, text, "")
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}

		fmt.Printf("Sent %s at %s\n", ack.ID, ack.CreatedAt.Local().Format(time.Kitchen))
		return nil
	},
}
