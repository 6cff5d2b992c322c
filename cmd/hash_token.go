package cmd

import (
	"fmt"
	"log"
	"syscall"

	"github.com/refold-languages/refoldbot/refoldbot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading secrets. It's really
// only here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token",
	Short: "Hash an API bearer token for use as api.token_hash",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()

		if customPasswordReader == nil {
			customPasswordReader = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}

		var token string
		for {
			fmt.Fprint(out, "Enter API token: ")
			tokenBytes, _ := customPasswordReader()
			token = string(tokenBytes)
			fmt.Fprintln(out)

			fmt.Fprint(out, "Confirm API token: ")
			confirmBytes, _ := customPasswordReader()
			confirm := string(confirmBytes)
			fmt.Fprintln(out)

			if token != "" && token == confirm {
				break
			}
			fmt.Fprintln(out, "Tokens do not match or are empty. Please try again.")
		}

		hash, err := refoldbot.HashToken(token)
		if err != nil {
			log.Fatalf("Error hashing token: %v", err)
		}
		fmt.Fprintln(out, hash)
	},
}

func init() {
	rootCmd.AddCommand(hashTokenCmd)
}
