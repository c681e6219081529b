package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lumenchat/lumen/internal/client"
)

var (
	chatsServer string
	chatsToken  string
	chatsUser   string
)

func init() {
	chatsCmd.Flags().StringVar(&chatsServer, "server", "", "Server base URL (default from config addr)")
	chatsCmd.Flags().StringVar(&chatsToken, "token", "", "Bearer token for the server")
	chatsCmd.Flags().StringVarP(&chatsUser, "user", "u", "", "User id")
	rootCmd.AddCommand(chatsCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		baseURL := chatsServer
		if baseURL == "" {
			baseURL = "http://" + cfg.Server.Addr
		}
		token := chatsToken
		if token == "" {
			token = cfg.Server.APIKey
		}

		api := client.NewAPI(baseURL, token)
		summaries, err := api.ListChats(cmd.Context(), chatsUser)
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED")
		for _, s := range summaries {
			title := s.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				s.ID, title, s.MessageCount, s.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}
