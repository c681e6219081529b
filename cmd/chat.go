package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lumenchat/lumen/internal/client"
	"github.com/lumenchat/lumen/internal/config"
	"github.com/lumenchat/lumen/internal/llm"
	"github.com/lumenchat/lumen/internal/mcp"
)

var (
	chatServer string
	chatToken  string
	chatModel  string
	chatUser   string
	chatID     string
)

func init() {
	chatCmd.Flags().StringVar(&chatServer, "server", "", "Server base URL (default from config addr)")
	chatCmd.Flags().StringVar(&chatToken, "token", "", "Bearer token for the server")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model id (or provider/model)")
	chatCmd.Flags().StringVarP(&chatUser, "user", "u", "", "User id")
	chatCmd.Flags().StringVar(&chatID, "chat", "", "Resume an existing conversation by id")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the lumen server from the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		baseURL := chatServer
		if baseURL == "" {
			baseURL = "http://" + cfg.Server.Addr
		}
		token := chatToken
		if token == "" {
			token = cfg.Server.APIKey
		}

		api := client.NewAPI(baseURL, token)
		if !api.Healthy(cmd.Context()) {
			return fmt.Errorf("server at %s is not reachable (start it with `lumen serve`)", baseURL)
		}

		session := client.NewSession(api, client.NewCache(), chatUser, chatID, client.Options{
			Model: chatModel,
			Tools: configuredTools(cfg),
			Notifier: func(message string) {
				fmt.Fprintf(os.Stderr, "\n! %s\n", message)
			},
			Navigator: func(id string) {
				fmt.Fprintf(os.Stderr, "chat id: %s (resume with --chat %s)\n", id, id)
			},
			OnEvent: printEvent,
			Logger:  newLogger(),
		})

		if chatID != "" {
			session.Load(cmd.Context())
			for _, msg := range session.Messages() {
				printHistoryMessage(msg)
			}
		}

		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				fmt.Print("> ")
				continue
			}
			if text == "/quit" || text == "/exit" {
				break
			}
			session.Submit(cmd.Context(), text)
			session.Wait()
			fmt.Print("\n> ")
		}
		return scanner.Err()
	},
}

func configuredTools(cfg *config.Config) []mcp.Descriptor {
	var descriptors []mcp.Descriptor
	for name, server := range cfg.MCP.Servers {
		descriptors = append(descriptors, mcp.DescriptorFromConfig(name, server))
	}
	return descriptors
}

func printEvent(ev client.StreamEvent) {
	switch {
	case ev.TextDelta != nil:
		fmt.Print(ev.TextDelta.Text)
	case ev.ToolCall != nil:
		fmt.Fprintf(os.Stderr, "\n[tool] %s...\n", ev.ToolCall.Name)
	case ev.ToolResult != nil && ev.ToolResult.IsError:
		fmt.Fprintf(os.Stderr, "[tool] %s failed\n", ev.ToolResult.Name)
	}
}

func printHistoryMessage(msg llm.Message) {
	var text strings.Builder
	for _, part := range msg.Parts {
		if part.Type == llm.PartText {
			text.WriteString(part.Text)
		}
	}
	if text.Len() == 0 {
		return
	}
	switch msg.Role {
	case llm.RoleUser:
		fmt.Printf("> %s\n", text.String())
	case llm.RoleAssistant:
		fmt.Printf("%s\n\n", text.String())
	}
}
