package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatshell/chat-shell/internal/agent"
	"github.com/chatshell/chat-shell/internal/config"
	"github.com/chatshell/chat-shell/internal/llm"
	"github.com/chatshell/chat-shell/internal/model"
	"github.com/chatshell/chat-shell/internal/storage"
	"github.com/chatshell/chat-shell/internal/streaming"
	"github.com/chatshell/chat-shell/internal/tools"
	"github.com/chatshell/chat-shell/pkg/logger"
)

var (
	chatModel        string
	chatSession      string
	chatStorage      string
	chatTemperature  float64
	chatShowThinking bool
	chatBaseURL      string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session in the terminal. Responses stream
token by token, tool calls are shown inline, and history persists across
sessions when a durable storage backend is selected.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "model to use")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "session ID for multi-turn chat (default: auto-generated)")
	chatCmd.Flags().StringVar(&chatStorage, "storage", "", "storage backend (memory, json, sqlite, jetstream)")
	chatCmd.Flags().Float64VarP(&chatTemperature, "temperature", "t", -1, "sampling temperature (0.0-2.0)")
	chatCmd.Flags().BoolVar(&chatShowThinking, "show-thinking", false, "show model thinking process")
	chatCmd.Flags().StringVar(&chatBaseURL, "base-url", "", "OpenAI-compatible API base URL (e.g. https://api.deepseek.com)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if chatModel != "" {
		cfg.DefaultModel = chatModel
	}
	if chatStorage != "" {
		cfg.StorageBackend = chatStorage
	}
	if chatTemperature >= 0 {
		cfg.Temperature = chatTemperature
	}
	if chatShowThinking {
		cfg.ShowThinking = true
	}
	if chatBaseURL != "" {
		cfg.OpenAIBaseURL = chatBaseURL
	}

	// Chat output owns the terminal; keep log noise out of it.
	log, err := logger.New("error")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	ctx := context.Background()

	store, err := storage.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	client, err := newLLMClient(cfg)
	if err != nil {
		return err
	}

	sessionID := chatSession
	if sessionID == "" {
		sessionID = fmt.Sprintf("cli-%d", time.Now().Unix())
	}

	fmt.Println("\n" + strings.Repeat("=", 50))
	fmt.Printf("chat-shell v%s\n", version)
	fmt.Printf("Model: %s\n", cfg.DefaultModel)
	fmt.Printf("Session: %s\n", sessionID)
	fmt.Printf("Storage: %s\n", cfg.StorageBackend)
	fmt.Println("\nType 'exit' or 'quit' to end the session.")
	fmt.Println("Type '/clear' to clear history.")
	fmt.Println("Type '/history' to show history.")
	fmt.Println(strings.Repeat("=", 50) + "\n")

	producer := agent.NewLLMProducer(client, log)
	registry := tools.DefaultRegistry()
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())

		switch strings.ToLower(input) {
		case "exit", "quit":
			fmt.Println("\nSession ended.")
			return nil
		}

		switch input {
		case "":
			continue
		case "/clear":
			if err := store.ClearHistory(ctx, sessionID); err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			fmt.Println("History cleared.")
			continue
		case "/history":
			printHistory(ctx, store, sessionID)
			continue
		}

		history, err := store.GetHistory(ctx, sessionID)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		messages := make([]llm.ChatMessage, 0, len(history)+1)
		for _, msg := range history {
			messages = append(messages, llm.ChatMessage{Role: string(msg.Role), Content: msg.Content})
		}
		messages = append(messages, llm.ChatMessage{Role: "user", Content: input})

		fmt.Print("Assistant: ")

		result, err := producer.Run(ctx, agent.Request{
			SessionID:     sessionID,
			Messages:      messages,
			Model:         cfg.DefaultModel,
			Temperature:   cfg.Temperature,
			MaxTokens:     cfg.MaxTokens,
			MaxToolRounds: cfg.MaxToolRounds,
			Tools:         registry,
			ShowThinking:  cfg.ShowThinking,
		}, printEvent)
		if err != nil {
			fmt.Printf("\nError: %v\n", err)
			continue
		}
		fmt.Println()

		if err := store.AppendMessages(ctx, sessionID, []model.ChatMessage{
			{Role: model.RoleUser, Content: input},
			{Role: model.RoleAssistant, Content: result.Content},
		}); err != nil {
			fmt.Printf("Error saving history: %v\n", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	fmt.Println("\nSession ended.")
	return nil
}

// printEvent renders stream events for the terminal.
func printEvent(ev streaming.Event) error {
	switch data := ev.Data.(type) {
	case streaming.ChunkPayload:
		fmt.Print(data.Text)
	case streaming.ThinkingPayload:
		fmt.Printf("\n[thinking] %s", data.Text)
	case streaming.ToolStartPayload:
		args, _ := json.Marshal(data.Input)
		fmt.Printf("\n[tool: %s %s]", data.Tool, args)
	case streaming.ToolResultPayload:
		fmt.Printf("\n[result: %s]\n", data.Result)
	case streaming.ErrorPayload:
		fmt.Printf("\nError: %s\n", data.Message)
	}
	return nil
}

func printHistory(ctx context.Context, store storage.HistoryStore, sessionID string) {
	history, err := store.GetHistory(ctx, sessionID)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(history) == 0 {
		fmt.Println("No history.")
		return
	}
	for _, msg := range history {
		content := msg.Content
		if len(content) > 100 {
			content = content[:100] + "..."
		}
		fmt.Printf("%s: %s\n", msg.Role, content)
	}
}
