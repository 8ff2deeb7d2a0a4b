package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:3978", "skill relay server URL")
	user := flag.String("user", "cli-user", "User name for chat")
	flag.Parse()

	fmt.Println("Skill relay CLI chat")
	fmt.Printf("Server: %s | User: %s\n", *server, *user)
	fmt.Println("Type 'exit' or 'quit' to leave. /help lists the bot's commands.")
	fmt.Println("Local commands: :skills, :status")
	fmt.Println("---")

	fetchSkills(*server)

	conversationID := ""
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			fmt.Println("Bye!")
			return
		case ":skills":
			fetchSkills(*server)
			continue
		case ":status":
			fetchStatus(*server)
			continue
		}
		conversationID = sendMessage(*server, *user, conversationID, input)
	}
}

func fetchSkills(server string) {
	resp, err := http.Get(server + "/api/skills")
	if err != nil {
		printError("Failed to fetch skills: %v", err)
		return
	}
	defer resp.Body.Close()

	var skills []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&skills); err != nil {
		printError("Failed to parse skills: %v", err)
		return
	}
	if len(skills) == 0 {
		fmt.Println("No skills configured.")
		return
	}
	fmt.Println("Available skills:")
	for _, s := range skills {
		fmt.Printf("  %s (%s) %s\n", s.Name, s.ID, s.Description)
	}
}

func fetchStatus(server string) {
	resp, err := http.Get(server + "/api/gateway/status")
	if err != nil {
		printError("Failed to fetch status: %v", err)
		return
	}
	defer resp.Body.Close()

	var statuses []struct {
		Platform  string `json:"platform"`
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
		Details   string `json:"details,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		printError("Failed to parse status: %v", err)
		return
	}
	fmt.Println("Gateway Status:")
	for _, s := range statuses {
		icon := "\033[31m✗\033[0m"
		if s.Connected {
			icon = "\033[32m✓\033[0m"
		}
		fmt.Printf("  %s %s", icon, s.Platform)
		if s.Details != "" {
			fmt.Printf(": %s", s.Details)
		}
		if s.Error != "" {
			fmt.Printf(" \033[31m(%s)\033[0m", s.Error)
		}
		fmt.Println()
	}
}

// sendMessage posts one turn and prints the replies. It returns the
// conversation id to continue with.
func sendMessage(server, user, conversationID, content string) string {
	body, _ := json.Marshal(map[string]string{
		"conversation_id": conversationID,
		"user_id":         user,
		"user_name":       user,
		"content":         content,
	})

	client := &http.Client{Timeout: 65 * time.Second}
	resp, err := client.Post(server+"/api/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return conversationID
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return conversationID
	}

	var out struct {
		ConversationID string `json:"conversation_id"`
		Messages       []struct {
			SkillID string `json:"skill_id"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		printError("Failed to parse response: %v", err)
		return conversationID
	}

	for _, m := range out.Messages {
		if m.SkillID != "" {
			fmt.Printf("\033[36m[%s]\033[0m %s\n", m.SkillID, m.Content)
		} else {
			fmt.Println(m.Content)
		}
	}
	return out.ConversationID
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
