package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/omochice/broadcast-chat/internal/client"
	"github.com/omochice/broadcast-chat/internal/logging"
	"github.com/omochice/broadcast-chat/pkg/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:3001/ws", "Chat server WebSocket URL")
	tokenAPI := flag.String("token-api", "", "Token API base URL (e.g. http://localhost:3001/api); fetches a token before connecting")
	userID := flag.String("user", "12", "User ID to request a token for")
	token := flag.String("token", "", "Token to present during the handshake")
	logLevel := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	logger := logging.New(os.Stderr, *logLevel, "text")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *tokenAPI != "" && *token == "" {
		t, err := client.RequestToken(ctx, *tokenAPI, *userID)
		if err != nil {
			log.Fatalf("Failed to get token: %v", err)
		}
		*token = t
	}
	if *tokenAPI != "" {
		valid, err := client.VerifyToken(ctx, *tokenAPI, *token)
		if err != nil {
			log.Fatalf("Failed to verify token: %v", err)
		}
		if !valid {
			log.Fatal("Invalid token. Please generate a new token.")
		}
	}

	c := client.New(*url, client.WithToken(*token), client.WithLogger(logger))
	if err := c.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect to server: %v", err)
	}
	defer c.Disconnect()

	fmt.Printf("Connected to %s\n", *url)

	go printMessages(c)
	go printErrors(c)

	fmt.Println("Type your messages (/connect to reconnect, /quit to exit):")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return
		case "/connect":
			if err := c.Connect(context.Background()); err != nil {
				fmt.Printf("! %v\n", err)
			}
			continue
		}

		if err := c.Send(line); err != nil {
			fmt.Printf("! %v\n", err)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Printf("Error reading input: %v", err)
	}
}

func printMessages(c *client.Client) {
	for msg := range c.Messages() {
		switch msg.Type {
		case protocol.KindMessage:
			fmt.Printf("[%s]: %s\n", msg.Sender, msg.Text)
		case protocol.KindSystem, protocol.KindStatus:
			fmt.Printf("*** %s ***\n", msg.Message)
		case protocol.KindError:
			fmt.Printf("! %s (%d)\n", msg.Message, msg.StatusCode)
		}
	}
}

func printErrors(c *client.Client) {
	for err := range c.Errors() {
		if errors.Is(err, client.ErrReconnectExhausted) {
			fmt.Println("! Max reconnect attempts reached. Type /connect to try again.")
			continue
		}
		fmt.Printf("! Disconnected: %v\n", err)
	}
}
