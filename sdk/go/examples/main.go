// Package main demonstrates the engine SDK: one plain turn, one streamed
// turn, and the session summary.
package main

import (
	"context"
	"fmt"
	"log"

	pce "github.com/personal-context-engine/sdk/go"
)

func main() {
	client := pce.NewClient(pce.ClientConfig{
		BaseURL: "http://localhost:8080",
	})

	ctx := context.Background()

	session, err := client.CreateSession(ctx)
	if err != nil {
		log.Fatalf("Create session failed: %v", err)
	}
	fmt.Printf("Session: %s\n", session.ID)

	// Plain turn.
	reply, err := client.Chat(ctx, &pce.ChatRequest{
		Message: "What projects am I working on right now?",
	})
	if err != nil {
		log.Fatalf("Chat failed: %v", err)
	}
	fmt.Printf("Reply (%d attempts, score %.2f):\n%s\n",
		reply.Metadata.Attempts, reply.Metadata.Score, reply.Text)
	for _, c := range reply.Metadata.Contexts {
		fmt.Printf("  grounded on %s via %s\n", c.EntityKey, c.Path)
	}

	// Streamed turn on the same session.
	stream, err := client.OpenStream(ctx)
	if err != nil {
		log.Fatalf("Open stream failed: %v", err)
	}
	defer stream.Close()

	if err := stream.Send(&pce.ChatMessage{Message: "Tell me more about the first one."}); err != nil {
		log.Fatalf("Send failed: %v", err)
	}
	for {
		ev, err := stream.Recv()
		if err != nil {
			log.Fatalf("Recv failed: %v", err)
		}
		if ev.Type == pce.EventFragment {
			fmt.Print(ev.Text)
			continue
		}
		if ev.Type == pce.EventError {
			log.Fatalf("Turn failed: %s", ev.Error)
		}
		fmt.Printf("\n[turn done: %d fragments, score %.2f]\n", ev.Index, ev.Metadata.Score)
		break
	}

	// Session digest.
	summary, err := client.Summary(ctx)
	if err != nil {
		log.Fatalf("Summary failed: %v", err)
	}
	fmt.Printf("Turns so far: %d, insights kept: %d\n", summary.TurnCount, summary.InsightCount)
}
