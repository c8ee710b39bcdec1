package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/park285/typerace-coordinator/internal/raceclient"
)

func main() {
	_ = godotenv.Load()
	baseURL := os.Getenv("RACE_BASE_URL")
	userID := os.Getenv("X_USER_ID")
	roomID := os.Getenv("RACE_ROOM_ID")

	if baseURL == "" {
		log.Fatal("RACE_BASE_URL is required")
	}

	client := raceclient.NewClient(baseURL,
		raceclient.WithUser(userID),
		raceclient.WithTimeout(8*time.Second),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := client.Health(ctx)
	if err != nil {
		log.Printf("/healthz error: %v", err)
	} else {
		log.Printf("/healthz ok: status=%s connections=%d rooms=%d sockets=%d dropped=%d",
			h.Status, h.Connections, h.Rooms, h.Sockets, h.DroppedFrames)
	}
	rooms, err := client.ListRooms(ctx)
	if err != nil {
		log.Printf("/rooms error: %v", err)
	} else {
		log.Printf("/rooms ok: %d waiting", len(rooms))
		for _, r := range rooms {
			fmt.Printf("  %s code=%s lang=%s/%s max=%d\n", r.ID, r.Code, r.Language, r.Difficulty, r.MaxPlayers)
		}
	}

	if roomID == "" || userID == "" {
		log.Println("RACE_ROOM_ID or X_USER_ID not set; skipping socket check")
		return
	}

	wsURL := os.Getenv("RACE_WS_URL")
	if wsURL == "" {
		wsURL = raceclient.WSURL(baseURL)
	}
	sock, err := raceclient.Dial(context.Background(), wsURL, userID)
	if err != nil {
		log.Printf("WS connect error: %v", err)
		return
	}
	defer sock.Close()

	// Observe for a short window
	wctx, wcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer wcancel()
	if err := sock.Join(wctx, roomID); err != nil {
		log.Printf("WS join error: %v", err)
		return
	}
	for {
		ev, err := sock.Next(wctx)
		if err != nil {
			return
		}
		fmt.Printf("WS event type=%s payload=%s\n", ev.Type, ev.Raw)
	}
}
