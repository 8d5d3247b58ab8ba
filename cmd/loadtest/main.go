package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Stress driver: spins up user pairs, opens a websocket per user, and spams
// message:send envelopes at each other over a shared conversation.

var (
	baseURL   = flag.String("base", "http://localhost:8080", "REST base URL")
	wsURL     = flag.String("ws", "ws://localhost:8080/ws", "websocket URL")
	pairCount = flag.Int("pairs", 50, "number of user pairs")
	msgCount  = flag.Int("msgs", 20, "messages sent per user")
)

type authResponse struct {
	Token    string `json:"access_token"`
	ID       string `json:"id"`
	Username string `json:"username"`
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type sendPayload struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	TempID     string `json:"tempId"`
}

func main() {
	flag.Parse()
	log.Printf("starting load test: %d users, %d messages each", *pairCount*2, *msgCount)

	var wg sync.WaitGroup
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}
	wg.Wait()
	log.Println("load test complete")
}

func runPair(pairID int) {
	userA := fmt.Sprintf("lt_%d_a", pairID)
	userB := fmt.Sprintf("lt_%d_b", pairID)
	pass := "password123"

	authA := authenticate(userA, pass)
	authB := authenticate(userB, pass)
	if authA == nil || authB == nil {
		return
	}

	// Resolving the conversation up front avoids a create race between the
	// two sides; canonical pairing makes both resolve to the same row anyway.
	if !startConversation(authA.Token, authB.ID) {
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, authA, authB.ID)
	go spamChat(&wsWg, authB, authA.ID)
	wsWg.Wait()
}

func authenticate(username, password string) *authResponse {
	// Registration failure is fine, the user may exist from a previous run.
	postJSON("/register", map[string]string{"username": username, "password": password})

	resp, err := postJSON("/login", map[string]string{"username": username, "password": password})
	if err != nil {
		log.Printf("login failed [%s]: %v", username, err)
		return nil
	}
	defer resp.Body.Close()

	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil || data.Token == "" {
		log.Printf("login decode failed [%s]: %v", username, err)
		return nil
	}
	return &data
}

func startConversation(token, peerID string) bool {
	body, _ := json.Marshal(map[string]string{"userId": peerID})
	req, _ := http.NewRequest("POST", *baseURL+"/api/conversations", bytes.NewBuffer(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("start conversation failed: %v", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("start conversation failed: status %d", resp.StatusCode)
		return false
	}
	return true
}

func spamChat(wg *sync.WaitGroup, self *authResponse, peerID string) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=%s", *wsURL, self.Token), nil)
	if err != nil {
		log.Printf("ws connect failed [%s]: %v", self.Username, err)
		return
	}
	defer conn.Close()

	// Drain acks and broadcasts so the server never sees us as a slow consumer.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < *msgCount; i++ {
		env := envelope{
			Event: "message:send",
			Data: sendPayload{
				ReceiverID: peerID,
				Content:    fmt.Sprintf("load test msg %d from %s", i, self.Username),
				TempID:     uuid.NewString(),
			},
		}
		if err := conn.WriteJSON(env); err != nil {
			log.Printf("send failed [%s]: %v", self.Username, err)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("%s finished sending %d msgs", self.Username, *msgCount)
}

func postJSON(endpoint string, data any) (*http.Response, error) {
	body, _ := json.Marshal(data)
	return http.Post(*baseURL+endpoint, "application/json", bytes.NewBuffer(body))
}
