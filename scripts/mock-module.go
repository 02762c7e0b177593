// +build ignore

// Mock action module for testing the router's webhook dispatch
// Run with: go run scripts/mock-module.go -port 9001 -secret hook-secret
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

type executeRequest struct {
	RequestID string `json:"request_id"`
	Community struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"community"`
	Trigger struct {
		Command     string `json:"command"`
		ContextText string `json:"context_text"`
		EventType   string `json:"event_type"`
	} `json:"trigger"`
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	Entity struct {
		ID       string `json:"id"`
		Platform string `json:"platform"`
	} `json:"entity"`
}

func main() {
	port := flag.Int("port", 9001, "Port to listen on")
	name := flag.String("name", "mock", "Module name")
	secret := flag.String("secret", "", "Signing secret; empty skips verification")
	delay := flag.Duration("delay", 0, "Artificial response delay")
	flag.Parse()

	mux := http.NewServeMux()

	// Health endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"module": *name,
		})
	})

	// Execute endpoint - verifies the signature and answers the command
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		if *secret != "" && !verify(*secret, body, r.Header.Get("X-Router-Signature")) {
			log.Printf("rejected request: bad signature")
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}

		var req executeRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}

		log.Printf("request %s: command=%q user=%s entity=%s/%s",
			req.RequestID, req.Trigger.Command, req.User.Username, req.Entity.Platform, req.Entity.ID)

		if *delay > 0 {
			time.Sleep(*delay)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"message": fmt.Sprintf("%s handled %s for %s", *name, req.Trigger.Command, req.User.Username),
			"data": map[string]interface{}{
				"module":     *name,
				"request_id": req.RequestID,
				"community":  req.Community.ID,
				"timestamp":  time.Now().Format(time.RFC3339),
			},
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock module '%s' starting on %s", *name, addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func verify(secret string, payload []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	want, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(want, mac.Sum(nil))
}
