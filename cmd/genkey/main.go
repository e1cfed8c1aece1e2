package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"modelgateway/internal/auth"
	"modelgateway/internal/storage"
)

// genkey produces the two secrets the gateway needs at deploy time: the
// base64 AES key for ENCRYPTION_KEY, and minted API keys in the
// GATEWAY_API_KEYS bootstrap format.
func main() {
	apiKey := flag.Bool("api-key", false, "mint an API key instead of an encryption key")
	userID := flag.String("user", "", "user id to bind the API key to")
	keySize := flag.Int("size", 32, "encryption key size in bytes (16, 24 or 32)")
	flag.Parse()

	if *apiKey {
		record := &auth.APIKeyRecord{ID: uuid.NewString(), UserID: *userID}
		plaintext, err := auth.MintKey(record)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: Failed to mint API key: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("API key (give to the caller, shown only once):\n  %s\n\n", plaintext)
		fmt.Printf("GATEWAY_API_KEYS entry:\n  %s=%s:%s\n", record.ID, record.Hash, record.UserID)
		return
	}

	key, err := storage.GenerateKey(*keySize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to generate key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ENCRYPTION_KEY=%s\n", key)
}
