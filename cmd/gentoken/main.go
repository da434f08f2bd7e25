package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"path/filepath"

	"github.com/klipach/firebridge/auth"
	"github.com/klipach/firebridge/config"
	"google.golang.org/api/option"
)

// gentoken prints an ID token for uid, for calling the HTTP port with curl:
// go run cmd/gentoken/main.go -uid <uid>
func main() {
	ctx := context.Background()
	uidPtr := flag.String("uid", "", "User UID for token generation")
	apiKeyPtr := flag.String("apikey", "", "Firebase API key for Identity Toolkit REST API (default: ELM_APP_API_KEY)")
	keyPtr := flag.String("key", "./service_account_key.json", "Service account key file")
	flag.Parse()

	if *uidPtr == "" {
		log.Fatalf("Please provide a user UID using the -uid flag")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	apiKey := cfg.Firebase.APIKey
	if *apiKeyPtr != "" {
		apiKey = *apiKeyPtr
	}

	absPath, err := filepath.Abs(*keyPtr)
	if err != nil {
		log.Fatalf("failed to get absolute path: %v", err)
	}
	app, err := cfg.FirebaseApp(ctx, option.WithCredentialsFile(absPath))
	if err != nil {
		log.Fatalf("error initializing app: %v", err)
	}

	client, err := auth.NewAdminClient(ctx, app)
	if err != nil {
		log.Fatalf("error getting Auth client: %v", err)
	}

	// Generate a custom token
	customToken, err := client.CustomToken(ctx, *uidPtr)
	if err != nil {
		log.Fatalf("error creating custom token: %v", err)
	}

	// Exchange custom token for an ID token
	user, err := auth.NewFirebase(apiKey, nil).SignInWithCustomToken(ctx, customToken)
	if err != nil {
		log.Fatalf("error signing in with custom token: %v", err)
	}
	idToken, err := user.IDToken(ctx)
	if err != nil {
		log.Fatalf("error getting ID token: %v", err)
	}

	fmt.Println(idToken)
}
