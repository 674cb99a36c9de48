package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/punchamoorthee/paynsnap/internal/config"
	"github.com/punchamoorthee/paynsnap/internal/domain"
	"github.com/punchamoorthee/paynsnap/internal/store"
)

// Seeds or inspects the persisted session and message preferences of the configured store backend.
func main() {
	envDir := flag.String("env", ".", "directory searched for an optional .env file")
	user := flag.String("user", "", "persist this account as the logged-in session")
	message := flag.Int("message", -1, "persist this message index")
	custom := flag.String("custom", "", "persist this custom message")
	clearSession := flag.Bool("clear", false, "remove the persisted session")
	flag.Parse()

	cfg, err := config.Load(*envDir)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	kv, err := store.Open(ctx, store.Options{
		Backend:   cfg.StoreBackend,
		Path:      cfg.StorePath,
		RedisAddr: cfg.RedisAddr,
		DBSource:  cfg.DBSource,
	})
	if err != nil {
		log.Fatalf("Unable to open %s store: %v", cfg.StoreBackend, err)
	}
	defer kv.Close()
	settings := store.NewSettings(kv)

	if *clearSession {
		if err := settings.ClearSession(ctx); err != nil {
			log.Fatal(err)
		}
		log.Println("Session cleared.")
	}
	if *user != "" {
		if err := settings.SaveSession(ctx, domain.Session{Username: *user}); err != nil {
			log.Fatal(err)
		}
		log.Printf("Session set to @%s.", *user)
	}
	if *message >= 0 || *custom != "" {
		prefs, err := settings.Preferences(ctx)
		if err != nil {
			log.Fatal(err)
		}
		if *message >= 0 {
			prefs.DefaultMessageIndex = *message
		}
		if *custom != "" {
			prefs.CustomMessage = *custom
		}
		if err := settings.SavePreferences(ctx, prefs); err != nil {
			log.Fatal(err)
		}
	}

	sess, err := settings.Session(ctx)
	if err != nil {
		log.Fatal(err)
	}
	prefs, err := settings.Preferences(ctx)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("backend=%s session=%q message=%d custom=%q",
		cfg.StoreBackend, sess.Username, prefs.DefaultMessageIndex, prefs.CustomMessage)
}
