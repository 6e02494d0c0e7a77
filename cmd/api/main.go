package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zettanote.org/internal/admin"
	"zettanote.org/internal/httpapi"
	"zettanote.org/internal/ids"
	"zettanote.org/internal/obs"
	"zettanote.org/internal/store/pg"
	"zettanote.org/internal/token"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	secret := os.Getenv("ZETTANOTE_ADMIN_SECRET")
	issuer, err := token.NewIssuer(secret)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	var (
		store  admin.Store
		dir    admin.UserDirectory
		stats  admin.StatsSource
		probe  httpapi.ReadyProbe
		closer func() error
	)
	if dsn := os.Getenv("ZETTANOTE_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store, dir, stats = pgStore, pgStore, pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
		closer = pgStore.Close
	} else {
		// Volatile store for local development.
		mem := admin.NewMemory()
		store, dir, stats = mem, mem, mem
		log.Printf("ZETTANOTE_PG_DSN not set, using in-memory store")
	}

	svc, err := admin.NewService(store, issuer,
		admin.WithUserDirectory(dir),
		admin.WithStatsSource(stats),
	)
	if err != nil {
		log.Fatalf("admin service: %v", err)
	}

	if err := bootstrapAccount(store); err != nil {
		log.Fatalf("bootstrap account: %v", err)
	}

	api := httpapi.New(probe, version, svc)

	addr := os.Getenv("ZETTANOTE_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting zettanote-admin-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if closer != nil {
		_ = closer()
	}
	log.Println("Stopped")
}

// bootstrapAccount creates the initial elevated account from
// ZETTANOTE_BOOTSTRAP_EMAIL / ZETTANOTE_BOOTSTRAP_PASSWORD when the
// email is not taken yet. The account starts with a forced rotation.
func bootstrapAccount(store admin.Store) error {
	email := admin.NormalizeEmail(os.Getenv("ZETTANOTE_BOOTSTRAP_EMAIL"))
	password := os.Getenv("ZETTANOTE_BOOTSTRAP_PASSWORD")
	if email == "" || password == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := store.FindByEmail(ctx, email); err == nil {
		return nil
	}
	hash, err := admin.HashPassword(password)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	acct := &admin.Account{
		ID:                 ids.New(),
		Email:              email,
		Name:               "Bootstrap Administrator",
		PasswordHash:       hash,
		Role:               admin.RoleElevated,
		Permissions:        admin.RoleElevated.DefaultPermissions(),
		Active:             true,
		FirstLogin:         true,
		MustChangePassword: true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := store.Create(ctx, acct); err != nil {
		return err
	}
	log.Printf("bootstrap elevated account created for %s", email)
	return nil
}
