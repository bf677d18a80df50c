// Command bootstrap-user seeds a verified user account in the datastore,
// skipping the email confirmation step. Intended for development setups and
// for provisioning the first account on a fresh deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"vodhub/internal/models"
	"vodhub/internal/storage"
)

func main() {
	var (
		jsonPath    string
		postgresDSN string
		handle      string
		email       string
		password    string
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore (store.json)")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&handle, "handle", "", "Handle for the account")
	flag.StringVar(&email, "email", "", "Email address for the account (optional)")
	flag.StringVar(&password, "password", "", "Password for the account")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if strings.TrimSpace(handle) == "" {
		fatalf("--handle is required")
	}
	if len(password) < 8 {
		fatalf("--password must be at least 8 characters")
	}

	repo, err := openRepository(jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	user, created, err := bootstrapUser(repo, handle, email, password)
	if err != nil {
		fatalf("bootstrap user: %v", err)
	}

	if created {
		fmt.Printf("User %s (%s) created and verified.\n", user.Handle, user.ID)
		fmt.Println("Remember to rotate this password after the first login.")
	} else {
		fmt.Printf("User %s (%s) already existed, marked verified.\n", user.Handle, user.ID)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewJSONRepository(jsonPath)
	}
	return storage.NewPostgresRepository(postgresDSN)
}

func closeRepository(repo storage.Repository) {
	type closer interface {
		Close(context.Context) error
	}
	if c, ok := repo.(closer); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	}
}

func bootstrapUser(repo storage.Repository, handle, email, password string) (models.User, bool, error) {
	handle = strings.TrimSpace(handle)
	if existing, ok := repo.FindUserByHandle(handle); ok {
		verified, err := repo.MarkUserVerified(existing.ID)
		if err != nil {
			return models.User{}, false, err
		}
		return verified, false, nil
	}

	user, err := repo.CreateUser(storage.CreateUserParams{
		Handle:   handle,
		Email:    strings.TrimSpace(email),
		Password: password,
	})
	if err != nil {
		return models.User{}, false, err
	}
	verified, err := repo.MarkUserVerified(user.ID)
	if err != nil {
		return models.User{}, false, err
	}
	return verified, true, nil
}
