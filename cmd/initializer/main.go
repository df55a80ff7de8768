// Package main provides the one-shot administration CLI for an activator
// deployment: bootstrapping the central registry for an instrument and
// managing the service tokens the next-visit fan-out authenticates with.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/promptkit-io/activator/internal/camera"
	"github.com/promptkit-io/activator/internal/registry"
	"github.com/promptkit-io/activator/internal/tokens"
)

const (
	version = "1.0.0"
	name    = "initializer"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "--version":
		fmt.Printf("%s v%s\n", name, version)
	case "--help":
		printUsage()
	case "bootstrap":
		runBootstrap(os.Args[2:])
	case "issue-token":
		runIssueToken(os.Args[2:])
	case "revoke-token":
		runRevokeToken(os.Args[2:])
	default:
		log.Fatalf("unknown command: %s", os.Args[1])
	}
}

// runBootstrap prepares the central registry for one instrument: the input
// chains the replicator reads from, the output chain exports append to, and
// the governor dimension records that gate dataset queries. Everything is
// idempotent, so re-running against a prepared registry is safe.
func runBootstrap(args []string) {
	fs := flag.NewFlagSet("bootstrap", flag.ExitOnError)
	instrument := fs.String("instrument", "", "official instrument name (required)")
	skymap := fs.String("skymap", "", "sky map name to register, if template preloading is used")
	fs.Parse(args)

	if *instrument == "" {
		log.Fatal("bootstrap requires --instrument")
	}

	cam, ok := camera.Lookup(*instrument)
	if !ok {
		log.Fatalf("unsupported instrument: %s", *instrument)
	}

	central := connectRegistry()
	defer central.Close()

	ctx := context.Background()

	chains := []string{
		*instrument + "/calib",
		*instrument + "/templates",
		*instrument + "/prompt",
		"refcats",
		"skymaps",
	}

	for _, chain := range chains {
		if err := central.RegisterCollection(ctx, chain, registry.CollectionChained); err != nil {
			log.Fatalf("failed to register collection %s: %v", chain, err)
		}

		log.Printf("registered collection %s", chain)
	}

	recs := []registry.DimensionRecord{{
		Element: "instrument",
		DataID:  registry.DataID{"instrument": *instrument},
		Fields:  map[string]string{"detectors": strconv.Itoa(cam.Detectors)},
	}}

	for d := 0; d < cam.Detectors; d++ {
		recs = append(recs, registry.DimensionRecord{
			Element: "detector",
			DataID: registry.DataID{
				"instrument": *instrument,
				"detector":   strconv.Itoa(d),
			},
		})
	}

	if *skymap != "" {
		recs = append(recs, registry.DimensionRecord{
			Element: "skymap",
			DataID:  registry.DataID{"skymap": *skymap},
		})
	}

	if err := central.InsertDimensionRecords(ctx, recs); err != nil {
		log.Fatalf("failed to insert dimension records: %v", err)
	}

	log.Printf("bootstrap complete for %s (%d detectors)", *instrument, cam.Detectors)
}

// runIssueToken mints a service token and stores its hash. The plaintext is
// printed exactly once; it cannot be recovered afterwards.
func runIssueToken(args []string) {
	fs := flag.NewFlagSet("issue-token", flag.ExitOnError)
	clientID := fs.String("client-id", "", "identity of the calling service (required)")
	tokenName := fs.String("name", "", "human-readable token description")
	expiresIn := fs.Duration("expires-in", 0, "token lifetime, e.g. 720h; zero means no expiry")
	fs.Parse(args)

	if *clientID == "" {
		log.Fatal("issue-token requires --client-id")
	}

	token, err := tokens.Generate(*clientID, *tokenName)
	if err != nil {
		log.Fatalf("failed to generate token: %v", err)
	}

	if *expiresIn > 0 {
		expiry := time.Now().UTC().Add(*expiresIn)
		token.ExpiresAt = &expiry
	}

	store, closeStore := connectTokenStore()
	defer closeStore()

	if err := store.Add(context.Background(), token); err != nil {
		log.Fatalf("failed to store token: %v", err)
	}

	fmt.Printf("token id:  %s\n", token.ID)
	fmt.Printf("client id: %s\n", token.ClientID)

	if token.ExpiresAt != nil {
		fmt.Printf("expires:   %s\n", token.ExpiresAt.Format(time.RFC3339))
	}

	fmt.Printf("\n%s\n\nStore this token now: it is shown only once.\n", token.Token)
}

// runRevokeToken deactivates a token by id. Revoked tokens fail
// authentication but stay in the table.
func runRevokeToken(args []string) {
	fs := flag.NewFlagSet("revoke-token", flag.ExitOnError)
	tokenID := fs.String("id", "", "token id to revoke (required)")
	fs.Parse(args)

	if *tokenID == "" {
		log.Fatal("revoke-token requires --id")
	}

	store, closeStore := connectTokenStore()
	defer closeStore()

	if err := store.Revoke(context.Background(), *tokenID); err != nil {
		log.Fatalf("failed to revoke token %s: %v", *tokenID, err)
	}

	log.Printf("token %s revoked", *tokenID)
}

func connectRegistry() *registry.PostgresRegistry {
	central, err := registry.NewPostgresRegistry(registry.LoadPostgresConfig())
	if err != nil {
		log.Fatalf("failed to connect to central registry: %v", err)
	}

	return central
}

func connectTokenStore() (tokens.Store, func()) {
	central := connectRegistry()

	return tokens.NewPersistentStore(central.DB(), nil), func() { _ = central.Close() }
}

func printUsage() {
	fmt.Printf(`%s v%s - Deployment administration for the activator

USAGE:
    %s COMMAND [OPTIONS]

COMMANDS:
    bootstrap     Prepare the central registry for an instrument
                  --instrument NAME (required), --skymap NAME
    issue-token   Mint a service token for the next-visit fan-out
                  --client-id ID (required), --name TEXT, --expires-in DUR
    revoke-token  Deactivate a service token
                  --id TOKEN_ID (required)

ENVIRONMENT VARIABLES:
    CENTRAL_REGISTRY_URL PostgreSQL connection string (REQUIRED)
`, name, version, name)
}
