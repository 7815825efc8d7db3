package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/pkg/errors"

	"github.com/scusemua/fleet-master/common/configuration"
	"github.com/scusemua/fleet-master/master"
	"github.com/scusemua/fleet-master/master/allocator"
	"github.com/scusemua/fleet-master/master/api"
	"github.com/scusemua/fleet-master/master/auth"
)

var (
	options      = configuration.MasterOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)

	// Set default options.
	options.Port = configuration.DefaultPort
	options.AllocationIntervalSeconds = configuration.DefaultAllocationIntervalSeconds
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}
}

func buildAuthenticator() auth.Authenticator {
	if options.CredentialsFile == "" {
		log.Fatal("No credentials file specified; the operator endpoints cannot run unauthenticated.")
	}

	credentials, err := configuration.LoadCredentials(options.CredentialsFile)
	if err != nil {
		log.Fatalf("Failed to load credentials: %v", err)
	}

	return auth.NewCredentialAuthenticator(credentials)
}

func buildAuthorizer() auth.Authorizer {
	if options.ACLsFile == "" {
		globalLogger.Warn("No ACLs file specified. Running with a permissive rule set.")
		return auth.NewACLAuthorizer(auth.ACLs{Permissive: true})
	}

	acls, err := configuration.LoadACLs(options.ACLsFile)
	if err != nil {
		log.Fatalf("Failed to load ACLs: %v", err)
	}

	return auth.NewACLAuthorizer(acls)
}

func main() {
	var done sync.WaitGroup

	// Ensure that the options/configuration is valid.
	ValidateOptions()

	if options.PrettyPrintOptions {
		globalLogger.Info("Starting the Fleet Master with the following options:\n%s\n", options.PrettyString(2))
	} else {
		globalLogger.Info("Starting the Fleet Master.")
	}

	fleetMaster := master.NewMaster(buildAuthenticator(), buildAuthorizer())

	offerAllocator := allocator.NewOfferAllocator(
		fleetMaster, time.Duration(options.AllocationIntervalSeconds)*time.Second)
	fleetMaster.SetAllocator(offerAllocator)
	offerAllocator.Start()

	server := api.NewServer(fleetMaster, options.Port)

	// Start detecting stop signals.
	done.Add(1)
	go func() {
		<-sig
		globalLogger.Info("Shutting down...")

		offerAllocator.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			globalLogger.Error("Error during HTTP server shutdown: %v", err)
		}

		done.Done()
	}()

	// Serve the operator endpoints.
	go func() {
		if serveErr := server.Start(); serveErr != nil {
			log.Fatalf("Error on serving operator endpoints: %v", serveErr)
		}
	}()

	done.Wait()
}
