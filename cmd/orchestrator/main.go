package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"gpu-standby-orchestrator/config"
	"gpu-standby-orchestrator/core/runtime"
)

// cleanupSweepInterval is how often RunCleanupSweep scans every standby
// association for a hibernation cleanup window that has elapsed. It runs
// far more often than the cleanup window itself so released mirrors are
// caught close to their deadline rather than one sweep later.
const cleanupSweepInterval = time.Minute

func main() {
	cfg := config.Load()

	ctx := context.Background()
	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build runtime: %v", err)
	}
	defer rt.Close()

	log.Println("Database connected successfully")

	r := mux.NewRouter()
	rt.Publisher.Routes(r)
	rt.AssociationHandlers.Routes(r)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		log.Printf("Starting server on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	sweepTicker := time.NewTicker(cleanupSweepInterval)
	sweepDone := make(chan struct{})
	go func() {
		defer sweepTicker.Stop()
		for {
			select {
			case <-sweepTicker.C:
				rt.RunCleanupSweep(context.Background())
			case <-sweepDone:
				return
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	close(sweepDone)

	log.Println("Shutting down server...")
	if err := server.Shutdown(context.Background()); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited")
}
