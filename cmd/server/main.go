package main

import (
	"flag"
	"log"
	"net/http"
	"path/filepath"

	"userstore/internal/api"
	"userstore/internal/config"
	"userstore/internal/export"
	"userstore/internal/importer"
	"userstore/internal/jobs"
	"userstore/internal/journal"
	"userstore/internal/websocket"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// hubNotifier pushes run state changes to websocket clients.
type hubNotifier struct {
	hub *websocket.Hub
}

func (n *hubNotifier) ReportEvent(importID, reportID string, state jobs.State, progress string) {
	n.hub.Broadcast(websocket.NewMessage("report", websocket.ReportEventData{
		ImportID: importID,
		ReportID: reportID,
		State:    string(state),
		Progress: progress,
	}))
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.Log.Level, err)
	}
	logger.SetLevel(level)

	// Initialize stores
	store, err := jobs.NewStore(filepath.Join(cfg.Storage.Directory, "user_imports"))
	if err != nil {
		log.Fatalf("Failed to initialize import store: %v", err)
	}

	exports, err := export.NewStore(filepath.Join(cfg.Storage.Directory, "user_exports"), cfg.Export.BatchSize)
	if err != nil {
		log.Fatalf("Failed to initialize export store: %v", err)
	}

	// Initialize WebSocket hub
	hub := websocket.NewHub()
	go hub.Run()

	// The row handler is where rows become records in an identity backend;
	// here the service only tracks the run, so a nil handler just counts rows.
	executor := jobs.NewExecutor(importer.NewFactory(nil), jobs.ExecutorOptions{
		Journal:  journal.New(logger),
		Log:      logger,
		Notifier: &hubNotifier{hub: hub},
	})

	// Initialize REST API server
	apiServer := api.NewServer(store, executor, exports, hub)

	httpPort := cfg.Server.Port

	log.Printf("Starting HTTP server on 0.0.0.0:%s", httpPort)
	log.Printf("WebSocket endpoint: ws://0.0.0.0:%s/ws", httpPort)
	log.Printf("REST API endpoint: http://0.0.0.0:%s/api/v1", httpPort)
	log.Printf("Import storage: %s", store.BasePath())

	if err := http.ListenAndServe("0.0.0.0:"+httpPort, apiServer.GetRouter()); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}
