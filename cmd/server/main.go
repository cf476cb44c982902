package main

import (
	"log"
	"net/http"

	"crew_tracker/internal/config"
	"crew_tracker/internal/controllers"
	"crew_tracker/internal/geocode"
	"crew_tracker/internal/logger"
	"crew_tracker/internal/middleware"
	"crew_tracker/internal/presence"
	"crew_tracker/internal/routes"
	"crew_tracker/internal/store"
	"crew_tracker/internal/trail"
	"crew_tracker/internal/ws"
)

func main() {
	// Initialize structured logging to file
	logger.Setup()

	// Connect to the database. Accounts always live here; the live store
	// does too unless STORE_BACKEND says otherwise.
	config.InitDB()

	// Pick the backing store for trails and presence. The database keeps
	// them across restarts; memory holds them for the process lifetime only.
	var st store.Store
	switch backend := config.StoreBackend(); backend {
	case "memory":
		st = store.NewMemory()
	default:
		st = store.NewDB(config.DB)
	}

	// One hub fans the shared state out to every connected client.
	hub := ws.NewHub()

	agg := trail.NewAggregator(st, func(tr trail.Trail) {
		hub.Broadcast(ws.TrailMessage(tr))
	})
	if err := agg.Start(); err != nil {
		log.Fatalf("failed to start trail aggregator: %v", err)
	}

	view := presence.NewView(st, func(statuses []presence.Status) {
		hub.Broadcast(ws.PresenceMessage(statuses))
	})
	if err := view.Start(); err != nil {
		log.Fatalf("failed to start presence view: %v", err)
	}

	geocoder := geocode.NewClient()

	live := controllers.NewLiveController(st, hub, agg, view)
	trails := controllers.NewTrailController(st, agg)
	pres := controllers.NewPresenceController(view)
	pos := controllers.NewPositionController(agg, geocoder)

	// Setup Gin router
	r := routes.SetupRouter(live, trails, pres, pos)

	// Wrap with CORS
	handler := middleware.EnableCORS(r)

	addr := config.ServerAddr()
	log.Println("🚀 Server running at " + addr)
	log.Fatal(http.ListenAndServe(addr, handler))
}
