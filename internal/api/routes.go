package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.HandleListDevices)
			r.Post("/", s.HandleCreateDevice)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetDevice)
				r.Delete("/", s.HandleDeleteDevice)

				// Session lifecycle
				r.Post("/connect", s.HandleConnectDevice)
				r.Post("/disconnect", s.HandleDisconnectDevice)
				r.Get("/state", s.HandleDeviceState)
				r.Post("/refresh", s.HandleRefreshDevice)

				// Inventory read accessors
				r.Get("/activities", s.HandleListActivities)
				r.Get("/groups", s.HandleListActivityGroups)
				r.Get("/docks", s.HandleListDeviceDocks)
				r.Get("/codesets", s.HandleListCodesets)

				// Media selection
				r.Get("/media", s.HandleGetMedia)
				r.Put("/media/override", s.HandleSetMediaOverride)
				r.Delete("/media/override", s.HandleClearMediaOverride)

				// Commands
				r.Post("/commands/button", s.HandleSendButton)
				r.Post("/commands/ir", s.HandleSendIR)
				r.Post("/commands/system", s.HandleSystemCommand)

				// Entity subscriptions
				r.Post("/negotiate", s.HandleNegotiate)
				r.Get("/subscriptions", s.HandleListSubscriptions)

				// IR learning
				r.Post("/learning", s.HandleStartLearning)
				r.Get("/learning", s.HandleGetLearning)
				r.Delete("/learning/{session_id}", s.HandleCancelLearning)

				// Firmware
				r.Post("/firmware/install", s.HandleInstallFirmware)
				r.Get("/firmware", s.HandleGetFirmware)

				// Polling scheduler
				r.Get("/polling", s.HandleListPolling)
				r.Put("/polling/{metric}", s.HandleEnablePolling)
				r.Delete("/polling/{metric}", s.HandleDisablePolling)
			})
		})

		r.Route("/activities", func(r chi.Router) {
			r.Patch("/{activity_id}", s.HandleUpdateActivity)
		})

		r.Route("/docks", func(r chi.Router) {
			r.Route("/{dock_id}", func(r chi.Router) {
				r.Put("/brightness", s.HandleDockBrightness)
				r.Post("/identify", s.HandleDockIdentify)
				r.Post("/reboot", s.HandleDockReboot)
				r.Put("/password", s.HandleDockPassword)
			})
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.HandleListEvents)
		})
	})
}
