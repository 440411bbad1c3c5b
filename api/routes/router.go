package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memeline/memeline-backend/api/controllers"
	"github.com/memeline/memeline-backend/api/middleware"
	"github.com/memeline/memeline-backend/internal/artifacts"
	"github.com/memeline/memeline-backend/internal/notifications"
	"github.com/memeline/memeline-backend/internal/social"
	"github.com/memeline/memeline-backend/pkg/config"
	"github.com/memeline/memeline-backend/pkg/logger"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisP controllers.Pinger,
	gcsP controllers.Pinger,
	pubsubP controllers.Pinger,
	registry *prometheus.Registry,
	artifactService artifacts.Service,
	notificationService notifications.Service,
	socialService social.Service,
	realtimeGateway http.Handler,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisP, gcsP, pubsubP))
	})

	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// The gateway authenticates the handshake itself so it can answer
		// bad credentials with a websocket close frame instead of a JSON
		// envelope.
		if realtimeGateway != nil {
			r.Handle("/realtime", realtimeGateway)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))

			r.Route("/artifacts", func(r chi.Router) {
				r.Get("/", controllers.ArtifactList(artifactService, logg))
				r.Post("/presign", controllers.ArtifactPresign(artifactService, logg))
				r.Get("/{artifactId}/status", controllers.ArtifactStatus(artifactService, logg))
				r.Post("/{artifactId}/edit", controllers.ArtifactEdit(artifactService, logg))
				r.Delete("/{artifactId}", controllers.ArtifactDelete(artifactService, logg))

				r.Post("/{artifactId}/like", controllers.LikeArtifact(socialService, logg))
				r.Delete("/{artifactId}/like", controllers.UnlikeArtifact(socialService, logg))
				r.Post("/{artifactId}/comments", controllers.CreateComment(socialService, logg))
				r.Get("/{artifactId}/comments", controllers.ListComments(socialService, logg))
			})

			r.Route("/users/{userId}", func(r chi.Router) {
				r.Post("/follow", controllers.FollowUser(socialService, logg))
				r.Delete("/follow", controllers.UnfollowUser(socialService, logg))
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", controllers.ListNotifications(notificationService, logg))
				r.Get("/unread-count", controllers.UnreadNotificationCount(notificationService, logg))
				r.Post("/{notificationId}/read", controllers.MarkNotificationRead(notificationService, logg))
				r.Post("/read-all", controllers.MarkAllNotificationsRead(notificationService, logg))
			})
		})
	})

	return r
}
