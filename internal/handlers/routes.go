package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ccui-dev/ccui/internal/events"
	"github.com/ccui-dev/ccui/internal/middleware"
	"github.com/ccui-dev/ccui/internal/repos"
	"github.com/ccui-dev/ccui/internal/services"
)

// Deps is everything the HTTP surface talks to.
type Deps struct {
	Repos     *repos.Registry
	Store     services.TaskStore
	Sessions  *services.SessionRegistry
	Lifecycle *services.TaskLifecycle
	Hub       *events.Hub
	Auth      *middleware.AuthMiddleware
	// LogRequests enables the sampling request logger.
	LogRequests bool
}

// NewApp builds the fiber app with every route registered.
func NewApp(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "ccui",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if d.LogRequests {
		app.Use(SamplingLogger())
	}
	app.Use(d.Auth.RequireAuth)

	reposHandler := NewReposHandler(d.Repos, d.Hub)
	tasksHandler := NewTasksHandler(d.Lifecycle, d.Store)
	sessionsHandler := NewSessionsHandler(d.Sessions, d.Lifecycle)
	terminalHandler := NewTerminalHandler(d.Sessions, d.Lifecycle)
	eventsHandler := NewEventsHandler(d.Hub)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	api := app.Group("/api")
	api.Get("/repos", reposHandler.ListRepos)
	api.Post("/repos", reposHandler.CreateRepo)
	api.Delete("/repos/:name", reposHandler.DeleteRepo)

	api.Get("/tasks", tasksHandler.ListTasks)
	api.Post("/tasks", tasksHandler.CreateTask)
	api.Get("/tasks/:id", tasksHandler.GetTask)
	api.Patch("/tasks/:id", tasksHandler.UpdateTask)
	api.Delete("/tasks/:id", tasksHandler.DeleteTask)
	api.Post("/tasks/:id/handover", tasksHandler.Handover)
	api.Post("/tasks/:id/recall", tasksHandler.Recall)

	api.Get("/sessions", sessionsHandler.ListSessions)
	api.Get("/events", eventsHandler.HandleSSE)

	internal := api.Group("/internal/sessions/:sessionId")
	internal.Post("/advance-to-review", sessionsHandler.AdvanceToReview)
	internal.Post("/back-to-in-progress", sessionsHandler.BackToInProgress)
	internal.Post("/resume", sessionsHandler.Resume)

	app.Get("/ws/terminal", terminalHandler.HandleWebSocket)
	app.Get("/ws/board", eventsHandler.HandleBoardWebSocket)

	return app
}
