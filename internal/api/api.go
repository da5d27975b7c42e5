// Package api registers the demo application routes.
package api

import (
	"github.com/Diogokranzz/HTTP-2/internal/router"
)

// RegisterRoutes adds the demo endpoints to r.
func RegisterRoutes(r *router.Router) {
	r.GET("/api/hello", hello)
	r.GET("/api/users", listUser)
	r.POST("/api/users", createUser)
}

func hello(*router.Request) router.Response {
	return router.JSON(200,
		router.Field{Key: "message", Value: "Hello from DK API"},
		router.Field{Key: "status", Value: "fast"},
	)
}

func listUser(*router.Request) router.Response {
	return router.JSON(200,
		router.Field{Key: "id", Value: "1"},
		router.Field{Key: "name", Value: "Diogo"},
		router.Field{Key: "role", Value: "Admin"},
	)
}

func createUser(req *router.Request) router.Response {
	name := router.GetValue(req.Body, "name")
	if name == "" {
		return router.JSON(400, router.Field{Key: "error", Value: "Name required"})
	}
	return router.JSON(201,
		router.Field{Key: "message", Value: "User created"},
		router.Field{Key: "name", Value: name},
	)
}
