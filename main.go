package main

import (
	"log"
	"os"
	"strings"
	"time"

	"chorus_back/authorization"
	"chorus_back/billing"
	"chorus_back/chat"
	"chorus_back/generation"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func corsMiddleware() gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-System-Prompt"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	origins := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS"))
	if origins == "" || origins == "*" {
		config.AllowAllOrigins = true
		config.AllowCredentials = false
	} else {
		for _, origin := range strings.Split(origins, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				config.AllowOrigins = append(config.AllowOrigins, trimmed)
			}
		}
	}

	return cors.New(config)
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(corsMiddleware())

	auth, err := authorization.RegisterRoutes(r)
	if err != nil {
		log.Fatalf("register auth routes: %v", err)
	}
	guard := auth.Guard()

	chatModule, err := chat.RegisterRoutes(r, guard)
	if err != nil {
		log.Fatalf("register chat routes: %v", err)
	}

	billingModule, err := billing.RegisterRoutes(r, guard)
	if err != nil {
		log.Fatalf("register billing routes: %v", err)
	}

	if _, err := generation.RegisterRoutes(r, guard, chatModule.Store(), billingModule.Ledger()); err != nil {
		log.Fatalf("register generation routes: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
