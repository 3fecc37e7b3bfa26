package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	gzip "github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/sevadaan/hundi-collect/routes"
	"github.com/sevadaan/hundi-collect/services"
	"github.com/sevadaan/hundi-collect/utils"
	"github.com/spf13/viper"
)

func main() {
	execDir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		log.Fatalf("Failed to get exec dir: %v", err)
	}

	// Load config from the working directory first, then fall back to the
	// directory the binary lives in.
	viper.SetConfigFile("config.yaml")
	if err := viper.ReadInConfig(); err != nil {
		viper.SetConfigFile(filepath.Join(execDir, "config.yaml"))
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("Failed to read config: %v", err)
		}
	}

	if err := utils.InitDatabase(
		viper.GetString("mysql.host"),
		viper.GetString("mysql.user"),
		viper.GetString("mysql.password"),
		viper.GetString("mysql.dbname"),
		viper.GetInt("mysql.port"),
	); err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	log.Printf("Database connected successfully")

	if err := utils.MigrateDatabase(); err != nil {
		log.Fatalf("Database migration failed: %v", err)
	}

	// Explicit bootstrap of the default roster group, so donor creation
	// never has to create it on the fly.
	defaultGroup, err := utils.EnsureDefaultGroup()
	if err != nil {
		log.Fatalf("Failed to ensure default group: %v", err)
	}

	store := services.NewGormStore(utils.DB)
	lifecycle := services.NewLifecycleService(store)
	reconciliation := services.NewReconciliationService(store)

	// Background sweeps: overdue reconciliation on the configured interval,
	// cycle record initialization at every cycle boundary.
	interval := viper.GetDuration("scheduler.reconcile_interval")
	if interval == 0 {
		interval = 24 * time.Hour
	}
	scheduler := services.NewScheduler(reconciliation, interval)
	if viper.GetBool("scheduler.enabled") {
		scheduler.Start()
		defer scheduler.Stop()
	} else {
		log.Printf("Scheduler disabled by config, sweeps must be triggered via /api/jobs")
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.SetTrustedProxies([]string{"127.0.0.1"})
	router.Use(gin.Recovery())
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	// Security headers and CORS
	router.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")

		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	apiRoutes := routes.NewAPIRoutes(lifecycle, reconciliation, defaultGroup.ID)
	apiRoutes.SetupRoutes(router)

	port := viper.GetInt("server.port")
	addr := fmt.Sprintf(":%d", port)

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Server running on http://localhost%s", addr)
	log.Printf("Server mode: %s", gin.Mode())

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}
