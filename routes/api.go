package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sevadaan/hundi-collect/models"
	"github.com/sevadaan/hundi-collect/services"
	"github.com/sevadaan/hundi-collect/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type APIRoutes struct {
	lifecycle      *services.LifecycleService
	reconciliation *services.ReconciliationService
	defaultGroupID uint
	// WebSocket hub
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mutex      sync.Mutex
}

func NewAPIRoutes(lifecycle *services.LifecycleService, reconciliation *services.ReconciliationService, defaultGroupID uint) *APIRoutes {
	ar := &APIRoutes{
		lifecycle:      lifecycle,
		reconciliation: reconciliation,
		defaultGroupID: defaultGroupID,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}

	go ar.runWebSocketServer()

	return ar
}

// SetupRoutes registers all HTTP routes.
func (ar *APIRoutes) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.POST("/groups", ar.CreateGroup)
		api.GET("/groups", ar.GetGroups)

		api.POST("/donors", ar.CreateDonor)
		api.GET("/donors", ar.GetDonors)
		api.GET("/donors/:id", ar.GetDonor)
		api.POST("/donors/:id/collect", ar.RecordCollection)
		api.POST("/donors/:id/skip", ar.RecordSkip)
		api.POST("/donors/:id/status", ar.UpdateStatus)

		api.GET("/records", ar.GetRecords)
		api.PUT("/records/:id", ar.UpdateRecord)

		api.POST("/jobs/reconcile", ar.RunReconciliation)
		api.POST("/jobs/init-cycle", ar.RunCycleInitialization)
	}

	// WebSocket feed of collection events
	router.GET("/ws", ar.WebSocketHandler)

	// Printable hundi card QR code
	router.GET("/qrcode", ar.GenerateQRCode)
}

// writeEngineError maps an engine error to an HTTP response. Validation
// errors go back verbatim; storage failures are logged and hidden behind a
// generic message.
func writeEngineError(c *gin.Context, err error) {
	var transition *services.InvalidStatusTransitionError
	var repo *services.RepositoryError

	switch {
	case errors.Is(err, services.ErrDonorNotFound), errors.Is(err, services.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrDuplicateCycleRecord), errors.Is(err, services.ErrDuplicateHundiNo):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrInactiveDonor),
		errors.Is(err, services.ErrAmountRequired),
		errors.Is(err, services.ErrNotesRequired),
		errors.As(err, &transition):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &repo):
		log.Printf("Repository failure for %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal storage error"})
	default:
		log.Printf("Unexpected error for %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// CreateGroup creates a roster group.
func (ar *APIRoutes) CreateGroup(c *gin.Context) {
	var req struct {
		Name        string `json:"name" binding:"required"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	group := models.Group{
		Name:        req.Name,
		Description: req.Description,
		IsActive:    true,
	}
	if err := utils.DB.Create(&group).Error; err != nil {
		log.Printf("Failed to create group %q: %v", req.Name, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create group"})
		return
	}
	c.JSON(http.StatusCreated, group)
}

// GetGroups lists all roster groups.
func (ar *APIRoutes) GetGroups(c *gin.Context) {
	var groups []models.Group
	if err := utils.DB.Order("id").Find(&groups).Error; err != nil {
		log.Printf("Failed to list groups: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list groups"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups, "total": len(groups)})
}

// CreateDonor registers a donor. Status and the first collection date get
// the lifecycle defaults unless supplied explicitly.
func (ar *APIRoutes) CreateDonor(c *gin.Context) {
	var req struct {
		HundiNo        string     `json:"hundi_no" binding:"required"`
		Name           string     `json:"name" binding:"required"`
		Phone          string     `json:"phone"`
		GroupID        uint       `json:"group_id"`
		CollectionDate *time.Time `json:"collection_date"`
		ActorID        uint       `json:"actor_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	donor := &models.Donor{
		HundiNo:   req.HundiNo,
		Name:      req.Name,
		Phone:     req.Phone,
		GroupID:   req.GroupID,
		CreatedBy: req.ActorID,
	}
	if donor.GroupID == 0 {
		donor.GroupID = ar.defaultGroupID
	}
	if req.CollectionDate != nil {
		donor.CollectionDate = *req.CollectionDate
	}

	donor, err := ar.lifecycle.CreateDonor(ctx, donor)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, donor)
}

// GetDonor returns one donor with its full status history.
func (ar *APIRoutes) GetDonor(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid donor id"})
		return
	}

	var donor models.Donor
	err = utils.DB.Preload("History", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).First(&donor, uint(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "donor not found"})
		return
	}
	if err != nil {
		log.Printf("Failed to load donor %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load donor"})
		return
	}
	c.JSON(http.StatusOK, donor)
}

// GetDonors lists donors with pagination and optional group/status filters.
func (ar *APIRoutes) GetDonors(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := utils.DB.Model(&models.Donor{})
	if groupID := c.Query("group_id"); groupID != "" {
		query = query.Where("group_id = ?", groupID)
	}
	if status := c.Query("status"); status != "" {
		if !models.CollectionStatus(status).Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status filter"})
			return
		}
		query = query.Where("status = ?", status)
	}
	if active := c.Query("is_active"); active != "" {
		query = query.Where("is_active = ?", active == "true")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		log.Printf("Failed to count donors: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list donors"})
		return
	}

	var donors []models.Donor
	if err := query.Order("id").Limit(limit).Offset(offset).Find(&donors).Error; err != nil {
		log.Printf("Failed to list donors: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list donors"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"donors": donors,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// RecordCollection records a collected outcome for the donor's cycle.
func (ar *APIRoutes) RecordCollection(c *gin.Context) {
	donorID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid donor id"})
		return
	}

	var req struct {
		Amount      decimal.Decimal `json:"amount"`
		CollectedAt *time.Time      `json:"collected_at"`
		Notes       string          `json:"notes"`
		ActorID     uint            `json:"actor_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	collectedAt := time.Now()
	if req.CollectedAt != nil {
		collectedAt = *req.CollectedAt
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	record, donor, err := ar.lifecycle.RecordCollection(ctx, uint(donorID), req.Amount, collectedAt, req.Notes, req.ActorID)
	if err != nil {
		writeEngineError(c, err)
		return
	}

	ar.BroadcastCollectionEvent(record, donor)
	c.JSON(http.StatusOK, gin.H{"record": record, "donor": donor})
}

// RecordSkip records an intentionally skipped collection.
func (ar *APIRoutes) RecordSkip(c *gin.Context) {
	donorID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid donor id"})
		return
	}

	var req struct {
		Notes   string `json:"notes"`
		ActorID uint   `json:"actor_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	record, donor, err := ar.lifecycle.RecordSkip(ctx, uint(donorID), req.Notes, req.ActorID)
	if err != nil {
		writeEngineError(c, err)
		return
	}

	ar.BroadcastCollectionEvent(record, donor)
	c.JSON(http.StatusOK, gin.H{"record": record, "donor": donor})
}

// UpdateStatus applies a manual status override.
func (ar *APIRoutes) UpdateStatus(c *gin.Context) {
	donorID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid donor id"})
		return
	}

	var req struct {
		Status  string `json:"status" binding:"required"`
		Notes   string `json:"notes"`
		ActorID uint   `json:"actor_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	newStatus := models.CollectionStatus(req.Status)
	if !newStatus.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + req.Status})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	donor, err := ar.lifecycle.UpdateStatus(ctx, uint(donorID), newStatus, req.Notes, req.ActorID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, donor)
}

// GetRecords lists donation records, filterable by cycle and donor.
func (ar *APIRoutes) GetRecords(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := utils.DB.Model(&models.DonationRecord{})
	if cycle := c.Query("cycle"); cycle != "" {
		query = query.Where("cycle_key = ?", cycle)
	}
	if donorID := c.Query("donor_id"); donorID != "" {
		query = query.Where("donor_id = ?", donorID)
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		log.Printf("Failed to count records: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list records"})
		return
	}

	var records []models.DonationRecord
	if err := query.Order("id desc").Limit(limit).Offset(offset).Find(&records).Error; err != nil {
		log.Printf("Failed to list records: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list records"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// UpdateRecord edits an existing record's non-identity fields.
func (ar *APIRoutes) UpdateRecord(c *gin.Context) {
	recordID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}

	var req struct {
		Amount      decimal.Decimal `json:"amount"`
		CollectedAt time.Time       `json:"collected_at" binding:"required"`
		Notes       string          `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	record, err := ar.lifecycle.UpdateRecord(ctx, uint(recordID), req.Amount, req.CollectedAt, req.Notes)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// RunReconciliation triggers the overdue sweep synchronously. The optional
// "at" query overrides the reference instant, mainly for backfill testing.
func (ar *APIRoutes) RunReconciliation(c *gin.Context) {
	now := time.Now()
	if at := c.Query("at"); at != "" {
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'at' timestamp, want RFC3339"})
			return
		}
		now = parsed
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Minute)
	defer cancel()

	result := ar.reconciliation.ReconcileOverdueDonors(ctx, now)
	c.JSON(http.StatusOK, result)
}

// RunCycleInitialization pre-materializes the current cycle's records.
func (ar *APIRoutes) RunCycleInitialization(c *gin.Context) {
	now := time.Now()
	if at := c.Query("at"); at != "" {
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'at' timestamp, want RFC3339"})
			return
		}
		now = parsed
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Minute)
	defer cancel()

	result := ar.reconciliation.InitializeCycleRecords(ctx, now)
	c.JSON(http.StatusOK, result)
}

// GenerateQRCode renders the QR code printed on a donor's hundi card.
func (ar *APIRoutes) GenerateQRCode(c *gin.Context) {
	hundiNo := c.Query("hundi")
	if hundiNo == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hundi query parameter is required"})
		return
	}

	var donor models.Donor
	err := utils.DB.Where("hundi_no = ?", hundiNo).First(&donor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "donor not found"})
		return
	}
	if err != nil {
		log.Printf("Failed to load donor for hundi %s: %v", hundiNo, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load donor"})
		return
	}

	payload := fmt.Sprintf("hundi:%s;donor:%d", donor.HundiNo, donor.ID)
	png, err := utils.GenerateQRCode(payload)
	if err != nil {
		log.Printf("Failed to generate QR code for hundi %s: %v", hundiNo, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate QR code"})
		return
	}

	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, "image/png", png)
}

func (ar *APIRoutes) runWebSocketServer() {
	log.Printf("WebSocket server started")

	cleanupTicker := time.NewTicker(30 * time.Second)
	defer cleanupTicker.Stop()

	for {
		select {
		case client := <-ar.register:
			ar.mutex.Lock()
			ar.clients[client] = true
			clientCount := len(ar.clients)
			ar.mutex.Unlock()
			log.Printf("WebSocket client connected, total clients: %d", clientCount)

			go ar.sendInitialData(client)

		case client := <-ar.unregister:
			ar.mutex.Lock()
			if _, ok := ar.clients[client]; ok {
				delete(ar.clients, client)
				client.Close()
			}
			clientCount := len(ar.clients)
			ar.mutex.Unlock()
			log.Printf("WebSocket client disconnected, total clients: %d", clientCount)

		case message := <-ar.broadcast:
			ar.mutex.Lock()
			for client := range ar.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					log.Printf("Broadcast to client failed: %v", err)
					client.Close()
					delete(ar.clients, client)
				}
			}
			ar.mutex.Unlock()

		case <-cleanupTicker.C:
			ar.cleanupInvalidConnections()
		}
	}
}

// cleanupInvalidConnections pings every client and drops the dead ones.
func (ar *APIRoutes) cleanupInvalidConnections() {
	ar.mutex.Lock()
	defer ar.mutex.Unlock()

	totalClients := len(ar.clients)
	invalidCount := 0

	for client := range ar.clients {
		if err := client.WriteMessage(websocket.PingMessage, nil); err != nil {
			client.Close()
			delete(ar.clients, client)
			invalidCount++
		}
	}

	if invalidCount > 0 {
		log.Printf("Cleaned up %d invalid WebSocket connections. Total clients: %d -> %d",
			invalidCount, totalClients, len(ar.clients))
	}
}

// sendInitialData pushes the current cycle's roster summary to a newly
// connected client.
func (ar *APIRoutes) sendInitialData(client *websocket.Conn) {
	cycle := services.CycleKey(time.Now())

	type statusCount struct {
		Status string `json:"status"`
		Count  int64  `json:"count"`
	}
	var counts []statusCount
	err := utils.DB.Model(&models.DonationRecord{}).
		Select("status, count(*) as count").
		Where("cycle_key = ?", cycle).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		log.Printf("Error getting initial cycle summary: %v", err)
		return
	}

	initialData := map[string]interface{}{
		"type":      "initial_data",
		"cycle":     cycle,
		"counts":    counts,
		"timestamp": time.Now().Unix(),
	}

	message, err := json.Marshal(initialData)
	if err != nil {
		log.Printf("Error marshaling initial data: %v", err)
		return
	}

	if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
		log.Printf("Error sending initial data: %v", err)
		client.Close()
		ar.mutex.Lock()
		delete(ar.clients, client)
		ar.mutex.Unlock()
	}
}

// WebSocketHandler upgrades the connection and keeps it registered until
// the client goes away.
func (ar *APIRoutes) WebSocketHandler(c *gin.Context) {
	conn, err := ar.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Error upgrading to WebSocket: %v", err)
		return
	}

	ar.register <- conn

	for {
		messageType, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		// Clients only listen; answer pings, drop everything else.
		if messageType == websocket.PingMessage {
			if err := conn.WriteMessage(websocket.PongMessage, nil); err != nil {
				break
			}
		}
	}

	ar.unregister <- conn
}

// BroadcastCollectionEvent pushes a recorded outcome to every connected
// dashboard client.
func (ar *APIRoutes) BroadcastCollectionEvent(record *models.DonationRecord, donor *models.Donor) {
	message := map[string]interface{}{
		"type":      "collection_event",
		"record":    record,
		"donor":     donor,
		"timestamp": time.Now().Unix(),
	}

	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("Error marshaling collection event: %v", err)
		return
	}

	ar.broadcast <- data
}
