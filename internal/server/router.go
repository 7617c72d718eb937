package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/meshsar/beacon/backend/internal/sos"
	"go.uber.org/zap"
)

var errMissingSyncService = errors.New("sync service dependency required")

// Dependencies wires the HTTP surface to the reconciliation core.
type Dependencies struct {
	SyncService *sos.Service
	Logger      *zap.Logger
	Clock       func() time.Time
}

// NewHTTPHandler builds the gin router exposing the sync protocol.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		syncService: deps.SyncService,
		logger:      logger,
		clock:       clock,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/api/sos", handler.handleDirectReport)
	router.POST("/api/sync/upload", handler.handleSyncUpload)
	router.GET("/api/sync/download", handler.handleSyncDownload)

	return router, nil
}

type httpHandler struct {
	syncService *sos.Service
	logger      *zap.Logger
	clock       func() time.Time
}

type uploadMessagePayload struct {
	LocalMessageID string   `json:"local_message_id" binding:"required,uuid"`
	SenderDeviceID string   `json:"sender_device_id" binding:"required"`
	SenderName     *string  `json:"sender_name"`
	Content        *string  `json:"content"`
	Latitude       *float64 `json:"latitude" binding:"required"`
	Longitude      *float64 `json:"longitude" binding:"required"`
	Status         string   `json:"status" binding:"required,oneof=ACTIVE CANCELLED RESOLVED"`
	OccurredAt     string   `json:"occurred_at" binding:"required"`
}

type uploadRequestPayload struct {
	Messages []uploadMessagePayload `json:"messages" binding:"required,min=1,dive"`
}

type ackEntryPayload struct {
	LocalMessageID string  `json:"local_message_id"`
	SenderDeviceID string  `json:"sender_device_id"`
	SenderCRC      *uint32 `json:"sender_crc"`
	FromServer     bool    `json:"from_server"`
	OccurredAt     string  `json:"occurred_at"`
}

type uploadResponsePayload struct {
	Message             string            `json:"message"`
	SyncedMessagesCount int               `json:"synced_messages_count"`
	ProcessedIDs        []string          `json:"processed_ids"`
	Errors              []string          `json:"errors,omitempty"`
	Acknowledged        bool              `json:"acknowledged"`
	AckTimestamp        string            `json:"ack_timestamp"`
	AckData             []ackEntryPayload `json:"ack_data"`
}

func (h *httpHandler) handleSyncUpload(c *gin.Context) {
	var request uploadRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "validation failed",
			"details": validationDetails(err),
		})
		return
	}

	reports := make([]sos.Report, 0, len(request.Messages))
	for _, message := range request.Messages {
		localMessageID, err := sos.ParseLocalMessageID(message.LocalMessageID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"message": "validation failed",
				"details": []string{"local_message_id: must be a valid UUID"},
			})
			return
		}
		occurredAtUs, err := sos.ParseOccurredAt(message.OccurredAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"message": "validation failed",
				"details": []string{"occurred_at: must match " + sos.OccurredAtLayout},
			})
			return
		}
		status, err := sos.ParseStatus(message.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"message": "validation failed",
				"details": []string{"status: must be one of ACTIVE, CANCELLED, RESOLVED"},
			})
			return
		}
		content := ""
		if message.Content != nil {
			content = *message.Content
		}
		reports = append(reports, sos.Report{
			LocalMessageID: localMessageID,
			SenderToken:    message.SenderDeviceID,
			SenderName:     message.SenderName,
			Content:        content,
			Latitude:       *message.Latitude,
			Longitude:      *message.Longitude,
			Status:         status,
			OccurredAtUs:   occurredAtUs,
		})
	}

	result, err := h.syncService.Upload(c.Request.Context(), reports)
	if err != nil {
		h.logger.Error("sync upload failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "synchronization failed", "error": err.Error()})
		return
	}

	response := uploadResponsePayload{
		SyncedMessagesCount: len(result.ProcessedIDs),
		ProcessedIDs:        result.ProcessedIDs,
		Acknowledged:        true,
		AckTimestamp:        h.clock().UTC().Format(time.RFC3339),
		AckData:             ackPayload(result.AckData),
	}

	if len(result.Errors) > 0 {
		response.Message = "synchronization completed with some errors"
		response.Errors = result.Errors
		c.JSON(http.StatusInternalServerError, response)
		return
	}

	response.Message = "synchronization successful"
	c.JSON(http.StatusOK, response)
}

type downloadMessagePayload struct {
	LocalMessageID string  `json:"local_message_id"`
	SenderDeviceID string  `json:"sender_device_id"`
	SenderCRC      *uint32 `json:"sender_crc"`
	FromServer     bool    `json:"from_server"`
	Content        string  `json:"content"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	Status         string  `json:"status"`
	OccurredAt     string  `json:"occurred_at"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	// The _us integers carry the same instants as unix microseconds; clients
	// feed updated_at_us back as their next cursor.
	CreatedAtUs int64 `json:"created_at_us"`
	UpdatedAtUs int64 `json:"updated_at_us"`
}

func (h *httpHandler) handleSyncDownload(c *gin.Context) {
	if !c.Request.URL.Query().Has("since") {
		c.JSON(http.StatusBadRequest, gin.H{"message": `missing "since" timestamp parameter`})
		return
	}
	sinceUs, err := strconv.ParseInt(c.Query("since"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": `"since" must be an integer timestamp`})
		return
	}

	result, err := h.syncService.Download(c.Request.Context(), sinceUs)
	if err != nil {
		h.logger.Error("sync download failed", zap.Error(err), zap.Int64("since_us", sinceUs))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to retrieve messages", "error": err.Error()})
		return
	}

	messages := make([]downloadMessagePayload, 0, len(result.Messages))
	for _, record := range result.Messages {
		messages = append(messages, recordPayload(record))
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"ack_data": ackPayload(result.AckData),
	})
}

type directReportPayload struct {
	LocalMessageID string   `json:"local_message_id" binding:"required,uuid"`
	DeviceID       string   `json:"device_id" binding:"required"`
	Latitude       *float64 `json:"latitude" binding:"required"`
	Longitude      *float64 `json:"longitude" binding:"required"`
	BatteryLevel   *float64 `json:"battery_level"`
	Timestamp      string   `json:"timestamp" binding:"required"`
	Message        *string  `json:"message"`
	Status         string   `json:"status" binding:"required,oneof=ACTIVE CANCELLED RESOLVED"`
}

func (h *httpHandler) handleDirectReport(c *gin.Context) {
	var request directReportPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "validation failed",
			"details": validationDetails(err),
		})
		return
	}

	localMessageID, err := sos.ParseLocalMessageID(request.LocalMessageID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "validation failed",
			"details": []string{"local_message_id: must be a valid UUID"},
		})
		return
	}

	occurredAtUs, err := sos.ParseOccurredAt(request.Timestamp)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "validation failed",
			"details": []string{"timestamp: must match " + sos.OccurredAtLayout},
		})
		return
	}
	status, err := sos.ParseStatus(request.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "validation failed",
			"details": []string{"status: must be one of ACTIVE, CANCELLED, RESOLVED"},
		})
		return
	}

	content := ""
	if request.Message != nil {
		content = *request.Message
	}

	record, applied, err := h.syncService.Report(c.Request.Context(), sos.DirectReport{
		LocalMessageID: localMessageID,
		DeviceID:       request.DeviceID,
		Content:        content,
		Latitude:       *request.Latitude,
		Longitude:      *request.Longitude,
		BatteryLevel:   request.BatteryLevel,
		Status:         status,
		OccurredAtUs:   occurredAtUs,
	})
	if err != nil {
		h.logger.Error("direct report failed", zap.Error(err), zap.String("device_id", request.DeviceID))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to process SOS message", "error": err.Error()})
		return
	}

	if !applied {
		c.JSON(http.StatusOK, gin.H{"message": "SOS message skipped (not newer)"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "SOS message processed successfully",
		"data":    recordPayload(*record),
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func recordPayload(record sos.SOSRecord) downloadMessagePayload {
	return downloadMessagePayload{
		LocalMessageID: record.LocalMessageID,
		SenderDeviceID: record.SenderDeviceID,
		SenderCRC:      record.SenderCRC,
		FromServer:     record.FromServer,
		Content:        record.Content,
		Latitude:       record.Latitude,
		Longitude:      record.Longitude,
		Status:         string(record.Status),
		OccurredAt:     sos.FormatOccurredAt(record.OccurredAtUs),
		CreatedAt:      sos.FormatOccurredAt(record.CreatedAtUs),
		UpdatedAt:      sos.FormatOccurredAt(record.UpdatedAtUs),
		CreatedAtUs:    record.CreatedAtUs,
		UpdatedAtUs:    record.UpdatedAtUs,
	}
}

func ackPayload(entries []sos.AckEntry) []ackEntryPayload {
	payload := make([]ackEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, ackEntryPayload{
			LocalMessageID: entry.LocalMessageID,
			SenderDeviceID: entry.SenderDeviceID,
			SenderCRC:      entry.SenderCRC,
			FromServer:     entry.FromServer,
			OccurredAt:     sos.FormatOccurredAt(entry.OccurredAtUs),
		})
	}
	return payload
}

// validationDetails flattens binding failures into field-level messages.
func validationDetails(err error) []string {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		details := make([]string, 0, len(validationErrors))
		for _, fieldError := range validationErrors {
			details = append(details, fieldError.Field()+": failed "+fieldError.Tag()+" validation")
		}
		return details
	}
	return []string{"invalid request body"}
}
