package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"collabEditor/backend/internal/cache"
	"collabEditor/backend/internal/collab"
)

// PresenceSource 在线成员来源，ws.Hub 实现
type PresenceSource interface {
	Members(ctx context.Context, filename string) ([]cache.PresenceMember, error)
}

// FileHandler 只读查询，编辑都走 websocket
type FileHandler struct {
	svc      collab.Service
	presence PresenceSource
}

func NewFileHandler(svc collab.Service, presence PresenceSource) *FileHandler {
	return &FileHandler{svc: svc, presence: presence}
}

// GET /collab/files/:filename/history
func (h *FileHandler) History(c *gin.Context) {
	filename := c.Param("filename")
	entries, err := h.svc.History(c.Request.Context(), filename)
	if err != nil {
		log.Printf("http history error file=%s: %v", filename, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"filename": filename, "history": entries})
}

// GET /collab/files/:filename/participants
func (h *FileHandler) Participants(c *gin.Context) {
	filename := c.Param("filename")
	users, err := h.svc.Participants(c.Request.Context(), filename)
	if errors.Is(err, collab.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	online := []cache.PresenceMember{}
	if h.presence != nil {
		members, err := h.presence.Members(c.Request.Context(), filename)
		if err != nil {
			log.Printf("http presence error file=%s: %v", filename, err)
		} else if members != nil {
			online = members
		}
	}
	c.JSON(http.StatusOK, gin.H{"filename": filename, "participants": users, "online": online})
}
