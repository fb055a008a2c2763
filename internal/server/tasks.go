package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListTasks shows the detached work currently running in this process.
func (s *Server) ListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.runner.List()})
}
